// Package tenant runs one live bot session: the transport receive loop plus
// the moderation pipeline it feeds. Events are processed strictly one at a
// time, which is what makes the pipeline's per-event logic race-free.
package tenant

import (
	"context"

	"proposalbot/internal/moderation"
	"proposalbot/internal/runtime/supervisor"
	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

// updateBuffer absorbs poll bursts while the single event loop catches up;
// beyond it the adapter drops and counts.
const updateBuffer = 256

type Runtime struct {
	tenantID int64
	adapter  transport.Adapter
	pipe     *moderation.Pipeline
	log      logx.Logger

	sup     *supervisor.Supervisor
	updates chan transport.Update
}

func New(tenantID int64, adapter transport.Adapter, pipe *moderation.Pipeline, log logx.Logger) *Runtime {
	return &Runtime{
		tenantID: tenantID,
		adapter:  adapter,
		pipe:     pipe,
		log:      log.With(logx.Int64("tenant", tenantID)),
		updates:  make(chan transport.Update, updateBuffer),
	}
}

// Start opens the transport session and the sequential event loop. The
// runtime stays up until Stop; a transport failure surfaces through the
// supervisor, not here.
func (r *Runtime) Start(ctx context.Context) error {
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	if err := r.adapter.Start(r.sup.Context(), r.updates); err != nil {
		r.sup.Cancel()
		return err
	}
	r.sup.Go0("tenant.events", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-r.updates:
				r.pipe.HandleUpdate(ctx, up)
			}
		}
	})
	r.log.Info("tenant runtime started")
	return nil
}

// Stop tears the session down: transport first so no new updates arrive,
// then the event loop.
func (r *Runtime) Stop(ctx context.Context) error {
	var stopErr error
	if err := r.adapter.Stop(ctx); err != nil {
		stopErr = err
	}
	if r.sup != nil {
		if err := r.sup.Stop(ctx); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	r.log.Info("tenant runtime stopped", logx.Int("pending", r.pipe.Pending()))
	return stopErr
}

// Sweep runs the pipeline's maintenance pass (expired submissions, stale
// undo state).
func (r *Runtime) Sweep(ctx context.Context) { r.pipe.Sweep(ctx) }

// Pending reports submissions awaiting a decision.
func (r *Runtime) Pending() int { return r.pipe.Pending() }
