// Package registry owns bot session lifecycle: at most one live runtime per
// tenant, with Start/Stop/Restart serialized per tenant so concurrent
// attempts can never race a second session into existence.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proposalbot/internal/directory"
	"proposalbot/internal/eventbus"
	"proposalbot/internal/moderation"
	"proposalbot/internal/notifier"
	"proposalbot/internal/tenant"
	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

var (
	// ErrAlreadyStarting is returned when a Start gives up waiting for a
	// concurrent lifecycle operation on the same tenant.
	ErrAlreadyStarting = errors.New("tenant start already in progress")
	// ErrCredential wraps a rejected bot token.
	ErrCredential = errors.New("credential rejected")
	// ErrTenantInactive is returned when starting a deactivated tenant.
	ErrTenantInactive = errors.New("tenant is not active")
)

// slot serializes lifecycle operations for one tenant. The semaphore has
// capacity one: the holder is the only goroutine allowed to mutate rt.
type slot struct {
	sem chan struct{}
	mu  sync.Mutex
	rt  *tenant.Runtime
}

type Registry struct {
	rootCtx context.Context
	dir     directory.Directory
	factory transport.AdapterFactory
	ncfg    notifier.Config
	sched   moderation.PublishScheduler
	bus     eventbus.Bus
	modset  moderation.Settings
	log     logx.Logger

	mu    sync.Mutex
	slots map[int64]*slot
}

// New builds a registry. rootCtx bounds the lifetime of every runtime it
// starts; canceling it is not a substitute for StopAll, which shuts sessions
// down gracefully.
func New(
	rootCtx context.Context,
	dir directory.Directory,
	factory transport.AdapterFactory,
	ncfg notifier.Config,
	sched moderation.PublishScheduler,
	bus eventbus.Bus,
	modset moderation.Settings,
	log logx.Logger,
) *Registry {
	return &Registry{
		rootCtx: rootCtx,
		dir:     dir,
		factory: factory,
		ncfg:    ncfg,
		sched:   sched,
		bus:     bus,
		modset:  modset,
		log:     log,
		slots:   map[int64]*slot{},
	}
}

func (r *Registry) slot(tenantID int64) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[tenantID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		r.slots[tenantID] = s
	}
	return s
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAlreadyStarting
	}
}

func (s *slot) release() { <-s.sem }

func (s *slot) runtime() *tenant.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

func (s *slot) setRuntime(rt *tenant.Runtime) {
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()
}

// Start brings a tenant's session up. Idempotent: if the session is already
// running (or a concurrent Start wins the race while we wait), Start returns
// nil without opening a second session. A ctx that expires while another
// lifecycle operation holds the tenant yields ErrAlreadyStarting.
func (r *Registry) Start(ctx context.Context, tenantID int64) error {
	s := r.slot(tenantID)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return r.startLocked(ctx, tenantID, s)
}

func (r *Registry) startLocked(ctx context.Context, tenantID int64, s *slot) error {
	if s.runtime() != nil {
		return nil
	}
	cfg, err := r.dir.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant %d: %w", tenantID, err)
	}
	if !cfg.Active {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrTenantInactive)
	}

	adapter, err := r.factory(cfg.Token)
	if err != nil {
		return fmt.Errorf("tenant %d: %w: %v", tenantID, ErrCredential, err)
	}

	out := notifier.New(r.ncfg, adapter, r.log.With(logx.Int64("tenant", tenantID)))
	pipe := moderation.NewPipeline(cfg, r.dir, out, r.sched, r.bus, r.modset, r.log)
	rt := tenant.New(tenantID, adapter, pipe, r.log)

	if err := rt.Start(r.rootCtx); err != nil {
		return fmt.Errorf("tenant %d: start: %w", tenantID, err)
	}
	s.setRuntime(rt)
	r.bus.Publish(eventbus.Event{Type: eventbus.TenantStarted, Data: eventbus.TenantEvent{TenantID: tenantID}})
	r.log.Info("tenant started", logx.Int64("tenant", tenantID), logx.String("name", cfg.Name))
	return nil
}

// Stop tears a tenant's session down. Idempotent: stopping a tenant with no
// running session is a no-op. The slot is cleared even when teardown errors;
// a half-dead session must not block a later Start.
func (r *Registry) Stop(ctx context.Context, tenantID int64) error {
	s := r.slot(tenantID)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return r.stopLocked(ctx, tenantID, s)
}

func (r *Registry) stopLocked(ctx context.Context, tenantID int64, s *slot) error {
	rt := s.runtime()
	if rt == nil {
		return nil
	}
	err := rt.Stop(ctx)
	s.setRuntime(nil)
	if err != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TenantStopFailed,
			Data: eventbus.TenantEvent{TenantID: tenantID, Reason: err.Error()},
		})
		r.log.Warn("tenant stop failed", logx.Int64("tenant", tenantID), logx.Err(err))
		return err
	}
	r.log.Info("tenant stopped", logx.Int64("tenant", tenantID))
	return nil
}

// Restart replaces a tenant's session under a single lifecycle hold, so no
// other Start can slip in between the teardown and the fresh session.
func (r *Registry) Restart(ctx context.Context, tenantID int64) error {
	s := r.slot(tenantID)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if err := r.stopLocked(ctx, tenantID, s); err != nil {
		r.log.Warn("restart: stop failed, starting fresh session anyway",
			logx.Int64("tenant", tenantID), logx.Err(err))
	}
	return r.startLocked(ctx, tenantID, s)
}

// Running lists tenants with a live session.
func (r *Registry) Running() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.slots))
	for id, s := range r.slots {
		if s.runtime() != nil {
			out = append(out, id)
		}
	}
	return out
}

// IsRunning reports whether the tenant has a live session.
func (r *Registry) IsRunning(tenantID int64) bool {
	r.mu.Lock()
	s, ok := r.slots[tenantID]
	r.mu.Unlock()
	return ok && s.runtime() != nil
}

// Reconcile aligns running sessions with the directory: starts newly active
// tenants and stops deactivated ones. Called periodically by the app.
func (r *Registry) Reconcile(ctx context.Context) {
	active, err := r.dir.ListActiveTenantIDs(ctx)
	if err != nil {
		r.log.Error("reconcile: listing active tenants failed", logx.Err(err))
		return
	}
	want := make(map[int64]struct{}, len(active))
	for _, id := range active {
		want[id] = struct{}{}
		if !r.IsRunning(id) {
			if err := r.Start(ctx, id); err != nil && !errors.Is(err, ErrAlreadyStarting) {
				r.log.Warn("reconcile: start failed", logx.Int64("tenant", id), logx.Err(err))
			}
		}
	}
	for _, id := range r.Running() {
		if _, ok := want[id]; !ok {
			if err := r.Stop(ctx, id); err != nil {
				r.log.Warn("reconcile: stop failed", logx.Int64("tenant", id), logx.Err(err))
			}
		}
	}
}

// SweepAll runs the maintenance sweep on every live runtime.
func (r *Registry) SweepAll(ctx context.Context) {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()
	for _, s := range slots {
		if rt := s.runtime(); rt != nil {
			rt.Sweep(ctx)
		}
	}
}

// StopAll shuts every live session down. Used on process shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	for _, id := range r.Running() {
		if err := r.Stop(ctx, id); err != nil {
			r.log.Warn("shutdown: tenant stop failed", logx.Int64("tenant", id), logx.Err(err))
		}
	}
}
