// Package scheduler owns deferred publishes. The moderation pipeline hands a
// composed post over with a fire time and forgets it; a cron tick dispatches
// due jobs. Jobs are memory-resident: a process restart drops pending ones,
// matching the runtime's in-memory submission model.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "proposalbot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled     bool
	TickEvery   time.Duration // due-job dispatch cadence (default 15s)
	HistorySize int           // fired-job history bound (default 200)
}

// Job is one deferred publish.
type Job struct {
	ID       uint64
	TenantID int64
	Note     string
	At       time.Time
	Run      func(ctx context.Context) error
}

// HistoryItem records a fired job for inspection.
type HistoryItem struct {
	ID       uint64
	TenantID int64
	Note     string
	At       time.Time
	FiredAt  time.Time
	Error    string
}

type Service struct {
	log logx.Logger
	cfg Config

	mu      sync.Mutex
	seq     uint64
	pending []Job
	history []HistoryItem

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
	fireWG    sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.TickEvery)
	if _, err := s.c.AddFunc(spec, s.tick); err != nil {
		s.c = nil
		s.runCancel()
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickEvery))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.fireWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop cancelled", logx.Err(ctx.Err()))
	}
}

// Enqueue registers a deferred job. Fire-and-forget: once accepted, the
// scheduler owns delivery and the caller should treat the item as resolved.
func (s *Service) Enqueue(tenantID int64, note string, at time.Time, run func(ctx context.Context) error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.pending = append(s.pending, Job{ID: id, TenantID: tenantID, Note: note, At: at, Run: run})
	s.log.Info("publish scheduled",
		logx.Int64("tenant", tenantID), logx.Time("at", at), logx.String("note", note))
	return id
}

// Pending returns the number of not-yet-fired jobs.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// History returns a copy of the fired-job history, newest last.
func (s *Service) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) tick() {
	now := time.Now()

	s.mu.Lock()
	ctx := s.runCtx
	var due, rest []Job
	for _, j := range s.pending {
		if !j.At.After(now) {
			due = append(due, j)
		} else {
			rest = append(rest, j)
		}
	}
	s.pending = rest
	s.mu.Unlock()

	if len(due) == 0 || ctx == nil {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })

	for _, j := range due {
		j := j
		s.fireWG.Add(1)
		go func() {
			defer s.fireWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduled job",
						logx.Int64("tenant", j.TenantID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					s.record(j, now, fmt.Sprintf("panic: %v", r))
				}
			}()
			err := j.Run(ctx)
			if err != nil {
				s.log.Warn("scheduled publish failed",
					logx.Int64("tenant", j.TenantID), logx.String("note", j.Note), logx.Err(err))
				s.record(j, now, err.Error())
				return
			}
			s.record(j, now, "")
		}()
	}
}

func (s *Service) record(j Job, firedAt time.Time, errStr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryItem{
		ID: j.ID, TenantID: j.TenantID, Note: j.Note, At: j.At, FiredAt: firedAt, Error: errStr,
	})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}
