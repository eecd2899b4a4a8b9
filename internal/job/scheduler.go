package job

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger says when a scheduled function runs: on a cron spec, or once at
// a fixed time.
type Trigger struct {
	Cron string
	At   time.Time
}

// Every returns a recurring trigger for a cron spec such as "@every 5m".
func Every(spec string) Trigger { return Trigger{Cron: spec} }

// After returns a one-shot trigger d from now.
func After(d time.Duration) Trigger { return Trigger{At: time.Now().Add(d)} }

// entry is a live schedule: a cron entry, or a one-shot timer armed while
// the scheduler runs.
type entry struct {
	id    cron.EntryID
	at    time.Time
	fn    func()
	timer *time.Timer
}

func (e *entry) once() bool { return !e.at.IsZero() }

// Scheduler runs functions by id on cron or one-shot triggers.
// Scheduling an id again replaces its previous entry. One-shots added
// before Start fire once it is called, at once if their time has passed.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	entries map[string]*entry
	running sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start starts the cron loop and arms pending one-shots.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	for id, e := range s.entries {
		if e.once() {
			s.arm(id, e)
		}
	}
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("job scheduler started")
}

// Stop stops the cron loop, disarms one-shots and waits for running
// functions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.running.Wait()
	s.logger.Info("job scheduler stopped")
}

// Schedule registers fn under id.
func (s *Scheduler) Schedule(id string, t Trigger, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drop(id)
	e := &entry{}
	switch {
	case t.Cron != "":
		entryID, err := s.cron.AddFunc(t.Cron, fn)
		if err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", t.Cron, id, err)
		}
		e.id = entryID
	case !t.At.IsZero():
		e.at, e.fn = t.At, fn
		if s.started {
			s.arm(id, e)
		}
	default:
		return fmt.Errorf("empty trigger for %s", id)
	}
	s.entries[id] = e
	s.logger.Debug("scheduled", "id", id, "cron", t.Cron, "at", t.At)
	return nil
}

// Cancel removes the entry for id, if any.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(id)
}

// Scheduled reports whether id has a live entry.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// drop removes id. s.mu must be held.
func (s *Scheduler) drop(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.once() {
		if e.timer != nil {
			e.timer.Stop()
		}
	} else {
		s.cron.Remove(e.id)
	}
	delete(s.entries, id)
}

// arm starts the timer of a one-shot. s.mu must be held.
func (s *Scheduler) arm(id string, e *entry) {
	e.timer = time.AfterFunc(time.Until(e.at), func() {
		s.mu.Lock()
		if cur, ok := s.entries[id]; !ok || cur != e || !s.started {
			s.mu.Unlock()
			return
		}
		delete(s.entries, id)
		s.running.Add(1)
		s.mu.Unlock()

		defer s.running.Done()
		e.fn()
	})
}
