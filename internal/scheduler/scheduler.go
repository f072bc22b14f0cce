// Package scheduler triggers ingestion batches at configured civil-time
// slots, guaranteeing at most one run at a time and at most one run per
// slot per day.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// slotWindow is how far a tick may land from a slot and still trigger it.
const slotWindow = 5 * time.Minute

// BatchFunc runs one ingestion batch.
type BatchFunc func(ctx context.Context) error

// Slot is a wall-clock time of day in the scheduler's timezone.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// DefaultSlots is the built-in fallback when no configured slot parses.
var DefaultSlots = []Slot{{Hour: 6}, {Hour: 18}}

// ParseSlots parses a comma-separated "HH:MM" list. Invalid entries are
// dropped with one warning each; if nothing survives, the built-in default
// pair is used.
func ParseSlots(spec string, log *zap.Logger) []Slot {
	var slots []Slot
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		slot, err := parseSlot(entry)
		if err != nil {
			log.Warn("dropping invalid slot entry", zap.String("entry", entry), zap.Error(err))
			continue
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		log.Warn("no valid slots configured, using defaults",
			zap.String("spec", spec), zap.Stringers("defaults", DefaultSlots))
		return append([]Slot(nil), DefaultSlots...)
	}
	return slots
}

func parseSlot(entry string) (Slot, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 2 {
		return Slot{}, fmt.Errorf("expected HH:MM")
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Slot{}, fmt.Errorf("hour %q out of range", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Slot{}, fmt.Errorf("minute %q out of range", parts[1])
	}
	return Slot{Hour: hour, Minute: minute}, nil
}

// Scheduler owns the is-executing flag and the per-slot run record. Both
// live behind one mutex and are mutated only through Tick and RunNow, so
// two ticks can never both decide to start a run. State is in-memory and
// resets on restart.
type Scheduler struct {
	cron  *cron.Cron
	run   BatchFunc
	slots []Slot
	loc   *time.Location
	log   *zap.Logger

	mu        sync.Mutex
	executing bool
	lastRun   map[string]time.Time // slot-day key → start time
}

// New constructs a Scheduler; run is invoked for each triggered batch.
func New(run BatchFunc, slots []Slot, loc *time.Location, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		run:     run,
		slots:   slots,
		loc:     loc,
		log:     log.Named("scheduler"),
		lastRun: make(map[string]time.Time),
	}
}

// Start registers the minute tick and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every 1m", func() {
		s.Tick(ctx, time.Now())
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		zap.Stringers("slots", s.slots), zap.String("timezone", s.loc.String()))
	return nil
}

// Stop shuts down the cron loop. In-flight runs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduler stopped")
}

// Tick checks whether now falls inside a due slot's window and, if so,
// starts a batch. The slot is marked done when the run starts, not when it
// completes, so a crashed run is not retried the same day. A tick during
// an executing run is a no-op.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	local := now.In(s.loc)

	for _, slot := range s.slots {
		key, due := s.slotDue(slot, local)
		if !due {
			continue
		}

		s.mu.Lock()
		if _, done := s.lastRun[key]; done {
			s.mu.Unlock()
			continue
		}
		if s.executing {
			s.mu.Unlock()
			// Skipped, not marked done: a later tick inside the window may
			// still trigger this slot once the current run finishes.
			s.log.Info("run already executing, skipping tick", zap.String("slot", slot.String()))
			return
		}
		s.executing = true
		s.lastRun[key] = local
		s.mu.Unlock()

		s.log.Info("slot due, starting run", zap.String("slot", slot.String()), zap.String("key", key))
		go s.execute(ctx, slot.String())
		return
	}
}

// RunNow starts a batch outside any slot, for the ops API. It shares the
// single-run guarantee with Tick.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return fmt.Errorf("a run is already executing")
	}
	s.executing = true
	s.mu.Unlock()

	s.log.Info("manual run starting")
	go s.execute(ctx, "manual")
	return nil
}

// execute runs the batch and always clears the executing flag, even on
// infrastructure failure, so the next slot is not starved.
func (s *Scheduler) execute(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run panicked", zap.String("trigger", trigger), zap.Any("panic", r))
		}
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
	}()

	if err := s.run(ctx); err != nil {
		s.log.Error("run finished with errors", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	s.log.Info("run finished", zap.String("trigger", trigger))
}

// slotDue reports whether the local time falls inside the slot's window.
// The dedupe key combines the slot hour with the calendar day in the
// configured zone.
func (s *Scheduler) slotDue(slot Slot, local time.Time) (string, bool) {
	slotTime := time.Date(local.Year(), local.Month(), local.Day(), slot.Hour, slot.Minute, 0, 0, s.loc)
	diff := local.Sub(slotTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > slotWindow {
		return "", false
	}
	return fmt.Sprintf("%02d:%s", slot.Hour, local.Format("2006-01-02")), true
}

// Status is a point-in-time snapshot for the ops API.
type Status struct {
	Executing bool              `json:"executing"`
	Slots     []string          `json:"slots"`
	Timezone  string            `json:"timezone"`
	LastRuns  map[string]string `json:"lastRuns"`
}

// Snapshot returns the current scheduler state.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Executing: s.executing,
		Timezone:  s.loc.String(),
		LastRuns:  make(map[string]string, len(s.lastRun)),
	}
	for _, slot := range s.slots {
		st.Slots = append(st.Slots, slot.String())
	}
	for key, at := range s.lastRun {
		st.LastRuns[key] = at.Format(time.RFC3339)
	}
	return st
}
