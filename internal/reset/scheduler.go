package reset

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	log "github.com/sirupsen/logrus"
)

// ErrRunInProgress is returned by TriggerAsync while a run is executing.
var ErrRunInProgress = errors.New("reset: a run is already in progress")

// Scheduler fires the daily reset on a cron spec and serialises manual runs with it.
type Scheduler struct {
	service  *Service
	locker   Locker
	spec     string
	location *time.Location

	cron    *cron.Cron
	entryID cron.EntryID

	runMu   sync.Mutex
	stateMu sync.RWMutex
	running bool
	last    *RunReport

	ctx context.Context
	wg  sync.WaitGroup
}

// NewScheduler constructs a Scheduler. locker may be nil.
func NewScheduler(service *Service, spec string, locker Locker) *Scheduler {
	if service == nil {
		return nil
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "0 0 * * *"
	}
	return &Scheduler{
		service:  service,
		locker:   locker,
		spec:     spec,
		location: service.Location(),
	}
}

// Start registers the cron entry and starts the cron loop. The loop stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithChain(cron.Recover(cron.PrintfLogger(log.StandardLogger()))),
	)
	entryID, errAdd := s.cron.AddFunc(s.spec, func() {
		if _, errRun := s.TriggerNow(s.ctx, models.ResetTriggerSchedule); errRun != nil {
			log.WithError(errRun).Error("credit reset: scheduled run failed")
		}
	})
	if errAdd != nil {
		return errAdd
	}
	s.entryID = entryID
	if last, errLast := s.service.LastRun(ctx); errLast == nil && last != nil {
		s.setLast(*last)
	}
	s.cron.Start()
	log.Infof("credit reset: scheduled %q in %s, next run %s", s.spec, s.location, s.NextRun().Format(time.RFC3339))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for an executing run to finish.
func (s *Scheduler) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// TriggerNow runs the reset, waiting for any in-flight run to finish first.
func (s *Scheduler) TriggerNow(ctx context.Context, trigger string) (RunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runLocked(ctx, trigger)
}

// TryTriggerNow runs the reset unless a run is already executing, in which case it returns
// ErrRunInProgress without waiting.
func (s *Scheduler) TryTriggerNow(ctx context.Context, trigger string) (RunReport, error) {
	if !s.runMu.TryLock() {
		return RunReport{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()
	return s.runLocked(ctx, trigger)
}

// TriggerAsync starts a run in the background and returns immediately. It returns
// ErrRunInProgress when a run is already executing.
func (s *Scheduler) TriggerAsync(trigger string) error {
	if !s.runMu.TryLock() {
		return ErrRunInProgress
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.runMu.Unlock()
		if _, errRun := s.runLocked(ctx, trigger); errRun != nil {
			log.WithError(errRun).Error("credit reset: manual run failed")
		}
	}()
	return nil
}

func (s *Scheduler) runLocked(ctx context.Context, trigger string) (RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.locker != nil {
		release, errLock := s.locker.Acquire(ctx)
		switch {
		case errors.Is(errLock, ErrLockHeld):
			log.WithField("trigger", trigger).Info("credit reset: skipped, another instance holds the run lock")
			report := s.service.SkippedReport(trigger, ErrLockHeld.Error())
			s.setLast(report)
			return report, nil
		case errLock != nil:
			log.WithError(errLock).Warn("credit reset: run lock unavailable, running without it")
		default:
			defer release()
		}
	}

	s.setRunning(true)
	defer s.setRunning(false)
	report, errRun := s.service.Run(ctx, trigger)
	s.setLast(report)
	return report, errRun
}

func (s *Scheduler) setRunning(v bool) {
	s.stateMu.Lock()
	s.running = v
	s.stateMu.Unlock()
}

func (s *Scheduler) setLast(report RunReport) {
	s.stateMu.Lock()
	s.last = &report
	s.stateMu.Unlock()
}

// NextRun returns the next scheduled fire time, or zero when not started.
func (s *Scheduler) NextRun() time.Time {
	if s == nil || s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running   bool       `json:"running"`
	Cron      string     `json:"cron"`
	TimeZone  string     `json:"timezone"`
	NextRunAt *time.Time `json:"next_run_at"`
	LastRun   *RunReport `json:"last_run"`
}

// Status reports whether a run is executing, the next fire time and the last run.
func (s *Scheduler) Status() Status {
	out := Status{Cron: s.spec, TimeZone: s.location.String()}
	if next := s.NextRun(); !next.IsZero() {
		next = next.In(s.location)
		out.NextRunAt = &next
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out.Running = s.running
	if s.last != nil {
		last := *s.last
		out.LastRun = &last
	}
	return out
}
