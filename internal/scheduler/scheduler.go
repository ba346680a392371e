// Package scheduler drives feed lifecycles, open-of-session hooks, cache warming and the
// end-of-day run from the session clock.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"market_session/internal/domain"
)

// EODMarkerKey is the settings key that records the last day EOD persistence succeeded.
const EODMarkerKey = "eod_last_day"

// Clock classifies instants into session phases.
type Clock interface {
	Classify(now time.Time) domain.SessionState
	Today(t time.Time) string
}

// EODRunner persists the day's candles.
type EODRunner interface {
	Run(ctx context.Context) (int, error)
}

// MarkerStore keeps the EOD marker across restarts.
type MarkerStore interface {
	SaveSetting(key, value string) error
	LoadSetting(key string) (string, bool, error)
}

// SupervisedFeed is a feed the scheduler starts and stops with the session.
// AlwaysOn feeds run regardless of phase.
type SupervisedFeed struct {
	Name     string
	Feed     domain.Feed
	AlwaysOn bool
}

// Options configures a Scheduler.
type Options struct {
	Clock    Clock
	Feeds    []SupervisedFeed
	OnOpen   []func()
	Warmers  []func(ctx context.Context)
	EOD      EODRunner
	Markers  MarkerStore
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Status is the externally visible control state.
type Status struct {
	Phase        domain.SessionPhase `json:"phase"`
	At           time.Time           `json:"at"`
	RunningFeeds []string            `json:"running_feeds"`
	LastEODDay   string              `json:"last_eod_day,omitempty"`
	EODDoneToday bool                `json:"eod_done_today"`
}

// Scheduler is the single control loop of the engine.
type Scheduler struct {
	opts Options

	mu         sync.Mutex
	lastPhase  domain.SessionPhase
	hasPhase   bool
	lastAt     time.Time
	eodDone    bool
	lastEODDay string
}

// New creates a scheduler. Interval defaults to one minute.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{opts: opts}
}

// Restore loads the durable EOD marker so a restart inside the window does not re-run.
func (s *Scheduler) Restore(now time.Time) error {
	if s.opts.Markers == nil {
		return nil
	}
	day, ok, err := s.opts.Markers.LoadSetting(EODMarkerKey)
	if err != nil || !ok {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEODDay = day
	s.eodDone = day == s.opts.Clock.Today(now)
	return nil
}

// Run ticks immediately and then every interval until ctx is done, then stops every feed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.opts.Logger.Info("Session scheduler started", slog.Duration("interval", s.opts.Interval))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx, s.opts.Now())

		select {
		case <-ctx.Done():
			s.StopFeeds()
			s.opts.Logger.Info("Session scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one control step for the given instant.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.opts.Clock.Classify(now)
	if !s.hasPhase || s.lastPhase != state.Phase {
		s.opts.Logger.Info("Session phase",
			slog.String("phase", state.Phase.String()),
			slog.Time("at", state.At),
		)
	}

	s.superviseFeeds(ctx, state)

	if state.Phase == domain.PhaseOpen && (!s.hasPhase || s.lastPhase != domain.PhaseOpen) {
		for _, hook := range s.opts.OnOpen {
			hook()
		}
	}

	if state.Phase == domain.PhaseOpen {
		for _, warm := range s.opts.Warmers {
			warm(ctx)
		}
	}

	today := s.opts.Clock.Today(now)
	if s.eodDone && s.lastEODDay != today {
		s.eodDone = false
		s.opts.Logger.Info("EOD marker reset", slog.String("day", today))
	}

	if state.Phase == domain.PhaseEODWindow && !s.eodDone && s.opts.EOD != nil {
		s.runEOD(ctx, today)
	}

	s.lastPhase = state.Phase
	s.hasPhase = true
	s.lastAt = now
}

func (s *Scheduler) superviseFeeds(ctx context.Context, state domain.SessionState) {
	for _, f := range s.opts.Feeds {
		required := f.AlwaysOn || state.Phase.RequiresFeed()
		running := f.Feed.Running()

		switch {
		case required && !running:
			if err := f.Feed.Start(ctx); err != nil {
				s.opts.Logger.Error("Feed start failed", slog.String("feed", f.Name), slog.Any("error", err))
				continue
			}
			s.opts.Logger.Info("Feed started", slog.String("feed", f.Name), slog.String("phase", state.Phase.String()))
		case !required && running:
			f.Feed.Stop()
			s.opts.Logger.Info("Feed stopped", slog.String("feed", f.Name), slog.String("phase", state.Phase.String()))
		}
	}
}

// runEOD sets the marker only after a successful run; failures retry next tick.
func (s *Scheduler) runEOD(ctx context.Context, today string) {
	n, err := s.opts.EOD.Run(ctx)
	if err != nil {
		s.opts.Logger.Error("EOD persistence failed, will retry", slog.String("day", today), slog.Any("error", err))
		return
	}

	s.eodDone = true
	s.lastEODDay = today
	if s.opts.Markers != nil {
		if err := s.opts.Markers.SaveSetting(EODMarkerKey, today); err != nil {
			s.opts.Logger.Warn("EOD marker not saved", slog.Any("error", err))
		}
	}
	s.opts.Logger.Info("EOD persistence complete", slog.String("day", today), slog.Int("candles", n))
}

// StopFeeds stops every running supervised feed.
func (s *Scheduler) StopFeeds() {
	for _, f := range s.opts.Feeds {
		if f.Feed.Running() {
			f.Feed.Stop()
		}
	}
}

// Status returns the control state after the last tick.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Phase:        s.lastPhase,
		At:           s.lastAt,
		RunningFeeds: []string{},
		LastEODDay:   s.lastEODDay,
		EODDoneToday: s.eodDone,
	}
	for _, f := range s.opts.Feeds {
		if f.Feed.Running() {
			st.RunningFeeds = append(st.RunningFeeds, f.Name)
		}
	}
	return st
}
