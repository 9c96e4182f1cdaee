// Package poller issues periodic REST snapshot fetches per tracked resource
// class. Classes poll independently and concurrently: a slow or failing
// class never blocks or delays another.
package poller

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/framefeed/opsync/internal"
	"github.com/framefeed/opsync/store"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// FetchFunc performs one snapshot fetch for a class. Implementations must
// honour ctx cancellation.
type FetchFunc func(ctx context.Context, class store.Class) ([]store.Record, error)

// SnapshotSink ingests completed snapshots; the reconciliation store
// implements it.
type SnapshotSink interface {
	ApplySnapshot(sn store.Snapshot) int
}

// ClassConfig configures one resource class. Full marks the endpoint a
// complete class listing (absence means removal); paginated endpoints such
// as logs leave it false so their snapshots stay additive.
type ClassConfig struct {
	Class    store.Class
	Interval time.Duration
	Enabled  bool
	Full     bool
}

type Config struct {
	Classes []ClassConfig

	// In-tick retry policy for transient fetch failures. After MaxRetries
	// the class is marked degraded and waits for its next tick; previous
	// in-store data stays visible throughout.
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

func (c *Config) defaults() {
	if c.RetryInitial == 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Scheduler runs one poll loop per enabled class.
type Scheduler struct {
	cfg            Config
	fetch          FetchFunc
	sink           SnapshotSink
	healthFn       func(class store.Class, degraded bool, err error)
	onUnauthorized func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. healthFn (optional) observes per-class
// degradation and recovery. onUnauthorized (optional) fires when a fetch is
// rejected by the authority; the class loop exits afterwards and the caller
// runs the logout cascade.
func New(cfg Config, fetch FetchFunc, sink SnapshotSink, healthFn func(store.Class, bool, error), onUnauthorized func()) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:            cfg,
		fetch:          fetch,
		sink:           sink,
		healthFn:       healthFn,
		onUnauthorized: onUnauthorized,
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the per-class loops. Each class fetches immediately, then
// on its own interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, cls := range s.cfg.Classes {
		if !cls.Enabled || cls.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.pollClass(runCtx, cls)
	}
	s.mu.Unlock()
}

// Stop cancels in-flight fetches and returns only after every class loop has
// exited: no orphaned timers keep mutating the store after teardown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) pollClass(ctx context.Context, cls ClassConfig) {
	defer s.wg.Done()
	l := logger.With().Str("class", string(cls.Class)).Logger()
	l.Info().Str("interval", cls.Interval.String()).Msg("poll loop started")

	ticker := time.NewTicker(cls.Interval)
	defer ticker.Stop()

	degraded := false
	for {
		ok, fatal, err := s.fetchWithRetry(ctx, cls, l)
		if fatal {
			return
		}
		if ok && degraded {
			degraded = false
			if s.healthFn != nil {
				s.healthFn(cls.Class, false, nil)
			}
		} else if !ok && !degraded {
			degraded = true
			if s.healthFn != nil {
				s.healthFn(cls.Class, true, err)
			}
		}
		select {
		case <-ctx.Done():
			l.Info().Msg("poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// fetchWithRetry performs one tick's fetch, retrying transient failures with
// capped backoff. Returns ok=false when the tick is abandoned (degraded) and
// fatal=true when the loop must exit (cancellation or credential rejection).
func (s *Scheduler) fetchWithRetry(ctx context.Context, cls ClassConfig, l zerolog.Logger) (ok, fatal bool, lastErr error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitial
	bo.MaxInterval = s.cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return false, true, nil
		}
		records, err := s.fetch(ctx, cls.Class)
		if err == nil {
			accepted := s.sink.ApplySnapshot(store.Snapshot{Class: cls.Class, Full: cls.Full, Records: records})
			l.Debug().Int("records", len(records)).Int("accepted", accepted).Msg("snapshot merged")
			return true, false, nil
		}
		if ctx.Err() != nil {
			return false, true, nil
		}
		if internal.IsUnauthorized(err) {
			l.Warn().Msg("credential invalidated, terminating poll loop")
			if s.onUnauthorized != nil {
				s.onUnauthorized()
			}
			return false, true, nil
		}
		lastErr = err
		wait := bo.NextBackOff()
		l.Warn().Int("attempt", attempt+1).Str("wait", wait.String()).Err(err).Msg("snapshot fetch failed")
		select {
		case <-ctx.Done():
			return false, true, nil
		case <-time.After(wait):
		}
	}
	// keep previous in-store data visible; surface a degraded indicator only
	l.Warn().Err(lastErr).Msg("class degraded until next tick")
	return false, false, lastErr
}
