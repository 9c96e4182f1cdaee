// Package opsync is the state-synchronization core for the operator
// dashboard: it owns the authenticated session, the live push channel, the
// per-class poll schedulers and the reconciliation store, and wires them
// together so consumers only ever read converged state from the store.
package opsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/framefeed/opsync/channel"
	"github.com/framefeed/opsync/creds"
	"github.com/framefeed/opsync/poller"
	"github.com/framefeed/opsync/pubsub"
	"github.com/framefeed/opsync/rest"
	"github.com/framefeed/opsync/session"
	"github.com/framefeed/opsync/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is the current version of opsync.
const Version = "0.99.1"

type Config struct {
	// BackendURL is the base URL of the processing backend, e.g.
	// "http://localhost:8090".
	BackendURL string
	// ChannelPath is the websocket endpoint path. Defaults to /api/ws.
	ChannelPath string

	HTTPTimeout time.Duration

	// Live channel reconnect/keepalive tuning; zero values take the
	// channel package defaults.
	ChannelInitialBackoff time.Duration
	ChannelMaxBackoff     time.Duration
	ChannelPingInterval   time.Duration

	// Poll classes. Empty means DefaultPollClasses().
	Poll []poller.ClassConfig

	// DedupWindow bounds redelivered-event suppression in the store.
	// Defaults to 30s.
	DedupWindow time.Duration

	// CredentialPath persists the bearer credential across restarts. Empty
	// keeps the credential in memory only.
	CredentialPath string

	EnableMetrics bool
}

// DefaultPollClasses is the poll cadence shipped with the dashboard. Uploads
// and jobs are full listings so deletions converge; logs and metrics are
// additive streams.
func DefaultPollClasses() []poller.ClassConfig {
	return []poller.ClassConfig{
		{Class: store.ClassUpload, Interval: 5 * time.Second, Enabled: true, Full: true},
		{Class: store.ClassJob, Interval: 5 * time.Second, Enabled: true, Full: true},
		{Class: store.ClassSchedule, Interval: 30 * time.Second, Enabled: true, Full: true},
		{Class: store.ClassMetric, Interval: 10 * time.Second, Enabled: true},
		{Class: store.ClassLog, Interval: 15 * time.Second, Enabled: true},
	}
}

func (c *Config) defaults() error {
	if c.BackendURL == "" {
		return fmt.Errorf("opsync: BackendURL is required")
	}
	if _, err := url.Parse(c.BackendURL); err != nil {
		return fmt.Errorf("opsync: invalid BackendURL: %w", err)
	}
	if c.ChannelPath == "" {
		c.ChannelPath = "/api/ws"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 30 * time.Second
	}
	if len(c.Poll) == 0 {
		c.Poll = DefaultPollClasses()
	}
	return nil
}

func (c *Config) channelURL() string {
	u := strings.TrimSuffix(c.BackendURL, "/")
	switch {
	case strings.HasPrefix(u, "https"):
		u = "wss" + strings.TrimPrefix(u, "https")
	case strings.HasPrefix(u, "http"):
		u = "ws" + strings.TrimPrefix(u, "http")
	}
	return u + c.ChannelPath
}

// Core assembles the synchronization runtime. One Core per process; the
// runtime (channel + pollers) exists exactly while a session does.
type Core struct {
	cfg      Config
	rest     *rest.Client
	creds    creds.Store
	bus      *pubsub.Bus
	notifier pubsub.Notifier
	store    *store.Store
	sessions *session.Manager

	mu        sync.Mutex
	channel   *channel.LiveChannel
	scheduler *poller.Scheduler
	runCancel context.CancelFunc
	// gen identifies one runtime generation; logoutOnce collapses the
	// unauthorized signals from the channel and every poll loop of the same
	// generation into a single cascade.
	gen        uint64
	logoutOnce *sync.Once
}

// New validates cfg and assembles a Core. No network traffic happens until
// Login or Restore.
func New(cfg Config) (*Core, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	var credStore creds.Store
	if cfg.CredentialPath != "" {
		credStore = creds.NewFileStore(cfg.CredentialPath)
	} else {
		credStore = creds.NewMemoryStore()
	}

	bus := pubsub.NewBus(64)
	var notifier pubsub.Notifier = bus
	st := store.New(cfg.DedupWindow)
	if cfg.EnableMetrics {
		notifier = pubsub.NewPromNotifier(bus, "core")
		st.EnableMetrics()
	}

	rest.ConsoleVersion = Version
	rc := &rest.Client{
		Client:  &http.Client{Timeout: cfg.HTTPTimeout},
		BaseURL: strings.TrimSuffix(cfg.BackendURL, "/"),
	}

	return &Core{
		cfg:      cfg,
		rest:     rc,
		creds:    credStore,
		bus:      bus,
		notifier: notifier,
		store:    st,
		sessions: session.NewManager(rc, credStore, notifier),
	}, nil
}

// Store exposes the reconciliation store for consumers: reads, List,
// ChangesSince and Subscribe.
func (c *Core) Store() *store.Store { return c.store }

// Bus exposes the status streams for UI indicators.
func (c *Core) Bus() *pubsub.Bus { return c.bus }

// Session returns the current session snapshot, or nil when logged out.
func (c *Core) Session() *session.Session { return c.sessions.Current() }

// Login authenticates and starts the runtime. ctx covers only the auth
// round-trip; the runtime lives until logout. A failed re-login leaves any
// existing session and its runtime untouched.
func (c *Core) Login(ctx context.Context, identity, secret string) (*session.Session, error) {
	sess, err := c.sessions.Login(ctx, identity, secret)
	if err != nil {
		return nil, err
	}
	c.stopRuntime()
	c.startRuntime()
	return sess, nil
}

// Restore revalidates a persisted credential and, on success, starts the
// runtime. (nil, nil) means no usable credential: the caller shows the login
// prompt. An unreachable backend returns its error with the credential kept.
func (c *Core) Restore(ctx context.Context) (*session.Session, error) {
	sess, err := c.sessions.Restore(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	c.stopRuntime()
	c.startRuntime()
	return sess, nil
}

// Logout tears down the runtime, clears the store and destroys the session
// and persisted credential.
func (c *Core) Logout() {
	c.stopRuntime()
	c.store.Clear()
	c.sessions.Logout()
}

// Close stops the runtime and releases store resources. Unlike Logout it
// keeps the persisted credential so the next process start can Restore.
func (c *Core) Close() {
	c.stopRuntime()
	c.store.Close()
	c.bus.Close()
}

// Action calls the console issues against the backend, authorized by the
// current session credential. Convergence of the resulting state change
// arrives through the channel or the next poll, never synchronously.

func (c *Core) TriggerScheduleJob(ctx context.Context, id string) error {
	return c.rest.TriggerScheduleJob(ctx, c.sessions.Token(), id)
}

func (c *Core) StartScheduler(ctx context.Context) error {
	return c.rest.StartScheduler(ctx, c.sessions.Token())
}

func (c *Core) StopScheduler(ctx context.Context) error {
	return c.rest.StopScheduler(ctx, c.sessions.Token())
}

func (c *Core) CancelJob(ctx context.Context, id string) error {
	return c.rest.CancelJob(ctx, c.sessions.Token(), id)
}

func (c *Core) DeleteUpload(ctx context.Context, id string) error {
	return c.rest.DeleteUpload(ctx, c.sessions.Token(), id)
}

func (c *Core) startRuntime() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	c.logoutOnce = &sync.Once{}

	// The runtime's lifetime is login-to-logout, never the context of
	// whichever request started it.
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	sink := &coreSink{store: c.store}
	ch := channel.New(channel.Config{
		URL:            c.cfg.channelURL(),
		InitialBackoff: c.cfg.ChannelInitialBackoff,
		MaxBackoff:     c.cfg.ChannelMaxBackoff,
		PingInterval:   c.cfg.ChannelPingInterval,
	}, c.sessions.Token, sink, c.channelState, func() {
		c.invalidate(gen)
	})

	fetch := func(ctx context.Context, class store.Class) ([]store.Record, error) {
		return c.rest.FetchSnapshot(ctx, c.sessions.Token(), class)
	}
	sched := poller.New(poller.Config{Classes: c.cfg.Poll}, fetch, c.store, c.pollHealth, func() {
		c.invalidate(gen)
	})

	c.channel = ch
	c.scheduler = sched
	if err := ch.Start(runCtx); err != nil {
		logger.Error().Err(err).Msg("live channel failed to start")
	}
	sched.Start(runCtx)
	logger.Info().Uint64("generation", gen).Msg("sync runtime started")
}

func (c *Core) stopRuntime() {
	c.mu.Lock()
	ch := c.channel
	sched := c.scheduler
	cancel := c.runCancel
	c.channel = nil
	c.scheduler = nil
	c.runCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Stop()
	}
	if sched != nil {
		sched.Stop()
	}
}

// invalidate runs the logout cascade exactly once per runtime generation.
// It is called from channel and poller goroutines, which must not block on
// their own teardown, so the cascade runs on a fresh goroutine.
func (c *Core) invalidate(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.logoutOnce == nil {
		c.mu.Unlock()
		return
	}
	once := c.logoutOnce
	c.mu.Unlock()

	once.Do(func() {
		logger.Warn().Uint64("generation", gen).Msg("credential invalidated, cascading logout")
		c.sessions.SetLiveState(session.LiveFailed)
		go c.Logout()
	})
}

func (c *Core) channelState(st channel.State, attemptID string, err error) {
	switch st {
	case channel.StateOpen:
		c.sessions.SetLiveState(session.LiveConnected)
	case channel.StateConnecting:
		c.sessions.SetLiveState(session.LiveConnecting)
	case channel.StateReconnecting:
		c.sessions.SetLiveState(session.LiveDisconnected)
	case channel.StateIdle:
		c.sessions.SetLiveState(session.LiveAbsent)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	nerr := c.notifier.Notify(pubsub.ChanStatus, &pubsub.ChannelStatus{
		State:     string(st),
		AttemptID: attemptID,
		Error:     msg,
	})
	if nerr != nil {
		logger.Warn().Err(nerr).Msg("failed to publish channel status")
	}
}

func (c *Core) pollHealth(class store.Class, degraded bool, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	nerr := c.notifier.Notify(pubsub.ChanStatus, &pubsub.PollHealth{
		Class:    string(class),
		Degraded: degraded,
		Error:    msg,
	})
	if nerr != nil {
		logger.Warn().Err(nerr).Msg("failed to publish poll health")
	}
}

// coreSink translates typed channel events into store merge inputs. It runs
// on the channel's read goroutine, so translation stays allocation-light and
// never blocks on anything but the store lock.
type coreSink struct {
	store *store.Store
}

func (s *coreSink) OnEvent(_ context.Context, ev channel.Event) {
	switch e := ev.(type) {
	case *channel.JobUpdate:
		s.store.ApplyEvent(store.Event{
			Key:         store.EntityKey{Class: store.ClassJob, ID: e.ID},
			Kind:        store.KindStatus,
			Status:      e.Status,
			Progress:    e.Progress,
			HasProgress: e.HasProgress,
			RunID:       e.RunID,
			Timestamp:   e.TS,
			Payload:     e.Raw,
		})
	case *channel.UploadProgress:
		s.store.ApplyEvent(store.Event{
			Key:         store.EntityKey{Class: store.ClassUpload, ID: e.ID},
			Kind:        store.KindProgress,
			Progress:    e.Progress,
			HasProgress: true,
			Timestamp:   e.TS,
			Payload:     e.Raw,
		})
	case *channel.UploadComplete:
		s.store.ApplyEvent(store.Event{
			Key:       store.EntityKey{Class: store.ClassUpload, ID: e.ID},
			Kind:      store.KindStatus,
			Status:    store.StatusCompleted,
			Timestamp: e.TS,
			Payload:   e.Raw,
		})
	case *channel.MetricsUpdate:
		// one entity per metric name so the timestamp gate orders samples
		for name, value := range e.Values {
			s.store.ApplyEvent(store.Event{
				Key:       store.EntityKey{Class: store.ClassMetric, ID: name},
				Kind:      store.KindStatus,
				Status:    store.StatusReported,
				Timestamp: e.TS,
				Payload:   value,
			})
		}
	case *channel.SystemAlert:
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		s.store.ApplyEvent(store.Event{
			Key:       store.EntityKey{Class: store.ClassLog, ID: id},
			Kind:      store.KindAlert,
			Status:    e.Severity,
			Timestamp: e.TS,
			Payload:   e.Raw,
		})
	case *channel.ServerError:
		logger.Warn().Str("message", e.Message).Msg("server error notification")
	}
}
