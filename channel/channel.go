// Package channel owns the one push-notification connection tied to the
// current session: dialing, keepalive, reconnection with backoff, and
// demultiplexing inbound frames into typed events.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/framefeed/opsync/internal"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// State is the channel's connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

// Sink receives every successfully parsed event. Push delivery is
// at-most-once and unordered relative to polls; ordering is the
// reconciliation store's responsibility, not the channel's.
type Sink interface {
	OnEvent(ctx context.Context, ev Event)
}

type Config struct {
	URL string

	// Reconnect backoff: bounded delay, unbounded attempt count.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Keepalive. PingInterval 0 disables pings (tests).
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// LiveChannel is one websocket connection authorized by the session's bearer
// credential. Created per authenticated session, torn down on logout.
type LiveChannel struct {
	cfg            Config
	token          func() string
	sink           Sink
	stateFn        func(state State, attemptID string, err error)
	onUnauthorized func()
	dialer         *websocket.Dialer

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a channel. token supplies the current bearer credential at dial
// time. stateFn (optional) observes every state transition. onUnauthorized
// (optional) fires when the handshake is rejected by the authority; it must
// not block, the caller is expected to run the logout cascade elsewhere.
func New(cfg Config, token func() string, sink Sink, stateFn func(State, string, error), onUnauthorized func()) *LiveChannel {
	cfg.defaults()
	return &LiveChannel{
		cfg:            cfg,
		token:          token,
		sink:           sink,
		stateFn:        stateFn,
		onUnauthorized: onUnauthorized,
		dialer:         &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:          StateIdle,
	}
}

func (c *LiveChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the connect/read/reconnect loop. Only call while a session is
// authenticated; returns an error if the channel is already running.
func (c *LiveChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("channel: already started (state %s)", c.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()
	go c.run(runCtx)
	return nil
}

// Stop tears the channel down and returns only after the run loop has
// observably stopped: no events are forwarded after Stop returns.
func (c *LiveChannel) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close() // unblocks the read loop
	}
	c.wg.Wait()
	c.setState(StateIdle, "", nil)
}

func (c *LiveChannel) setState(s State, attemptID string, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	l := logger.Info().Str("state", string(s))
	if attemptID != "" {
		l = l.Str("attempt", attemptID)
	}
	if err != nil {
		l = l.Err(err)
	}
	l.Msg("channel state")
	if c.stateFn != nil {
		c.stateFn(s, attemptID, err)
	}
}

func (c *LiveChannel) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.Multiplier = c.cfg.BackoffFactor
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // retry for as long as the session lives
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		attemptID := uuid.NewString()
		c.setState(StateConnecting, attemptID, nil)

		hdr := http.Header{}
		if tok := c.token(); tok != "" {
			hdr.Set("Authorization", "Bearer "+tok)
		}
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, hdr)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				logger.Warn().Int("code", resp.StatusCode).Msg("handshake rejected, credential invalidated")
				c.setState(StateIdle, attemptID, internal.NewChannelError(internal.ChannelHandshakeFailed, err))
				if c.onUnauthorized != nil {
					c.onUnauthorized()
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.setState(StateReconnecting, attemptID, internal.NewChannelError(internal.ChannelHandshakeFailed, err))
			logger.Warn().Str("attempt", attemptID).Str("wait", wait.String()).Err(err).Msg("handshake failed, waiting before retry")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		// successful open resets the backoff and discards the attempt record
		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateOpen, "", nil)

		pingCtx, pingCancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		if c.cfg.PingInterval > 0 {
			go func() {
				defer close(pingDone)
				c.pingLoop(pingCtx, conn)
			}()
		} else {
			close(pingDone)
		}

		readErr := c.readLoop(ctx, conn)
		pingCancel()
		<-pingDone
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		c.setState(StateReconnecting, "", internal.NewChannelError(internal.ChannelDisconnected, readErr))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readLoop processes inbound frames in arrival order until the connection
// dies. Parse failures and unknown kinds are dropped, never fatal.
func (c *LiveChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
			return nil
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		}
		ev, err := parseMessage(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping unparseable frame")
			internal.ReportError(ctx, err)
			continue
		}
		if u, ok := ev.(*Unknown); ok {
			logger.Warn().Str("kind", u.RawKind).Msg("dropping frame with unrecognised kind")
			continue
		}
		c.sink.OnEvent(ctx, ev)
	}
}

func (c *LiveChannel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			if err != nil {
				return
			}
		}
	}
}
