package pubsub

// ChanStatus carries session, channel and poll health payloads to consumers
// (UI status indicators). Consumers read entity data only from the store.
const ChanStatus Channel = "status"

// SessionUpdate is published on every credential state transition.
type SessionUpdate struct {
	State  string // "authenticated" or "absent"
	UserID string
}

func (*SessionUpdate) Type() string { return "s.session_update" }

// ChannelStatus is published on live channel state transitions.
type ChannelStatus struct {
	State     string // idle|connecting|open|reconnecting|closing
	AttemptID string // reconnection cycle id, empty once open
	Error     string
}

func (*ChannelStatus) Type() string { return "s.channel_status" }

// PollHealth marks one resource class degraded or recovered. Degraded polls
// keep previous in-store data visible; this is indicator-only.
type PollHealth struct {
	Class    string
	Degraded bool
	Error    string
}

func (*PollHealth) Type() string { return "s.poll_health" }
