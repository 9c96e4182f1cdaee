package channel

import (
	"encoding/json"
	"fmt"

	"github.com/framefeed/opsync/internal"
	"github.com/tidwall/gjson"
)

// Event is one parsed push notification. The variant set is closed: every
// inbound kind maps to exactly one type here, with Unknown as the explicit
// fallback for kinds this build does not recognise.
type Event interface {
	kind() string
}

// MetricsUpdate carries a batch of named metric values.
type MetricsUpdate struct {
	TS     int64
	Values map[string]json.RawMessage
}

func (*MetricsUpdate) kind() string { return "metrics_update" }

// JobUpdate reports status/progress for a processing or scheduled job.
type JobUpdate struct {
	TS       int64
	ID       string
	RunID    int64
	Status   string
	Progress int
	// HasProgress distinguishes "progress is 0" from "no progress reported".
	HasProgress bool
	Raw         json.RawMessage
}

func (*JobUpdate) kind() string { return "job_update" }

// UploadProgress reports transfer progress for an upload.
type UploadProgress struct {
	TS       int64
	ID       string
	Progress int
	Raw      json.RawMessage
}

func (*UploadProgress) kind() string { return "upload_progress" }

// UploadComplete marks an upload finished.
type UploadComplete struct {
	TS  int64
	ID  string
	Raw json.RawMessage
}

func (*UploadComplete) kind() string { return "upload_complete" }

// SystemAlert is an operator-facing notification.
type SystemAlert struct {
	TS       int64
	ID       string
	Severity string
	Message  string
	Raw      json.RawMessage
}

func (*SystemAlert) kind() string { return "system_alert" }

// ServerError wraps a server-side error notification.
type ServerError struct {
	TS      int64
	Message string
	Raw     json.RawMessage
}

func (*ServerError) kind() string { return "error" }

// Unknown is the fallback for unrecognised kinds. Dropped and logged by the
// channel, never fatal to the connection.
type Unknown struct {
	RawKind string
	Raw     json.RawMessage
}

func (*Unknown) kind() string { return "unknown" }

// parseMessage maps one inbound frame {type, ts, payload} onto the variant
// set. A malformed frame is a ParseError; a well-formed frame with an
// unrecognised type is Unknown.
func parseMessage(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, internal.NewChannelError(internal.ChannelParseError, fmt.Errorf("invalid JSON frame"))
	}
	msg := gjson.ParseBytes(data)
	ts := msg.Get("ts").Int()
	payload := msg.Get("payload")
	raw := json.RawMessage(payload.Raw)

	switch msg.Get("type").Str {
	case "metrics_update":
		values := make(map[string]json.RawMessage)
		payload.ForEach(func(key, value gjson.Result) bool {
			values[key.Str] = json.RawMessage(value.Raw)
			return true
		})
		return &MetricsUpdate{TS: ts, Values: values}, nil
	case "job_update":
		id := payload.Get("id").String()
		if id == "" {
			return nil, internal.NewChannelError(internal.ChannelParseError, fmt.Errorf("job_update without id"))
		}
		ev := &JobUpdate{
			TS:     ts,
			ID:     id,
			RunID:  payload.Get("run_id").Int(),
			Status: payload.Get("status").Str,
			Raw:    raw,
		}
		if p := payload.Get("progress"); p.Exists() {
			ev.Progress = int(p.Int())
			ev.HasProgress = true
		}
		return ev, nil
	case "upload_progress":
		id := payload.Get("id").String()
		if id == "" {
			return nil, internal.NewChannelError(internal.ChannelParseError, fmt.Errorf("upload_progress without id"))
		}
		return &UploadProgress{TS: ts, ID: id, Progress: int(payload.Get("progress").Int()), Raw: raw}, nil
	case "upload_complete":
		id := payload.Get("id").String()
		if id == "" {
			return nil, internal.NewChannelError(internal.ChannelParseError, fmt.Errorf("upload_complete without id"))
		}
		return &UploadComplete{TS: ts, ID: id, Raw: raw}, nil
	case "system_alert":
		return &SystemAlert{
			TS:       ts,
			ID:       payload.Get("id").String(),
			Severity: payload.Get("severity").Str,
			Message:  payload.Get("message").Str,
			Raw:      raw,
		}, nil
	case "error":
		return &ServerError{TS: ts, Message: payload.Get("message").Str, Raw: raw}, nil
	default:
		return &Unknown{RawKind: msg.Get("type").Str, Raw: json.RawMessage(data)}, nil
	}
}
