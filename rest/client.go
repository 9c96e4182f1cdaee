// Package rest is the typed client for the pipeline backend's envelope
// protocol: every endpoint answers { success: bool, data | error }.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/framefeed/opsync/internal"
	"github.com/framefeed/opsync/store"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ConsoleVersion = ""

// Client talks to the pipeline backend. One client can be shared among all
// subsystems; the bearer token is passed per call so a credential rotation
// never races an in-flight request.
type Client struct {
	Client  *http.Client
	BaseURL string
}

var snapshotPaths = map[store.Class]string{
	store.ClassUpload:   "/api/uploads",
	store.ClassJob:      "/api/jobs",
	store.ClassSchedule: "/api/scheduler/jobs",
	store.ClassMetric:   "/api/metrics",
	store.ClassLog:      "/api/logs",
}

// Login validates identity+secret against the authentication endpoint and
// returns the issued bearer token plus the identity profile.
func (c *Client) Login(ctx context.Context, identity, secret string) (token, userID, displayName string, err error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "identity", identity)
	body, _ = sjson.SetBytes(body, "secret", secret)
	res, code, err := c.do(ctx, "POST", "/api/auth/login", "", body)
	if err != nil {
		return "", "", "", internal.NewAuthError(internal.AuthNetworkUnavailable, err)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("HTTP %d", code))
	case code != http.StatusOK:
		return "", "", "", internal.NewAuthError(internal.AuthServerError, fmt.Errorf("HTTP %d", code))
	}
	if !res.Get("success").Bool() {
		return "", "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("%s", res.Get("error").Str))
	}
	data := res.Get("data")
	return data.Get("token").Str, data.Get("user.id").Str, data.Get("user.name").Str, nil
}

// WhoAmI asks the backend to look up the bearer token. Used for silent
// revalidation of a persisted credential on process start.
func (c *Client) WhoAmI(ctx context.Context, token string) (userID, displayName string, err error) {
	res, code, err := c.do(ctx, "GET", "/api/auth/me", token, nil)
	if err != nil {
		return "", "", internal.NewAuthError(internal.AuthNetworkUnavailable, err)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", "", internal.NewAuthError(internal.AuthInvalidCredential, fmt.Errorf("HTTP %d", code))
	case code != http.StatusOK || !res.Get("success").Bool():
		return "", "", internal.NewAuthError(internal.AuthServerError, fmt.Errorf("HTTP %d: %s", code, res.Get("error").Str))
	}
	data := res.Get("data")
	return data.Get("id").Str, data.Get("name").Str, nil
}

// FetchSnapshot performs one snapshot fetch for a resource class and returns
// the entity records as of poll completion time.
func (c *Client) FetchSnapshot(ctx context.Context, token string, class store.Class) ([]store.Record, error) {
	path, ok := snapshotPaths[class]
	if !ok {
		return nil, internal.NewPollError(internal.PollServerError, fmt.Errorf("unknown resource class %q", class))
	}
	res, code, err := c.do(ctx, "GET", path, token, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, internal.NewPollError(internal.PollTimeout, err)
		}
		return nil, internal.NewPollError(internal.PollServerError, err)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, internal.NewPollError(internal.PollUnauthorized, fmt.Errorf("HTTP %d", code))
	case code != http.StatusOK || !res.Get("success").Bool():
		return nil, internal.NewPollError(internal.PollServerError, fmt.Errorf("HTTP %d: %s", code, res.Get("error").Str))
	}
	return parseRecords(res.Get("data")), nil
}

func parseRecords(data gjson.Result) []store.Record {
	var records []store.Record
	if data.IsObject() {
		// metrics listings come back as {name: value}
		data.ForEach(func(key, value gjson.Result) bool {
			records = append(records, store.Record{
				ID:      key.Str,
				Status:  store.StatusReported,
				Payload: json.RawMessage(value.Raw),
			})
			return true
		})
		return records
	}
	data.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" {
			logger.Warn().Str("item", item.Raw).Msg("snapshot record without id, skipping")
			return true
		}
		rec := store.Record{
			ID:        id,
			Status:    item.Get("status").Str,
			RunID:     item.Get("run_id").Int(),
			UpdatedAt: item.Get("updated_at").Int(),
			Payload:   json.RawMessage(item.Raw),
		}
		if p := item.Get("progress"); p.Exists() {
			rec.Progress = int(p.Int())
			rec.HasProgress = true
		}
		records = append(records, rec)
		return true
	})
	return records
}

// do issues one request and parses the envelope. The returned status code is
// valid whenever err is nil.
func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (gjson.Result, int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return gjson.Result{}, 0, fmt.Errorf("rest: NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "opsync-console-"+ConsoleVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return gjson.Result{}, 0, fmt.Errorf("rest: request failed: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, 0, fmt.Errorf("rest: read body failed: %w", err)
	}
	return gjson.ParseBytes(raw), res.StatusCode, nil
}
