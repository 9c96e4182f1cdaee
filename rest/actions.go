package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Action calls mutate backend state. They share the envelope contract with
// the snapshot endpoints: a success=false envelope is an error.

func (c *Client) TriggerScheduleJob(ctx context.Context, token, id string) error {
	return c.action(ctx, token, "POST", "/api/scheduler/jobs/"+url.PathEscape(id)+"/trigger")
}

func (c *Client) StartScheduler(ctx context.Context, token string) error {
	return c.action(ctx, token, "POST", "/api/scheduler/start")
}

func (c *Client) StopScheduler(ctx context.Context, token string) error {
	return c.action(ctx, token, "POST", "/api/scheduler/stop")
}

func (c *Client) CancelJob(ctx context.Context, token, id string) error {
	return c.action(ctx, token, "POST", "/api/jobs/"+url.PathEscape(id)+"/cancel")
}

func (c *Client) DeleteUpload(ctx context.Context, token, id string) error {
	return c.action(ctx, token, "DELETE", "/api/uploads/"+url.PathEscape(id))
}

func (c *Client) action(ctx context.Context, token, method, path string) error {
	res, code, err := c.do(ctx, method, path, token, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK || !res.Get("success").Bool() {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, code, res.Get("error").Str)
	}
	return nil
}
