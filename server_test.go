package opsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/framefeed/opsync/store"
)

func newTestSurface(t *testing.T) (*Core, *httptest.Server) {
	t.Helper()
	c, err := New(Config{BackendURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	srv := httptest.NewServer(NewHTTPHandler(c))
	t.Cleanup(srv.Close)
	return c, srv
}

func TestHandleSessionAbsent(t *testing.T) {
	_, srv := newTestSurface(t)
	res, err := http.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 404 {
		t.Errorf("status = %d want 404", res.StatusCode)
	}
}

func TestHandleListAndChanges(t *testing.T) {
	c, srv := newTestSurface(t)
	c.Store().ApplyEvent(store.Event{
		Key:    store.EntityKey{Class: store.ClassJob, ID: "j1"},
		Kind:   store.KindStatus,
		Status: store.StatusRunning,
	})
	c.Store().ApplyEvent(store.Event{
		Key:    store.EntityKey{Class: store.ClassJob, ID: "j2"},
		Kind:   store.KindStatus,
		Status: store.StatusPending,
	})

	res, err := http.Get(srv.URL + "/api/state/job")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer res.Body.Close()
	var views []entityView
	if err := json.NewDecoder(res.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d entities want 2", len(views))
	}
	if views[0].Class != "job" || views[0].Revision == 0 {
		t.Errorf("view wrong: %+v", views[0])
	}

	res2, err := http.Get(srv.URL + "/api/state/changes?since=0")
	if err != nil {
		t.Fatalf("GET changes: %v", err)
	}
	defer res2.Body.Close()
	var page struct {
		Changes []entityView `json:"changes"`
		Next    uint64       `json:"next"`
	}
	if err := json.NewDecoder(res2.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Changes) != 2 || page.Next == 0 {
		t.Errorf("changes page wrong: %+v", page)
	}

	// resume token: nothing new since the last page
	res3, err := http.Get(srv.URL + "/api/state/changes?since=" + itoa(page.Next))
	if err != nil {
		t.Fatalf("GET changes resume: %v", err)
	}
	defer res3.Body.Close()
	if err := json.NewDecoder(res3.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Changes) != 0 {
		t.Errorf("resume returned %d changes want 0", len(page.Changes))
	}
}

func TestHandleChangesBadToken(t *testing.T) {
	_, srv := newTestSurface(t)
	res, err := http.Get(srv.URL + "/api/state/changes?since=banana")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 400 {
		t.Errorf("status = %d want 400", res.StatusCode)
	}
}

func TestHandleLoginBadBody(t *testing.T) {
	_, srv := newTestSurface(t)
	res, err := http.Post(srv.URL+"/api/session/login", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 400 {
		t.Errorf("status = %d want 400", res.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	c, srv := newTestSurface(t)
	c.Store().ApplyEvent(store.Event{
		Key:    store.EntityKey{Class: store.ClassUpload, ID: "u1"},
		Kind:   store.KindStatus,
		Status: store.StatusRunning,
	})
	res, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	var status struct {
		Version  string         `json:"version"`
		Session  *entityView    `json:"session"`
		Entities map[string]int `json:"entities"`
	}
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Version != Version || status.Session != nil || status.Entities["upload"] != 1 {
		t.Errorf("status wrong: %+v", status)
	}
}

func TestActionWithoutSession(t *testing.T) {
	_, srv := newTestSurface(t)
	res, err := http.Post(srv.URL+"/api/jobs/j1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 401 {
		t.Errorf("status = %d want 401", res.StatusCode)
	}
}

func TestLoginViaSurfaceOutlivesRequest(t *testing.T) {
	b := newFakeBackend(t)
	c, err := New(testConfig(b))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	srv := httptest.NewServer(NewHTTPHandler(c))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/api/session/login", "application/json",
		strings.NewReader(`{"identity":"op","secret":"pw"}`))
	if err != nil {
		t.Fatalf("POST login: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("login status = %d", res.StatusCode)
	}

	// net/http cancels the request context as soon as the handler returns;
	// the runtime it started must keep polling and reading pushes regardless
	waitFor(t, "poll after HTTP login", func() bool { return c.Store().Len() > 0 })
	b.frames <- `{"type":"job_update","ts":400,"payload":{"id":"j7","status":"running"}}`
	waitFor(t, "pushed job after HTTP login", func() bool {
		_, ok := c.Store().Get(store.EntityKey{Class: store.ClassJob, ID: "j7"})
		return ok
	})
	if sess := c.Session(); sess == nil {
		t.Errorf("session gone after login request finished")
	}
}

func itoa(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
