package opsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/framefeed/opsync/internal"
	"github.com/framefeed/opsync/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// NewHTTPHandler builds the local control surface: session operations plus
// read access to the converged store, for dashboards that prefer HTTP over
// linking the core directly.
func NewHTTPHandler(c *Core) http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/session/login", allowCORS(http.HandlerFunc(c.handleLogin))).Methods("POST", "OPTIONS")
	r.Handle("/api/session/logout", allowCORS(http.HandlerFunc(c.handleLogout))).Methods("POST", "OPTIONS")
	r.Handle("/api/session", allowCORS(http.HandlerFunc(c.handleSession))).Methods("GET", "OPTIONS")
	r.Handle("/api/state/changes", allowCORS(http.HandlerFunc(c.handleChanges))).Methods("GET", "OPTIONS")
	r.Handle("/api/state/{class}", allowCORS(http.HandlerFunc(c.handleList))).Methods("GET", "OPTIONS")
	r.Handle("/api/scheduler/jobs/{id}/trigger", allowCORS(c.actionHandler(func(req *http.Request) error {
		return c.TriggerScheduleJob(req.Context(), mux.Vars(req)["id"])
	}))).Methods("POST", "OPTIONS")
	r.Handle("/api/scheduler/start", allowCORS(c.actionHandler(func(req *http.Request) error {
		return c.StartScheduler(req.Context())
	}))).Methods("POST", "OPTIONS")
	r.Handle("/api/scheduler/stop", allowCORS(c.actionHandler(func(req *http.Request) error {
		return c.StopScheduler(req.Context())
	}))).Methods("POST", "OPTIONS")
	r.Handle("/api/jobs/{id}/cancel", allowCORS(c.actionHandler(func(req *http.Request) error {
		return c.CancelJob(req.Context(), mux.Vars(req)["id"])
	}))).Methods("POST", "OPTIONS")
	r.Handle("/api/uploads/{id}", allowCORS(c.actionHandler(func(req *http.Request) error {
		return c.DeleteUpload(req.Context(), mux.Vars(req)["id"])
	}))).Methods("DELETE", "OPTIONS")
	r.Handle("/status", allowCORS(http.HandlerFunc(c.handleStatus))).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{}`))
	})

	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

// RunServer serves the control surface until the process exits.
func RunServer(c *Core, bindAddr string) {
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, NewHTTPHandler(c)); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeHandlerError(w http.ResponseWriter, herr *HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

type sessionView struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Live        string `json:"live"`
}

func (c *Core) handleLogin(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	var body struct {
		Identity string `json:"identity"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Identity == "" {
		writeHandlerError(w, &HandlerError{StatusCode: 400, Err: fmt.Errorf("expected {identity, secret}")})
		return
	}
	sess, err := c.Login(req.Context(), body.Identity, body.Secret)
	if err != nil {
		status := 502
		if internal.IsInvalidCredential(err) {
			status = 401
		}
		writeHandlerError(w, &HandlerError{StatusCode: status, Err: err})
		return
	}
	writeJSON(w, 200, sessionView{
		UserID:      sess.Identity.UserID,
		DisplayName: sess.Identity.DisplayName,
		Live:        string(sess.Live),
	})
}

func (c *Core) handleLogout(w http.ResponseWriter, _ *http.Request) {
	c.Logout()
	writeJSON(w, 200, struct{}{})
}

func (c *Core) handleSession(w http.ResponseWriter, _ *http.Request) {
	sess := c.Session()
	if sess == nil {
		writeHandlerError(w, &HandlerError{StatusCode: 404, Err: fmt.Errorf("no session")})
		return
	}
	writeJSON(w, 200, sessionView{
		UserID:      sess.Identity.UserID,
		DisplayName: sess.Identity.DisplayName,
		Live:        string(sess.Live),
	})
}

type entityView struct {
	Class      string          `json:"class"`
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	RunID      int64           `json:"run_id,omitempty"`
	LastUpdate int64           `json:"last_update,omitempty"`
	Revision   uint64          `json:"revision"`
	Removed    bool            `json:"removed,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func viewOf(ent store.TrackedEntity) entityView {
	payload := ent.Payload
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		payload = nil
	}
	return entityView{
		Class:      string(ent.Key.Class),
		ID:         ent.Key.ID,
		Status:     ent.Status,
		Progress:   ent.Progress,
		RunID:      ent.RunID,
		LastUpdate: ent.LastUpdate,
		Revision:   ent.Revision,
		Removed:    ent.Removed,
		Payload:    payload,
	}
}

func (c *Core) actionHandler(fn func(req *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if c.Session() == nil {
			writeHandlerError(w, &HandlerError{StatusCode: 401, Err: fmt.Errorf("no session")})
			return
		}
		if err := fn(req); err != nil {
			writeHandlerError(w, &HandlerError{StatusCode: 502, Err: err})
			return
		}
		writeJSON(w, 200, struct{}{})
	})
}

func (c *Core) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := map[string]int{}
	for _, class := range []store.Class{store.ClassUpload, store.ClassJob, store.ClassSchedule, store.ClassMetric, store.ClassLog} {
		counts[string(class)] = len(c.Store().List(class))
	}
	var sess *sessionView
	if s := c.Session(); s != nil {
		sess = &sessionView{
			UserID:      s.Identity.UserID,
			DisplayName: s.Identity.DisplayName,
			Live:        string(s.Live),
		}
	}
	writeJSON(w, 200, struct {
		Version  string         `json:"version"`
		Session  *sessionView   `json:"session"`
		Entities map[string]int `json:"entities"`
	}{Version, sess, counts})
}

func (c *Core) handleList(w http.ResponseWriter, req *http.Request) {
	class := store.Class(mux.Vars(req)["class"])
	ents := c.Store().List(class)
	views := make([]entityView, 0, len(ents))
	for _, ent := range ents {
		views = append(views, viewOf(ent))
	}
	writeJSON(w, 200, views)
}

func (c *Core) handleChanges(w http.ResponseWriter, req *http.Request) {
	since := uint64(0)
	if raw := req.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeHandlerError(w, &HandlerError{StatusCode: 400, Err: fmt.Errorf("bad since token %q", raw)})
			return
		}
		since = v
	}
	changed, next := c.Store().ChangesSince(since)
	views := make([]entityView, 0, len(changed))
	for _, ent := range changed {
		views = append(views, viewOf(ent))
	}
	writeJSON(w, 200, struct {
		Changes []entityView `json:"changes"`
		Next    uint64       `json:"next"`
	}{views, next})
}
