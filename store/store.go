package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// EventKind tags a push notification. The set is closed; unknown kinds are
// dropped at the channel boundary and never reach the store.
type EventKind string

const (
	KindStatus   EventKind = "status"
	KindProgress EventKind = "progress"
	KindCreated  EventKind = "created"
	KindDeleted  EventKind = "deleted"
	KindAlert    EventKind = "alert"
)

// Event is one push-delivered update for one entity. Fields the event does
// not carry are left at their zero value; HasProgress distinguishes "progress
// is 0" from "no progress reported".
type Event struct {
	Key         EntityKey
	Kind        EventKind
	Status      string
	Progress    int
	HasProgress bool
	RunID       int64
	Timestamp   int64 // server timestamp (ms), 0 = absent or unsynchronized
	Payload     json.RawMessage
}

// Record is one entity's state inside a polled snapshot.
type Record struct {
	ID          string
	Status      string
	Progress    int
	HasProgress bool
	RunID       int64
	UpdatedAt   int64
	Payload     json.RawMessage
}

// Snapshot is a poll response for one class. Full marks a complete class
// listing: entities of the class absent from it are marked removed. Partial
// (paginated) snapshots are additive, never subtractive.
type Snapshot struct {
	Class   Class
	Full    bool
	Records []Record
}

// RejectReason explains why a merge did not apply. Rejections are an internal
// outcome, not a failure: they are logged and counted, never surfaced.
type RejectReason string

const (
	RejectStale             RejectReason = "stale"
	RejectDuplicate         RejectReason = "duplicate"
	RejectRegressedProgress RejectReason = "regressed_progress"
)

type subscriber struct {
	pred func(TrackedEntity) bool
	fn   func(TrackedEntity)
}

// Store is the reconciliation engine: the single shared mutable resource all
// push events and poll snapshots funnel through. Merges are applied in the
// order they are scheduled; subscriber delivery happens in merge order.
type Store struct {
	mu       sync.Mutex
	entities map[EntityKey]*TrackedEntity
	seq      uint64

	// notifyMu is acquired before mu is released on the apply path, so
	// deliveries cannot reorder relative to merges.
	notifyMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]*subscriber

	dedup   *ttlcache.Cache[string, struct{}]
	metrics *storeMetrics
}

// New creates a store. dedupWindow bounds how long a redelivered identical
// event stays a no-op; 0 disables de-duplication, which is useful for tests.
func New(dedupWindow time.Duration) *Store {
	s := &Store{
		entities: make(map[EntityKey]*TrackedEntity),
		subs:     make(map[string]*subscriber),
	}
	if dedupWindow > 0 {
		s.dedup = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](dedupWindow),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		go s.dedup.Start()
	}
	return s
}

// Close stops the dedup janitor and unregisters metrics.
func (s *Store) Close() {
	if s.dedup != nil {
		s.dedup.Stop()
	}
	if s.metrics != nil {
		s.metrics.unregister()
	}
}

// ApplyEvent merges one push event. Returns false and a reason when the
// event was rejected (stale, duplicate or regressed progress).
func (s *Store) ApplyEvent(ev Event) (bool, RejectReason) {
	if s.dedup != nil {
		key := dedupKey(ev)
		if s.dedup.Has(key) {
			logger.Debug().Str("entity", ev.Key.String()).Str("kind", string(ev.Kind)).Msg("duplicate event dropped")
			s.countReject(RejectDuplicate)
			return false, RejectDuplicate
		}
		s.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	in := mergeInput{
		key:         ev.Key,
		status:      ev.Status,
		progress:    ev.Progress,
		hasProgress: ev.HasProgress,
		runID:       ev.RunID,
		ts:          ev.Timestamp,
		payload:     ev.Payload,
		deleted:     ev.Kind == KindDeleted,
	}

	s.mu.Lock()
	ent, reason := s.mergeLocked(in)
	var changed []TrackedEntity
	if reason == "" {
		changed = append(changed, ent)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.deliver(changed)
	s.notifyMu.Unlock()

	if reason != "" {
		logger.Debug().Str("entity", ev.Key.String()).Str("kind", string(ev.Kind)).Str("reason", string(reason)).Msg("event rejected")
		s.countReject(reason)
		return false, reason
	}
	s.countAccept(ev.Key.Class)
	return true, ""
}

// ApplySnapshot merges a polled snapshot. Returns the number of accepted
// per-entity updates, including removal markings for a full listing.
func (s *Store) ApplySnapshot(sn Snapshot) int {
	s.mu.Lock()
	var changed []TrackedEntity
	present := make(map[EntityKey]bool, len(sn.Records))
	for _, rec := range sn.Records {
		key := EntityKey{Class: sn.Class, ID: rec.ID}
		present[key] = true
		ent, reason := s.mergeLocked(mergeInput{
			key:         key,
			status:      rec.Status,
			progress:    rec.Progress,
			hasProgress: rec.HasProgress,
			runID:       rec.RunID,
			ts:          rec.UpdatedAt,
			payload:     rec.Payload,
		})
		if reason == "" {
			changed = append(changed, ent)
		} else {
			s.countReject(reason)
		}
	}
	if sn.Full {
		// A full class listing is authoritative about existence: anything of
		// this class it does not mention is gone.
		for key, ent := range s.entities {
			if key.Class != sn.Class || present[key] || ent.Removed {
				continue
			}
			ent.Status = StatusRemoved
			ent.Removed = true
			s.bump(ent)
			changed = append(changed, *ent)
		}
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.deliver(changed)
	s.notifyMu.Unlock()

	for range changed {
		s.countAccept(sn.Class)
	}
	return len(changed)
}

// Get returns a copy of the current record for the key.
func (s *Store) Get(key EntityKey) (TrackedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entities[key]
	if !ok {
		return TrackedEntity{}, false
	}
	return *ent, true
}

// List returns all current entities of a class, ordered by id.
func (s *Store) List(class Class) []TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedEntity
	for key, ent := range s.entities {
		if key.Class == class {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out
}

// Len returns the number of tracked entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// ChangesSince returns entities that accepted an update after the given
// store sequence, in acceptance order, plus the latest sequence to resume
// from. Consumers polling this see exactly the deltas they have not observed.
func (s *Store) ChangesSince(since uint64) ([]TrackedEntity, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedEntity
	for _, ent := range s.entities {
		if ent.seq > since {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, s.seq
}

// Clear drops all entities and dedup state. Used on logout: a logged-out
// session must not leak data belonging to the prior identity. The global
// sequence is not reset, so delta consumers never observe a rewind.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entities = make(map[EntityKey]*TrackedEntity)
	s.mu.Unlock()
	if s.dedup != nil {
		s.dedup.DeleteAll()
	}
}

// Subscribe registers a callback fired on every accepted change matching the
// predicate (nil matches everything). The returned function unsubscribes:
// after it returns, no further callbacks fire; deliveries already in flight
// may complete.
//
// Callbacks run on the merge path with store locks held. They must not call
// back into the store (ApplyEvent, ApplySnapshot, Clear, unsubscribe) and
// should hand heavy work off to their own goroutine.
func (s *Store) Subscribe(pred func(TrackedEntity) bool, fn func(TrackedEntity)) func() {
	id := uuid.NewString()
	s.subMu.Lock()
	s.subs[id] = &subscriber{pred: pred, fn: fn}
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) deliver(changed []TrackedEntity) {
	if len(changed) == 0 {
		return
	}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ent := range changed {
		for _, sub := range s.subs {
			if sub.pred == nil || sub.pred(ent) {
				sub.fn(ent)
			}
		}
	}
}

type mergeInput struct {
	key         EntityKey
	status      string
	progress    int
	hasProgress bool
	runID       int64
	ts          int64
	payload     json.RawMessage
	deleted     bool
}

// bump assigns the next revision and global sequence to an accepted update.
func (s *Store) bump(ent *TrackedEntity) {
	ent.Revision++
	s.seq++
	ent.seq = s.seq
}

// mergeLocked is the reconciliation rule: one authoritative view despite
// unordered, possibly duplicated sources. Caller holds s.mu.
func (s *Store) mergeLocked(in mergeInput) (TrackedEntity, RejectReason) {
	cur, ok := s.entities[in.key]
	if !ok {
		if in.deleted {
			// deletion of something we never tracked
			return TrackedEntity{}, RejectStale
		}
		ent := &TrackedEntity{
			Key:        in.key,
			Status:     in.status,
			Progress:   in.progress,
			RunID:      in.runID,
			LastUpdate: in.ts,
			Payload:    in.payload,
		}
		if ent.Status == "" {
			ent.Status = StatusPending
		}
		s.bump(ent)
		s.entities[in.key] = ent
		return *ent, ""
	}

	// A higher external run id is a new instance of the job: it replaces the
	// record wholesale and unfreezes a terminal entity.
	if in.runID > cur.RunID {
		cur.Status = in.status
		if cur.Status == "" {
			cur.Status = StatusPending
		}
		cur.Progress = in.progress
		cur.RunID = in.runID
		cur.LastUpdate = in.ts
		cur.Removed = false
		if in.deleted {
			cur.Status = StatusRemoved
			cur.Removed = true
		}
		if len(in.payload) > 0 {
			cur.Payload = in.payload
		}
		s.bump(cur)
		return *cur, ""
	}

	// Terminal states freeze the entity until a new run instance appears.
	if cur.Removed || IsTerminal(cur.Status) {
		return TrackedEntity{}, RejectStale
	}

	// When both sides carry a comparable logical timestamp, older loses.
	if in.ts > 0 && cur.LastUpdate > 0 && in.ts <= cur.LastUpdate {
		return TrackedEntity{}, RejectStale
	}

	if in.deleted {
		cur.Status = StatusRemoved
		cur.Removed = true
		if in.ts > 0 {
			cur.LastUpdate = in.ts
		}
		s.bump(cur)
		return *cur, ""
	}

	// An incoming terminal status always wins; everything else must not
	// regress progress, whatever the interleaving of sources.
	if !IsTerminal(in.status) {
		if in.hasProgress && in.progress < cur.Progress {
			return TrackedEntity{}, RejectRegressedProgress
		}
	}

	// An update that advances nothing is stale. Keeps repeated identical
	// polls from churning revisions and re-notifying subscribers.
	statusChanged := in.status != "" && in.status != cur.Status
	progressChanged := in.hasProgress && in.progress != cur.Progress
	tsChanged := in.ts > 0 && in.ts != cur.LastUpdate
	runChanged := in.runID > 0 && in.runID != cur.RunID
	payloadChanged := len(in.payload) > 0 && !bytes.Equal(in.payload, cur.Payload)
	if !statusChanged && !progressChanged && !tsChanged && !runChanged && !payloadChanged {
		return TrackedEntity{}, RejectStale
	}

	if in.status != "" {
		cur.Status = in.status
	}
	if in.hasProgress {
		cur.Progress = in.progress
	}
	if in.ts > 0 {
		cur.LastUpdate = in.ts
	}
	if in.runID > 0 {
		cur.RunID = in.runID
	}
	if len(in.payload) > 0 {
		cur.Payload = in.payload
	}
	s.bump(cur)
	return *cur, ""
}

func dedupKey(ev Event) string {
	h := xxhash.New()
	h.WriteString(ev.Status)
	h.Write(ev.Payload)
	fmt.Fprintf(h, "|%d|%t|%d|%d", ev.Progress, ev.HasProgress, ev.RunID, ev.Timestamp)
	return ev.Key.String() + "|" + string(ev.Kind) + "|" + strconv.FormatUint(h.Sum64(), 16)
}
