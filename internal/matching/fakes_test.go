package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peermatch/match-service/internal/model"
	"github.com/peermatch/match-service/internal/store"
)

// fakeRecordStore is an in-memory MatchRecordRepository with the same
// conditional-update semantics as the Postgres adapter: guards are checked
// and applied under one lock, so racing callers observe ErrStale exactly
// like they would against the real store.
type fakeRecordStore struct {
	mu        sync.Mutex
	nextID    int64
	recs      map[int64]*model.MatchRecord
	createErr error // returned by the next Create, then cleared
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{recs: make(map[int64]*model.MatchRecord)}
}

func matchesFilter(r *model.MatchRecord, f model.RecordFilter) bool {
	if f.ID != nil && r.ID != *f.ID {
		return false
	}
	if f.UserID != nil && r.UserID != *f.UserID {
		return false
	}
	if f.MatchedUserID != nil && r.Counterpart() != *f.MatchedUserID {
		return false
	}
	if f.ConnectionHandle != nil && r.ConnectionHandle != *f.ConnectionHandle {
		return false
	}
	if f.Matched != nil && r.Matched != *f.Matched {
		return false
	}
	if f.IsPending != nil && r.IsPending != *f.IsPending {
		return false
	}
	if f.IsArchived != nil && r.IsArchived != *f.IsArchived {
		return false
	}
	return true
}

func (s *fakeRecordStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *fakeRecordStore) Find(_ context.Context, f model.RecordFilter) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.sortedIDs() {
		if matchesFilter(s.recs[id], f) {
			c := *s.recs[id]
			return &c, nil
		}
	}
	return nil, nil
}

func (s *fakeRecordStore) FindMany(_ context.Context, f model.RecordFilter) ([]model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MatchRecord
	for _, id := range s.sortedIDs() {
		if matchesFilter(s.recs[id], f) {
			out = append(out, *s.recs[id])
		}
	}
	return out, nil
}

func (s *fakeRecordStore) Create(_ context.Context, p model.CreateMatchRecordParams) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		err := s.createErr
		s.createErr = nil
		return nil, err
	}

	s.nextID++
	rec := &model.MatchRecord{
		ID:               s.nextID,
		UserID:           p.UserID,
		Topic:            p.Topic,
		Difficulty:       p.Difficulty,
		ConnectionHandle: p.ConnectionHandle,
		RoomID:           p.RoomID,
		Matched:          p.Matched,
		MatchedUserID:    p.MatchedUserID,
		IsPending:        p.IsPending,
		QuestionID:       p.QuestionID,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	s.recs[rec.ID] = rec
	c := *rec
	return &c, nil
}

func (s *fakeRecordStore) UpdateConditional(_ context.Context, id int64, expect model.RecordGuard, set model.RecordUpdate) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, store.ErrStale
	}
	if expect.Matched != nil && rec.Matched != *expect.Matched {
		return nil, store.ErrStale
	}
	if expect.IsPending != nil && rec.IsPending != *expect.IsPending {
		return nil, store.ErrStale
	}
	if expect.IsConfirmed != nil && rec.IsConfirmed != *expect.IsConfirmed {
		return nil, store.ErrStale
	}
	if expect.IsArchived != nil && rec.IsArchived != *expect.IsArchived {
		return nil, store.ErrStale
	}

	if set.ConnectionHandle != nil {
		rec.ConnectionHandle = *set.ConnectionHandle
	}
	if set.Matched != nil {
		rec.Matched = *set.Matched
	}
	if set.MatchedUserID != nil {
		rec.MatchedUserID = set.MatchedUserID
	}
	if set.IsPending != nil {
		rec.IsPending = *set.IsPending
	}
	if set.IsConfirmed != nil {
		rec.IsConfirmed = *set.IsConfirmed
	}
	if set.IsArchived != nil {
		rec.IsArchived = *set.IsArchived
	}
	if set.QuestionID != nil {
		rec.QuestionID = set.QuestionID
	}
	rec.UpdatedAt = time.Now()

	c := *rec
	return &c, nil
}

func (s *fakeRecordStore) DeleteConditional(_ context.Context, id int64, expect model.RecordGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return store.ErrStale
	}
	if expect.Matched != nil && rec.Matched != *expect.Matched {
		return store.ErrStale
	}
	if expect.IsPending != nil && rec.IsPending != *expect.IsPending {
		return store.ErrStale
	}
	if expect.IsConfirmed != nil && rec.IsConfirmed != *expect.IsConfirmed {
		return store.ErrStale
	}
	if expect.IsArchived != nil && rec.IsArchived != *expect.IsArchived {
		return store.ErrStale
	}
	delete(s.recs, id)
	return nil
}

func (s *fakeRecordStore) failNextCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *fakeRecordStore) ArchiveAll(_ context.Context, f model.RecordFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.recs {
		if !rec.IsArchived && matchesFilter(rec, f) {
			rec.IsArchived = true
			n++
		}
	}
	return n, nil
}

func (s *fakeRecordStore) OldestWaiting(_ context.Context, topic, difficulty string, excluded []string) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	for _, id := range s.sortedIDs() {
		rec := s.recs[id]
		if rec.IsArchived || rec.Matched {
			continue
		}
		if rec.Topic != topic {
			continue
		}
		if difficulty != "" && rec.Difficulty != difficulty {
			continue
		}
		if skip[rec.UserID] {
			continue
		}
		c := *rec
		return &c, nil
	}
	return nil, nil
}

// get returns the live record by id for assertions.
func (s *fakeRecordStore) get(id int64) *model.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		c := *rec
		return &c
	}
	return nil
}

// byUser returns every record for a user, oldest first.
func (s *fakeRecordStore) byUser(userID string) []model.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MatchRecord
	for _, id := range s.sortedIDs() {
		if s.recs[id].UserID == userID {
			out = append(out, *s.recs[id])
		}
	}
	return out
}

type fakeHistoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []model.SessionHistory
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{}
}

func (h *fakeHistoryStore) Create(_ context.Context, p model.CreateSessionHistoryParams) (*model.SessionHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	entry := model.SessionHistory{
		ID:         h.nextID,
		UserOneID:  p.UserOneID,
		UserTwoID:  p.UserTwoID,
		RoomID:     p.RoomID,
		QuestionID: p.QuestionID,
		IsOngoing:  true,
		CreatedAt:  time.Now(),
	}
	h.entries = append(h.entries, entry)
	return &entry, nil
}

func (h *fakeHistoryStore) CounterpartIDs(_ context.Context, userID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ids []string
	for _, e := range h.entries {
		if e.UserOneID == userID {
			ids = append(ids, e.UserTwoID)
		}
		if e.UserTwoID == userID {
			ids = append(ids, e.UserOneID)
		}
	}
	return ids, nil
}

func (h *fakeHistoryStore) MarkEnded(_ context.Context, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		if h.entries[i].RoomID == roomID {
			h.entries[i].IsOngoing = false
		}
	}
	return nil
}

func (h *fakeHistoryStore) all() []model.SessionHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.SessionHistory(nil), h.entries...)
}

type sentNotice struct {
	Handle  string
	Event   string
	Payload any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{}
}

func (n *fakeNotifier) Notify(_ context.Context, handle, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{Handle: handle, Event: event, Payload: payload})
	return nil
}

// count returns how many notifications matched the handle and event. An
// empty handle matches any handle.
func (n *fakeNotifier) count(handle, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if (handle == "" || s.Handle == handle) && s.Event == event {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last(handle, event string) (sentNotice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Handle == handle && n.sent[i].Event == event {
			return n.sent[i], true
		}
	}
	return sentNotice{}, false
}

type scheduledExpiry struct {
	After   time.Duration
	Subject string
	Payload []byte
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledExpiry
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) ScheduleAfter(_ context.Context, d time.Duration, subject string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, scheduledExpiry{After: d, Subject: subject, Payload: payload})
	return nil
}

func (s *fakeScheduler) bySubject(subject string) []scheduledExpiry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduledExpiry
	for _, e := range s.scheduled {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

type fakeQuestions struct {
	mu        sync.Mutex
	questions map[string]string // topic|difficulty -> question id
}

func newFakeQuestions() *fakeQuestions {
	return &fakeQuestions{questions: make(map[string]string)}
}

func (q *fakeQuestions) add(topic, difficulty, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.questions[topic+"|"+difficulty] = id
}

func (q *fakeQuestions) RandomQuestion(_ context.Context, topic, difficulty string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.questions[topic+"|"+difficulty], nil
}
