package upsert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"memo-sync/domain"
)

type fakeWatch struct {
	id     string
	fn     func(domain.MemoSnapshot)
	closed atomic.Bool
}

type fakeStore struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, m domain.Memo) (string, error)
	setIDFn  func(ctx context.Context, key string) error
	updateFn func(ctx context.Context, m domain.Memo) error
	watchErr error

	created []domain.Memo
	patched []string
	updated []domain.Memo
	watches []*fakeWatch
}

func (s *fakeStore) CreateMemo(ctx context.Context, m domain.Memo) (string, error) {
	s.mu.Lock()
	s.created = append(s.created, m)
	fn := s.createFn
	s.mu.Unlock()
	if fn == nil {
		return "", errors.New("unexpected CreateMemo call")
	}
	return fn(ctx, m)
}

func (s *fakeStore) SetMemoID(ctx context.Context, key string) error {
	s.mu.Lock()
	s.patched = append(s.patched, key)
	fn := s.setIDFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, key)
}

func (s *fakeStore) UpdateMemo(ctx context.Context, m domain.Memo) error {
	s.mu.Lock()
	s.updated = append(s.updated, m)
	fn := s.updateFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, m)
}

func (s *fakeStore) WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error) {
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	w := &fakeWatch{id: id, fn: fn}
	s.mu.Lock()
	s.watches = append(s.watches, w)
	s.mu.Unlock()
	return domain.SubscriptionFunc(func() error {
		w.closed.Store(true)
		return nil
	}), nil
}

// emit delivers snap to every watch ever opened on id, closed or not, so
// tests can check that stale bindings ignore late emissions.
func (s *fakeStore) emit(id string, snap domain.MemoSnapshot) {
	s.mu.Lock()
	var targets []*fakeWatch
	for _, w := range s.watches {
		if w.id == id {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()
	for _, w := range targets {
		w.fn(snap)
	}
}

func (s *fakeStore) watch(id string) *fakeWatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watches {
		if w.id == id {
			return w
		}
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Show(op string)    { r.add("show:" + op) }
func (r *recorder) Hide(op string)    { r.add("hide:" + op) }
func (r *recorder) Success(op string) { r.add("success:" + op) }
func (r *recorder) Failure(op string) { r.add("failure:" + op) }

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeRepairer struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeRepairer) ScheduleIDPatch(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.err
}
