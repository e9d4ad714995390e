package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"memo-sync/domain"
)

// Memory is an in-process store. Watchers are called synchronously from
// the writing goroutine, after the store lock is released. Every snapshot
// carries the store version it was taken at and a watcher never receives
// one older than the last it was given.
type Memory struct {
	clock  *clock
	newKey func() string

	mu       sync.Mutex
	version  uint64
	memos    map[string]domain.Memo
	folders  map[string]domain.Folder
	memoW    map[string]map[uint64]*watcher[domain.MemoSnapshot]
	folderW  map[string]map[uint64]*watcher[domain.FolderSnapshot]
	nextSlot uint64

	// registered runs between watcher registration and the initial
	// delivery. Tests use it to interleave writes.
	registered func()
}

func NewMemory() *Memory {
	return &Memory{
		clock:   newClock(),
		newKey:  uuid.NewString,
		memos:   make(map[string]domain.Memo),
		folders: make(map[string]domain.Folder),
		memoW:   make(map[string]map[uint64]*watcher[domain.MemoSnapshot]),
		folderW: make(map[string]map[uint64]*watcher[domain.FolderSnapshot]),
	}
}

// watcher serialises deliveries to one callback and drops stale ones.
type watcher[T any] struct {
	fn func(T)

	mu   sync.Mutex
	sent bool
	seen uint64
}

func (w *watcher[T]) deliver(version uint64, v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent && version <= w.seen {
		return
	}
	w.sent = true
	w.seen = version
	w.fn(v)
}

func (s *Memory) CreateMemo(ctx context.Context, m domain.Memo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.clock.Now()
	key := s.newKey()
	m.CreatedDate = m.CreatedDate.Resolve(now)
	m.UpdatedDate = m.UpdatedDate.Resolve(now)
	s.mu.Lock()
	s.version++
	s.memos[key] = m
	s.mu.Unlock()
	s.publishMemo(key)
	return key, nil
}

func (s *Memory) SetMemoID(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	m, ok := s.memos[key]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMemoNotFound
	}
	m.ID = key
	s.version++
	s.memos[key] = m
	s.mu.Unlock()
	s.publishMemo(key)
	return nil
}

// UpdateMemo writes only the mutable fields; owner and creation date are
// kept from the stored record.
func (s *Memory) UpdateMemo(ctx context.Context, m domain.Memo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now()
	s.mu.Lock()
	cur, ok := s.memos[m.ID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMemoNotFound
	}
	cur.Title = m.Title
	cur.Description = m.Description
	cur.FolderID = m.FolderID
	cur.UpdatedDate = m.UpdatedDate.Resolve(now)
	s.version++
	s.memos[m.ID] = cur
	s.mu.Unlock()
	s.publishMemo(m.ID)
	return nil
}

// Memo returns the stored memo under key.
func (s *Memory) Memo(key string) (domain.Memo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memos[key]
	return m, ok
}

// PutFolder inserts or replaces a folder and notifies its owner's watchers.
func (s *Memory) PutFolder(f domain.Folder) {
	if f.ID == "" {
		f.ID = s.newKey()
	}
	if f.UpdatedDate.IsZero() {
		f.UpdatedDate = s.clock.Now()
	}
	s.mu.Lock()
	s.version++
	s.folders[f.ID] = f
	s.mu.Unlock()
	s.publishFolders(f.CreatedUser)
}

func (s *Memory) WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error) {
	if id == "" {
		return nil, domain.ErrMemoNotFound
	}
	w := &watcher[domain.MemoSnapshot]{fn: fn}
	s.mu.Lock()
	slot := s.slotLocked()
	if s.memoW[id] == nil {
		s.memoW[id] = make(map[uint64]*watcher[domain.MemoSnapshot])
	}
	s.memoW[id][slot] = w
	snap, version := s.memoSnapshotLocked(id), s.version
	s.mu.Unlock()

	s.afterRegister()
	w.deliver(version, snap)
	return s.subscription(ctx, func() {
		delete(s.memoW[id], slot)
		if len(s.memoW[id]) == 0 {
			delete(s.memoW, id)
		}
	}), nil
}

func (s *Memory) WatchFolders(ctx context.Context, owner string, fn func(domain.FolderSnapshot)) (domain.Subscription, error) {
	w := &watcher[domain.FolderSnapshot]{fn: fn}
	s.mu.Lock()
	slot := s.slotLocked()
	if s.folderW[owner] == nil {
		s.folderW[owner] = make(map[uint64]*watcher[domain.FolderSnapshot])
	}
	s.folderW[owner][slot] = w
	snap, version := s.folderSnapshotLocked(owner), s.version
	s.mu.Unlock()

	s.afterRegister()
	w.deliver(version, snap)
	return s.subscription(ctx, func() {
		delete(s.folderW[owner], slot)
		if len(s.folderW[owner]) == 0 {
			delete(s.folderW, owner)
		}
	}), nil
}

// subscription runs remove under the store lock on Close or when ctx ends.
func (s *Memory) subscription(ctx context.Context, remove func()) domain.Subscription {
	var once sync.Once
	done := make(chan struct{})
	stop := func() error {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
		return nil
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = stop()
		case <-done:
		}
	}()
	return domain.SubscriptionFunc(stop)
}

func (s *Memory) afterRegister() {
	if s.registered != nil {
		s.registered()
	}
}

func (s *Memory) slotLocked() uint64 {
	s.nextSlot++
	return s.nextSlot
}

func (s *Memory) memoSnapshotLocked(id string) domain.MemoSnapshot {
	m, ok := s.memos[id]
	if !ok {
		return domain.MemoSnapshot{}
	}
	return domain.MemoSnapshot{Memo: &m}
}

func (s *Memory) folderSnapshotLocked(owner string) domain.FolderSnapshot {
	folders := []domain.Folder{}
	for _, f := range s.folders {
		if f.CreatedUser == owner {
			folders = append(folders, f)
		}
	}
	sortFolders(folders)
	return domain.FolderSnapshot{Folders: folders}
}

func (s *Memory) publishMemo(id string) {
	s.mu.Lock()
	snap, version := s.memoSnapshotLocked(id), s.version
	ws := make([]*watcher[domain.MemoSnapshot], 0, len(s.memoW[id]))
	for _, w := range s.memoW[id] {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.deliver(version, snap)
	}
}

func (s *Memory) publishFolders(owner string) {
	s.mu.Lock()
	snap, version := s.folderSnapshotLocked(owner), s.version
	ws := make([]*watcher[domain.FolderSnapshot], 0, len(s.folderW[owner]))
	for _, w := range s.folderW[owner] {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.deliver(version, snap)
	}
}
