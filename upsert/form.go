package upsert

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

// FormState is a copy of the editable form.
type FormState struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FolderID    string `json:"folderId"`
	BoundID     string `json:"boundId,omitempty"`
	Err         error  `json:"-"`
}

// Form is the editable memo form. User input, subscription callbacks and
// resets all write the same fields; the last writer wins. When a record is
// bound, every remote emission overwrites unsaved local edits.
type Form struct {
	store  MemoStore
	logger *log.Logger

	mu          sync.Mutex
	title       string
	description string
	folderID    string
	err         error

	boundID string
	memo    *domain.Memo
	missing bool
	bindErr error
	gen     uint64
	sub     domain.Subscription
	ready   chan struct{}

	changes chan FormState
}

// NewForm creates an empty, unbound form backed by store.
func NewForm(store MemoStore, logger *log.Logger) *Form {
	if logger == nil {
		logger = log.StandardLogger()
	}
	f := &Form{
		store:   store,
		logger:  logger,
		ready:   make(chan struct{}),
		changes: make(chan FormState, 1),
	}
	close(f.ready)
	f.err = domain.ValidateForm("", "")
	return f
}

func (f *Form) SetTitle(v string) {
	f.mu.Lock()
	f.title = v
	f.revalidateLocked()
	f.mu.Unlock()
	f.notify()
}

func (f *Form) SetDescription(v string) {
	f.mu.Lock()
	f.description = v
	f.revalidateLocked()
	f.mu.Unlock()
	f.notify()
}

func (f *Form) SetFolder(id string) {
	f.mu.Lock()
	f.folderID = id
	f.mu.Unlock()
	f.notify()
}

// Err returns the current form-level validation error.
func (f *Form) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// BindErr returns the last subscription failure for the bound record.
func (f *Form) BindErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindErr
}

// State returns a copy of the form.
func (f *Form) State() FormState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

// Changes delivers the latest state after every change. Pending states are
// coalesced; a slow reader only sees the newest one.
func (f *Form) Changes() <-chan FormState { return f.changes }

// Loaded returns a copy of the bound record, or nil.
func (f *Form) Loaded() *domain.Memo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memo == nil {
		return nil
	}
	m := *f.memo
	return &m
}

// Reset clears the three editable fields. The binding is kept.
func (f *Form) Reset() {
	f.mu.Lock()
	f.resetLocked()
	f.mu.Unlock()
	f.notify()
}

// Bind points the form at the memo with the given id. The previous
// subscription is released before a new one is opened. An empty id clears
// the form and opens nothing.
func (f *Form) Bind(ctx context.Context, id string) error {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	old := f.sub
	f.sub = nil
	f.boundID = id
	f.memo = nil
	f.missing = false
	f.bindErr = nil
	f.ready = make(chan struct{})
	if id == "" {
		f.resetLocked()
		close(f.ready)
	}
	f.mu.Unlock()

	f.release(old)
	if id == "" {
		f.notify()
		return nil
	}

	sub, err := f.store.WatchMemo(ctx, id, func(s domain.MemoSnapshot) { f.apply(gen, s) })
	if err != nil {
		perr := &domain.PersistenceError{Op: "memo.watch", Err: err}
		f.mu.Lock()
		if f.gen == gen {
			f.bindErr = perr
			if !isClosed(f.ready) {
				close(f.ready)
			}
		}
		f.mu.Unlock()
		f.logger.WithError(err).WithField("memo", id).Error("failed to subscribe to memo")
		return perr
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		f.release(sub)
		return nil
	}
	f.sub = sub
	f.mu.Unlock()
	return nil
}

// WaitLoaded blocks until the first emission for the current binding. An
// unbound form has nothing to wait for and reports ErrMemoNotFound.
func (f *Form) WaitLoaded(ctx context.Context) (*domain.Memo, error) {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ready:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.bindErr != nil:
		return nil, f.bindErr
	case f.missing || f.memo == nil:
		return nil, domain.ErrMemoNotFound
	}
	m := *f.memo
	return &m, nil
}

// Close releases the active subscription. The bound id and the loaded
// record are kept, so a closed form can still submit an update.
func (f *Form) Close() error {
	f.mu.Lock()
	f.gen++
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (f *Form) apply(gen uint64, s domain.MemoSnapshot) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	first := !isClosed(f.ready)
	switch {
	case s.Err != nil:
		f.bindErr = &domain.PersistenceError{Op: "memo.watch", Err: s.Err}
		f.logger.WithError(s.Err).WithField("memo", f.boundID).Error("memo subscription failed")
	case s.Memo == nil:
		f.memo = nil
		f.missing = true
	default:
		m := *s.Memo
		f.memo = &m
		f.missing = false
		f.bindErr = nil
		f.title = m.Title
		f.description = m.Description
		f.folderID = m.FolderID
		f.revalidateLocked()
	}
	if first {
		close(f.ready)
	}
	f.mu.Unlock()
	f.notify()
}

type submission struct {
	title       string
	description string
	folderID    string
	boundID     string
	memo        *domain.Memo
}

func (f *Form) snapshot() submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := submission{
		title:       f.title,
		description: f.description,
		folderID:    f.folderID,
		boundID:     f.boundID,
	}
	if f.memo != nil {
		m := *f.memo
		in.memo = &m
	}
	return in
}

func (f *Form) resetLocked() {
	f.title = ""
	f.description = ""
	f.folderID = domain.FolderNone
	f.revalidateLocked()
}

func (f *Form) revalidateLocked() {
	f.err = domain.ValidateForm(f.title, f.description)
}

func (f *Form) stateLocked() FormState {
	return FormState{
		Title:       f.title,
		Description: f.description,
		FolderID:    f.folderID,
		BoundID:     f.boundID,
		Err:         f.err,
	}
}

func (f *Form) notify() {
	st := f.State()
	select {
	case f.changes <- st:
		return
	default:
	}
	select {
	case <-f.changes:
	default:
	}
	select {
	case f.changes <- st:
	default:
	}
}

func (f *Form) release(sub domain.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		f.logger.WithError(err).Warn("failed to release memo subscription")
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
