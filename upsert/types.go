package upsert

import (
	"context"

	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

// MemoStore is the backing store boundary for memos.
type MemoStore interface {
	// CreateMemo persists m and returns the key assigned by the store.
	CreateMemo(ctx context.Context, m domain.Memo) (string, error)
	// SetMemoID writes key into the id field of the document stored under key.
	SetMemoID(ctx context.Context, key string) error
	// UpdateMemo overwrites the mutable fields of the memo stored under m.ID.
	UpdateMemo(ctx context.Context, m domain.Memo) error
	// WatchMemo delivers the current value of a memo and every later change.
	WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error)
}

// FolderStore is the live folder query boundary.
type FolderStore interface {
	// WatchFolders delivers the owner's folders ordered by UpdatedDate desc
	// and redelivers the full list on every change.
	WatchFolders(ctx context.Context, owner string, fn func(domain.FolderSnapshot)) (domain.Subscription, error)
}

// IDRepairer schedules a deferred id patch for a memo whose second create
// step failed.
type IDRepairer interface {
	ScheduleIDPatch(ctx context.Context, key string) error
}

// Indicator shows and hides a busy state in the UI.
type Indicator interface {
	Show(op string)
	Hide(op string)
}

// Notifier displays the terminal outcome of an operation.
type Notifier interface {
	Success(op string)
	Failure(op string)
}

// Result describes a successful submit.
type Result struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

const (
	OpCreate  = "memo.create"
	OpUpdate  = "memo.update"
	OpFolders = "folders.list"
)

type nopIndicator struct{}

func (nopIndicator) Show(string) {}
func (nopIndicator) Hide(string) {}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Failure(string) {}

// LogSignals reports busy state and outcomes through a logger. It serves
// as both Indicator and Notifier for surfaces without a visual spinner.
type LogSignals struct {
	Logger *log.Logger
}

func (s LogSignals) Show(op string) { s.Logger.WithField("op", op).Debug("working") }
func (s LogSignals) Hide(op string) { s.Logger.WithField("op", op).Debug("done") }

func (s LogSignals) Success(op string) { s.Logger.WithField("op", op).Info("saved") }

func (s LogSignals) Failure(op string) {
	s.Logger.WithField("op", op).Warn("could not be completed, please try again")
}
