package upsert

import (
	"context"
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

// FolderLookup feeds the folder selector with the owner's folders.
type FolderLookup struct {
	store     FolderStore
	lifecycle *Lifecycle
	logger    *log.Logger
}

func NewFolderLookup(store FolderStore, lifecycle *Lifecycle, logger *log.Logger) *FolderLookup {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if lifecycle == nil {
		lifecycle = NewLifecycle(nil, nil, logger)
	}
	return &FolderLookup{store: store, lifecycle: lifecycle, logger: logger}
}

// Watch delivers the owner's folders, newest first, on every change. A
// failure is delivered as an empty list with a FetchError; nothing is
// retried.
func (l *FolderLookup) Watch(ctx context.Context, owner domain.Identity, fn func(domain.FolderSnapshot)) (domain.Subscription, error) {
	sub, err := l.store.WatchFolders(ctx, owner.UserID, func(s domain.FolderSnapshot) {
		l.deliver(ctx, owner, s, fn)
	})
	if err != nil {
		l.deliver(ctx, owner, domain.FolderSnapshot{Err: err}, fn)
		return nil, asFetchError(err)
	}
	return sub, nil
}

func (l *FolderLookup) deliver(ctx context.Context, owner domain.Identity, s domain.FolderSnapshot, fn func(domain.FolderSnapshot)) {
	_ = l.lifecycle.Run(ctx, OpFolders, func(context.Context) error {
		if s.Err != nil {
			ferr := asFetchError(s.Err)
			l.logger.WithError(s.Err).WithField("user", owner.UserID).Error("failed to fetch folders")
			fn(domain.FolderSnapshot{Folders: []domain.Folder{}, Err: ferr})
			return ferr
		}
		fn(domain.FolderSnapshot{Folders: ownedNewestFirst(s.Folders, owner.UserID)})
		return nil
	})
}

func ownedNewestFirst(in []domain.Folder, owner string) []domain.Folder {
	out := make([]domain.Folder, 0, len(in))
	for _, f := range in {
		if f.CreatedUser == owner {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedDate.After(out[j].UpdatedDate)
	})
	return out
}

func asFetchError(err error) *domain.FetchError {
	var ferr *domain.FetchError
	if errors.As(err, &ferr) {
		return ferr
	}
	return &domain.FetchError{Err: err}
}
