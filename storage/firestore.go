package storage

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"memo-sync/domain"
)

const (
	memoCollection   = "memo"
	folderCollection = "folder"
)

// Firestore keeps memos and folders in Cloud Firestore. Keys and
// timestamps come from Firestore itself; change delivery uses snapshot
// listeners.
type Firestore struct {
	client *firestore.Client
	logger *log.Logger
}

// NewFirestore connects to project. FIRESTORE_EMULATOR_HOST is honoured by
// the client library.
func NewFirestore(ctx context.Context, project string, logger *log.Logger) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, project)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Firestore{client: client, logger: logger}, nil
}

func (s *Firestore) Close() error { return s.client.Close() }

type memoDoc struct {
	ID          string    `firestore:"id"`
	Title       string    `firestore:"title"`
	Description string    `firestore:"description"`
	FolderID    string    `firestore:"folderId"`
	CreatedUser string    `firestore:"createdUser"`
	CreatedDate time.Time `firestore:"createdDate"`
	UpdatedDate time.Time `firestore:"updatedDate"`
}

type folderDoc struct {
	Name        string    `firestore:"name"`
	CreatedUser string    `firestore:"createdUser"`
	UpdatedDate time.Time `firestore:"updatedDate"`
}

func (d memoDoc) memo() *domain.Memo {
	return &domain.Memo{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		FolderID:    d.FolderID,
		CreatedUser: d.CreatedUser,
		CreatedDate: domain.At(d.CreatedDate),
		UpdatedDate: domain.At(d.UpdatedDate),
	}
}

func (d folderDoc) folder(id string) domain.Folder {
	return domain.Folder{
		ID:          id,
		Name:        d.Name,
		CreatedUser: d.CreatedUser,
		UpdatedDate: d.UpdatedDate,
	}
}

// memoFields is the full document written on create.
func memoFields(m domain.Memo) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"title":       m.Title,
		"description": m.Description,
		"folderId":    m.FolderID,
		"createdUser": m.CreatedUser,
		"createdDate": fsTimestamp(m.CreatedDate),
		"updatedDate": fsTimestamp(m.UpdatedDate),
	}
}

// memoUpdates leaves owner and creation date untouched.
func memoUpdates(m domain.Memo) []firestore.Update {
	return []firestore.Update{
		{Path: "title", Value: m.Title},
		{Path: "description", Value: m.Description},
		{Path: "folderId", Value: m.FolderID},
		{Path: "updatedDate", Value: fsTimestamp(m.UpdatedDate)},
	}
}

func fsTimestamp(ts domain.Timestamp) any {
	if ts.IsServer() {
		return firestore.ServerTimestamp
	}
	return ts.Time
}

func (s *Firestore) CreateMemo(ctx context.Context, m domain.Memo) (string, error) {
	ref, _, err := s.client.Collection(memoCollection).Add(ctx, memoFields(m))
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (s *Firestore) SetMemoID(ctx context.Context, key string) error {
	_, err := s.client.Collection(memoCollection).Doc(key).Update(ctx, []firestore.Update{
		{Path: "id", Value: key},
	})
	return fsError(err)
}

func (s *Firestore) UpdateMemo(ctx context.Context, m domain.Memo) error {
	if m.ID == "" {
		return domain.ErrMemoNotFound
	}
	_, err := s.client.Collection(memoCollection).Doc(m.ID).Update(ctx, memoUpdates(m))
	return fsError(err)
}

func (s *Firestore) WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error) {
	if id == "" {
		return nil, domain.ErrMemoNotFound
	}
	ctx, cancel := context.WithCancel(ctx)
	it := s.client.Collection(memoCollection).Doc(id).Snapshots(ctx)
	go func() {
		for {
			snap, err := it.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fn(domain.MemoSnapshot{Err: err})
				return
			}
			if !snap.Exists() {
				fn(domain.MemoSnapshot{})
				continue
			}
			var doc memoDoc
			if err := snap.DataTo(&doc); err != nil {
				fn(domain.MemoSnapshot{Err: err})
				continue
			}
			fn(domain.MemoSnapshot{Memo: doc.memo()})
		}
	}()
	return stopper(cancel, it.Stop), nil
}

func (s *Firestore) WatchFolders(ctx context.Context, owner string, fn func(domain.FolderSnapshot)) (domain.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	q := s.client.Collection(folderCollection).
		Where("createdUser", "==", owner).
		OrderBy("updatedDate", firestore.Desc)
	it := q.Snapshots(ctx)
	go func() {
		for {
			qs, err := it.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fn(domain.FolderSnapshot{Err: err})
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				fn(domain.FolderSnapshot{Err: err})
				continue
			}
			folders := make([]domain.Folder, 0, len(docs))
			for _, d := range docs {
				var doc folderDoc
				if err := d.DataTo(&doc); err != nil {
					s.logger.WithError(err).WithField("folder", d.Ref.ID).Warn("skipping undecodable folder")
					continue
				}
				folders = append(folders, doc.folder(d.Ref.ID))
			}
			fn(domain.FolderSnapshot{Folders: folders})
		}
	}()
	return stopper(cancel, it.Stop), nil
}

func stopper(cancel context.CancelFunc, stop func()) domain.Subscription {
	var once sync.Once
	return domain.SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			stop()
		})
		return nil
	})
}

func fsError(err error) error {
	if status.Code(err) == codes.NotFound {
		return domain.ErrMemoNotFound
	}
	return err
}
