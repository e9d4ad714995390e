package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

const edmDateTime = "Edm.DateTime"

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type folderLister interface {
	ListFolders(ctx context.Context, owner string) ([]domain.Folder, error)
}

// Storage keeps memos and folders in Azure Table Storage and announces
// every write on the change feed.
type Storage struct {
	memoTable   tableClient
	folderTable tableClient
	feed        *Feed
	cache       *Cache
	clock       *clock
	newKey      func() string
	logger      *log.Logger
}

// New creates a Storage instance from the given connection string.
func New(connStr, memosTable, foldersTable string, feed *Feed, logger *log.Logger) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newStorage(svc.NewClient(memosTable), svc.NewClient(foldersTable), feed, logger), nil
}

func newStorage(memos, folders tableClient, feed *Feed, logger *log.Logger) *Storage {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if feed == nil {
		feed = NewFeed(nil, logger)
	}
	return &Storage{
		memoTable:   memos,
		folderTable: folders,
		feed:        feed,
		clock:       newClock(),
		newKey:      uuid.NewString,
		logger:      logger,
	}
}

// UseFolderCache routes folder reads through c.
func (s *Storage) UseFolderCache(c *Cache) { s.cache = c }

type memoEntity struct {
	aztables.Entity
	ID              string    `json:"Id"`
	Title           string    `json:"Title"`
	Description     string    `json:"Description"`
	FolderID        string    `json:"FolderId"`
	CreatedUser     string    `json:"CreatedUser"`
	CreatedDate     time.Time `json:"CreatedDate"`
	CreatedDateType string    `json:"CreatedDate@odata.type,omitempty"`
	UpdatedDate     time.Time `json:"UpdatedDate"`
	UpdatedDateType string    `json:"UpdatedDate@odata.type,omitempty"`
}

// memoUpdate carries the mutable fields only, so a merge never touches
// CreatedUser or CreatedDate.
type memoUpdate struct {
	PartitionKey    string    `json:"PartitionKey"`
	RowKey          string    `json:"RowKey"`
	Title           string    `json:"Title"`
	Description     string    `json:"Description"`
	FolderID        string    `json:"FolderId"`
	UpdatedDate     time.Time `json:"UpdatedDate"`
	UpdatedDateType string    `json:"UpdatedDate@odata.type"`
}

type memoIDPatch struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ID           string `json:"Id"`
}

type folderEntity struct {
	aztables.Entity
	Name        string    `json:"Name"`
	CreatedUser string    `json:"CreatedUser"`
	UpdatedDate time.Time `json:"UpdatedDate"`
}

// CreateMemo inserts m under a new key and returns the key. The document's
// id field keeps the value of m.ID until SetMemoID runs.
func (s *Storage) CreateMemo(ctx context.Context, m domain.Memo) (string, error) {
	key := s.newKey()
	now := s.clock.Now()
	ent := memoEntity{
		Entity:          aztables.Entity{PartitionKey: key, RowKey: key},
		ID:              m.ID,
		Title:           m.Title,
		Description:     m.Description,
		FolderID:        m.FolderID,
		CreatedUser:     m.CreatedUser,
		CreatedDate:     m.CreatedDate.Resolve(now).Time,
		CreatedDateType: edmDateTime,
		UpdatedDate:     m.UpdatedDate.Resolve(now).Time,
		UpdatedDateType: edmDateTime,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := s.memoTable.AddEntity(ctx, payload, nil); err != nil {
		return "", fmt.Errorf("insert memo: %w", err)
	}
	s.announce(ctx, memoTopic(key))
	return key, nil
}

// SetMemoID copies the storage key into the document's id field.
func (s *Storage) SetMemoID(ctx context.Context, key string) error {
	payload, err := json.Marshal(memoIDPatch{PartitionKey: key, RowKey: key, ID: key})
	if err != nil {
		return err
	}
	if err := s.merge(ctx, payload); err != nil {
		return fmt.Errorf("patch memo id: %w", err)
	}
	s.announce(ctx, memoTopic(key))
	return nil
}

// UpdateMemo merges the mutable fields of m into the stored memo.
func (s *Storage) UpdateMemo(ctx context.Context, m domain.Memo) error {
	if m.ID == "" {
		return domain.ErrMemoNotFound
	}
	upd := memoUpdate{
		PartitionKey:    m.ID,
		RowKey:          m.ID,
		Title:           m.Title,
		Description:     m.Description,
		FolderID:        m.FolderID,
		UpdatedDate:     m.UpdatedDate.Resolve(s.clock.Now()).Time,
		UpdatedDateType: edmDateTime,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	if err := s.merge(ctx, payload); err != nil {
		return fmt.Errorf("update memo: %w", err)
	}
	s.announce(ctx, memoTopic(m.ID))
	return nil
}

func (s *Storage) merge(ctx context.Context, payload []byte) error {
	et := azcore.ETagAny
	_, err := s.memoTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isNotFound(err) {
		return domain.ErrMemoNotFound
	}
	return err
}

// GetMemo returns the memo stored under id, or nil if there is none.
func (s *Storage) GetMemo(ctx context.Context, id string) (*domain.Memo, error) {
	resp, err := s.memoTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeMemoEntity(resp.Value)
}

func decodeMemoEntity(data []byte) (*domain.Memo, error) {
	var ent memoEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	return &domain.Memo{
		ID:          ent.ID,
		Title:       ent.Title,
		Description: ent.Description,
		FolderID:    ent.FolderID,
		CreatedUser: ent.CreatedUser,
		CreatedDate: domain.At(ent.CreatedDate),
		UpdatedDate: domain.At(ent.UpdatedDate),
	}, nil
}

// WatchMemo delivers the memo now and after every change announced on the
// feed.
func (s *Storage) WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error) {
	if id == "" {
		return nil, domain.ErrMemoNotFound
	}
	return s.feed.Watch(ctx, memoTopic(id), func(ctx context.Context) {
		m, err := s.GetMemo(ctx, id)
		if ctx.Err() != nil {
			return
		}
		fn(domain.MemoSnapshot{Memo: m, Err: err})
	}), nil
}

// ListFolders returns the owner's folders, newest first.
func (s *Storage) ListFolders(ctx context.Context, owner string) ([]domain.Folder, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(owner, "'", "''") + "'"
	pager := s.folderTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	folders := []domain.Folder{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent folderEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			folders = append(folders, domain.Folder{
				ID:          ent.RowKey,
				Name:        ent.Name,
				CreatedUser: ent.PartitionKey,
				UpdatedDate: ent.UpdatedDate,
			})
		}
	}
	sortFolders(folders)
	return folders, nil
}

// WatchFolders delivers the owner's folders now and after every change
// announced on the feed.
func (s *Storage) WatchFolders(ctx context.Context, owner string, fn func(domain.FolderSnapshot)) (domain.Subscription, error) {
	first := true
	return s.feed.Watch(ctx, foldersTopic(owner), func(ctx context.Context) {
		var src folderLister = s
		if s.cache != nil {
			if !first {
				s.cache.Evict(ctx, owner)
			}
			src = s.cache
		}
		first = false
		folders, err := src.ListFolders(ctx, owner)
		if ctx.Err() != nil {
			return
		}
		fn(domain.FolderSnapshot{Folders: folders, Err: err})
	}), nil
}

func (s *Storage) announce(ctx context.Context, topic string) {
	if err := s.feed.Publish(ctx, topic); err != nil {
		s.logger.WithError(err).WithField("topic", topic).Error("unable to publish change notification")
	}
}

func sortFolders(folders []domain.Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].UpdatedDate.After(folders[j].UpdatedDate)
	})
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
