package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"memo-sync/domain"
	"memo-sync/storage"
	"memo-sync/upsert"
)

type fakeAuth struct{}

func (fakeAuth) UserIDFromAuthHeader(h string) (string, error) {
	switch h {
	case "":
		return "", errMissingAuthorization
	case "Bearer other":
		return "user2", nil
	}
	return "user1", nil
}

// hookedStore lets a test replace single store operations.
type hookedStore struct {
	*storage.Memory
	createFn func(ctx context.Context, m domain.Memo) (string, error)
	setIDFn  func(ctx context.Context, key string) error
}

func (s *hookedStore) CreateMemo(ctx context.Context, m domain.Memo) (string, error) {
	if s.createFn != nil {
		return s.createFn(ctx, m)
	}
	return s.Memory.CreateMemo(ctx, m)
}

func (s *hookedStore) SetMemoID(ctx context.Context, key string) error {
	if s.setIDFn != nil {
		return s.setIDFn(ctx, key)
	}
	return s.Memory.SetMemoID(ctx, key)
}

// trackingStore records when memo subscriptions are released and when
// updates are written.
type trackingStore struct {
	*storage.Memory

	mu     sync.Mutex
	events []string
}

func (s *trackingStore) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *trackingStore) WatchMemo(ctx context.Context, id string, fn func(domain.MemoSnapshot)) (domain.Subscription, error) {
	sub, err := s.Memory.WatchMemo(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	return domain.SubscriptionFunc(func() error {
		s.record("close")
		return sub.Close()
	}), nil
}

func (s *trackingStore) UpdateMemo(ctx context.Context, m domain.Memo) error {
	s.record("update")
	return s.Memory.UpdateMemo(ctx, m)
}

type fakeRepairer struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRepairer) ScheduleIDPatch(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func newTestEcho(store Store, repairer upsert.IDRepairer) *echo.Echo {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, store, fakeAuth{}, repairer, nil, logger)
	return e
}

func postMemo(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/memos", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitMemoCreate(t *testing.T) {
	store := storage.NewMemory()
	e := newTestEcho(store, nil)

	rec := postMemo(e, `{"title":"","description":"body","folderId":"f1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var res upsert.Result
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Created || res.ID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	m, ok := store.Memo(res.ID)
	if !ok || m.ID != res.ID || m.Title != domain.UntitledTitle || m.CreatedUser != "user1" || m.FolderID != "f1" {
		t.Fatalf("unexpected stored memo: %+v", m)
	}
}

func TestSubmitMemoUpdate(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key, _ := store.CreateMemo(ctx, domain.Memo{Title: "old", CreatedUser: "user1"})
	_ = store.SetMemoID(ctx, key)
	e := newTestEcho(store, nil)

	rec := postMemo(e, `{"id":"`+key+`","title":"new","description":"","folderId":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if m, _ := store.Memo(key); m.Title != "new" {
		t.Fatalf("memo not updated: %+v", m)
	}
}

func TestSubmitMemoUpdateReleasesBindingBeforeWrite(t *testing.T) {
	store := &trackingStore{Memory: storage.NewMemory()}
	ctx := context.Background()
	key, _ := store.CreateMemo(ctx, domain.Memo{Title: "old", CreatedUser: "user1"})
	e := newTestEcho(store, nil)

	rec := postMemo(e, `{"id":"`+key+`","title":"mine","description":"d"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	store.mu.Lock()
	events := append([]string(nil), store.events...)
	store.mu.Unlock()
	if len(events) != 2 || events[0] != "close" || events[1] != "update" {
		t.Fatalf("subscription should be released before the update, got %v", events)
	}
	if m, _ := store.Memo(key); m.Title != "mine" || m.Description != "d" {
		t.Fatalf("request values not stored: %+v", m)
	}
}

func TestSubmitMemoForeignOwner(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key, _ := store.CreateMemo(ctx, domain.Memo{Title: "theirs", CreatedUser: "user2"})
	e := newTestEcho(store, nil)

	rec := postMemo(e, `{"id":"`+key+`","title":"hijack"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	if m, _ := store.Memo(key); m.Title != "theirs" {
		t.Fatalf("foreign memo was modified: %+v", m)
	}
}

func TestSubmitMemoDropsIdleOrchestrators(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := newServer(storage.NewMemory(), fakeAuth{}, nil, logger)
	e := echo.New()
	e.POST("/api/memos", s.submitMemo)

	for i := 0; i < 3; i++ {
		if rec := postMemo(e, `{"title":"t"}`); rec.Code != http.StatusCreated {
			t.Fatalf("submit %d: %d", i, rec.Code)
		}
	}
	s.mu.Lock()
	n := len(s.orchestrators)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no idle orchestrators, got %d", n)
	}
}

func TestSubmitMemoErrors(t *testing.T) {
	cases := []struct {
		name   string
		store  func() Store
		body   string
		status int
		code   string
	}{
		{
			name:   "validation",
			store:  func() Store { return storage.NewMemory() },
			body:   `{"title":"  ","description":""}`,
			status: http.StatusUnprocessableEntity,
			code:   domain.CodeTitleOrDescriptionRequired,
		},
		{
			name:   "unknown memo",
			store:  func() Store { return storage.NewMemory() },
			body:   `{"id":"missing","title":"t"}`,
			status: http.StatusNotFound,
			code:   "memoNotFound",
		},
		{
			name: "store failure",
			store: func() Store {
				return &hookedStore{Memory: storage.NewMemory(), createFn: func(context.Context, domain.Memo) (string, error) {
					return "", errors.New("connection reset by peer")
				}}
			},
			body:   `{"title":"t"}`,
			status: http.StatusInternalServerError,
			code:   "saveFailed",
		},
		{
			name:   "unknown field",
			store:  func() Store { return storage.NewMemory() },
			body:   `{"title":"t","owner":"x"}`,
			status: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEcho(tc.store(), nil)
			rec := postMemo(e, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if tc.code == "" {
				return
			}
			var resp errorResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tc.code {
				t.Fatalf("unexpected error code %q", resp.Error)
			}
			if strings.Contains(rec.Body.String(), "connection reset") {
				t.Fatal("internal error leaked to the client")
			}
		})
	}
}

func TestSubmitMemoUnauthorized(t *testing.T) {
	e := newTestEcho(storage.NewMemory(), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/memos", strings.NewReader(`{"title":"t"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubmitMemoPartialCreate(t *testing.T) {
	store := &hookedStore{Memory: storage.NewMemory(), setIDFn: func(context.Context, string) error {
		return errors.New("patch failed")
	}}
	rep := &fakeRepairer{}
	e := newTestEcho(store, rep)

	rec := postMemo(e, `{"title":"t"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var res upsert.Result
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.keys) != 1 || rep.keys[0] != res.ID {
		t.Fatalf("expected repair for %q, got %v", res.ID, rep.keys)
	}
}

func TestSubmitMemoConcurrentSameOwner(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	store := &hookedStore{Memory: storage.NewMemory()}
	store.createFn = func(ctx context.Context, m domain.Memo) (string, error) {
		close(entered)
		<-release
		return store.Memory.CreateMemo(ctx, m)
	}
	e := newTestEcho(store, nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postMemo(e, `{"title":"first"}`) }()
	<-entered

	rec := postMemo(e, `{"title":"second"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	close(release)
	if first := <-done; first.Code != http.StatusCreated {
		t.Fatalf("first submit: %d", first.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEcho(storage.NewMemory(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func serveStream(t *testing.T, e *echo.Echo, path string, during func()) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	if during != nil {
		during()
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return rec.Body.String()
}

func TestStreamMemo(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key, _ := store.CreateMemo(ctx, domain.Memo{Title: "v1", CreatedUser: "user1"})
	e := newTestEcho(store, nil)

	body := serveStream(t, e, "/api/memos/"+key+"/stream?token=a.b.c", func() {
		_ = store.UpdateMemo(ctx, domain.Memo{ID: key, Title: "v2"})
	})
	if !strings.Contains(body, `"title":"v1"`) || !strings.Contains(body, `"title":"v2"`) {
		t.Fatalf("unexpected stream body %q", body)
	}
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("expected SSE framing, got %q", body)
	}
}

func TestStreamMemoForeignOwner(t *testing.T) {
	store := storage.NewMemory()
	key, _ := store.CreateMemo(context.Background(), domain.Memo{Title: "secret", CreatedUser: "user1"})
	e := newTestEcho(store, nil)

	body := serveStream(t, e, "/api/memos/"+key+"/stream?token=other", nil)
	if strings.Contains(body, "secret") || !strings.Contains(body, `"memo":null`) {
		t.Fatalf("foreign memo should stream as missing, got %q", body)
	}
}

func TestStreamMemoMissing(t *testing.T) {
	e := newTestEcho(storage.NewMemory(), nil)
	body := serveStream(t, e, "/api/memos/ghost/stream?token=a.b.c", nil)
	if !strings.Contains(body, `"memo":null`) {
		t.Fatalf("expected null memo, got %q", body)
	}
}

func TestStreamFolders(t *testing.T) {
	store := storage.NewMemory()
	store.PutFolder(domain.Folder{ID: "mine", Name: "Mine", CreatedUser: "user1"})
	store.PutFolder(domain.Folder{ID: "theirs", Name: "Theirs", CreatedUser: "user2"})
	e := newTestEcho(store, nil)

	body := serveStream(t, e, "/api/folders/stream?token=a.b.c", func() {
		store.PutFolder(domain.Folder{ID: "later", Name: "Later", CreatedUser: "user1"})
	})
	if !strings.Contains(body, `"id":"mine"`) || !strings.Contains(body, `"id":"later"`) {
		t.Fatalf("unexpected stream body %q", body)
	}
	if strings.Contains(body, "theirs") {
		t.Fatal("foreign folder leaked into the stream")
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	e := newTestEcho(storage.NewMemory(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/folders/stream", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOfferLatestKeepsNewest(t *testing.T) {
	ch := make(chan int, 1)
	offerLatest(ch, 1)
	offerLatest(ch, 2)
	if v := <-ch; v != 2 {
		t.Fatalf("expected newest value, got %d", v)
	}
}

func TestSubmitMemoIdempotencyKey(t *testing.T) {
	_, client := setupRedis(t)
	store := storage.NewMemory()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, store, fakeAuth{}, nil, NewRedisDeduper(client, time.Minute), logger)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/memos", strings.NewReader(body))
		req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
		req.Header.Set(headerIdempotencyKey, "retry-1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"title":"once"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("first submit: %d %s", first.Code, first.Body.String())
	}
	second := send(`{"title":"once"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", second.Code, second.Body.String())
	}
	var a, b upsert.Result
	_ = sonic.Unmarshal(first.Body.Bytes(), &a)
	_ = sonic.Unmarshal(second.Body.Bytes(), &b)
	if a != b {
		t.Fatalf("retry should replay the first result: %+v vs %+v", a, b)
	}
}

func TestSubmitMemoIdempotencyReleasedOnFailure(t *testing.T) {
	_, client := setupRedis(t)
	store := storage.NewMemory()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, store, fakeAuth{}, nil, NewRedisDeduper(client, time.Minute), logger)

	send := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/memos", strings.NewReader(body))
		req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
		req.Header.Set(headerIdempotencyKey, "retry-2")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send(`{"title":"","description":""}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", code)
	}
	if code := send(`{"title":"fixed"}`); code != http.StatusCreated {
		t.Fatalf("corrected submit should be accepted, got %d", code)
	}
}
