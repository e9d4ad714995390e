package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
	"memo-sync/upsert"
)

const (
	submitMaxSize = 64 << 10
	loadTimeout   = 10 * time.Second
	resultKey     = "memo.result"
)

// Store is everything the HTTP surface needs from a backend.
type Store interface {
	upsert.MemoStore
	upsert.FolderStore
}

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type submitRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FolderID    string `json:"folderId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// server keeps one orchestrator per owner with a submit in flight, so that
// submits from the same user are serialised while different users proceed
// in parallel.
type server struct {
	store    Store
	auth     Authenticator
	repairer upsert.IDRepairer
	deduper  *RedisDeduper
	logger   *log.Logger

	mu            sync.Mutex
	orchestrators map[string]*ownerSlot
	lifecycle     *upsert.Lifecycle
	folders       *upsert.FolderLookup
}

type ownerSlot struct {
	orch *upsert.Orchestrator
	refs int
}

// Register wires up all API routes on the provided Echo instance. repairer
// and deduper may be nil.
func Register(e *echo.Echo, store Store, auth Authenticator, repairer upsert.IDRepairer, deduper *RedisDeduper, logger *log.Logger) {
	s := newServer(store, auth, repairer, logger)
	s.deduper = deduper
	e.POST("/api/memos", s.submitMemo)
	e.GET("/api/memos/:id/stream", s.streamMemo)
	e.GET("/api/folders/stream", s.streamFolders)
	e.GET("/healthz", healthz)
}

func newServer(store Store, auth Authenticator, repairer upsert.IDRepairer, logger *log.Logger) *server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	signals := upsert.LogSignals{Logger: logger}
	lc := upsert.NewLifecycle(signals, signals, logger)
	return &server{
		store:         store,
		auth:          auth,
		repairer:      repairer,
		logger:        logger,
		orchestrators: make(map[string]*ownerSlot),
		lifecycle:     lc,
		folders:       upsert.NewFolderLookup(store, lc, logger),
	}
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// orchestrator returns the owner's orchestrator. The entry is dropped once
// the last caller releases it.
func (s *server) orchestrator(userID string) (*upsert.Orchestrator, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.orchestrators[userID]
	if !ok {
		slot = &ownerSlot{orch: upsert.NewOrchestrator(s.store, s.lifecycle, s.repairer, s.logger)}
		s.orchestrators[userID] = slot
	}
	slot.refs++
	return slot.orch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if slot.refs--; slot.refs == 0 {
			delete(s.orchestrators, userID)
		}
	}
}

func (s *server) submitMemo(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}

	var req submitRequest
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, submitMaxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}

	ctx := c.Request().Context()
	idemKey := c.Request().Header.Get(headerIdempotencyKey)
	if s.deduper != nil && idemKey != "" {
		prev, claimed, err := s.deduper.Claim(ctx, userID, idemKey)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("idempotency check failed, submitting anyway")
		case !claimed && prev != nil:
			return c.JSON(http.StatusOK, prev)
		case !claimed:
			return c.JSON(http.StatusConflict, errorResponse{Error: "submitInProgress"})
		default:
			defer func() { s.settleClaim(userID, idemKey, c.Response().Status, c.Get(resultKey)) }()
		}
	}

	form := upsert.NewForm(s.store, s.logger)
	defer form.Close()

	if req.ID != "" {
		if err := form.Bind(ctx, req.ID); err != nil {
			return s.submitError(c, err)
		}
		loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
		loaded, err := form.WaitLoaded(loadCtx)
		cancel()
		if err != nil {
			return s.submitError(c, err)
		}
		if loaded.CreatedUser != userID {
			return s.submitError(c, domain.ErrMemoNotFound)
		}
		// The request body is the source of truth from here on.
		_ = form.Close()
	}
	form.SetTitle(req.Title)
	form.SetDescription(req.Description)
	form.SetFolder(req.FolderID)

	orch, release := s.orchestrator(userID)
	defer release()
	res, err := orch.Submit(ctx, domain.Identity{UserID: userID}, form)
	if err != nil {
		var partial *domain.PartialCreateError
		if errors.As(err, &partial) {
			// Stored, but the id field is patched later by the repair worker.
			c.Set(resultKey, res)
			return c.JSON(http.StatusAccepted, res)
		}
		return s.submitError(c, err)
	}
	c.Set(resultKey, res)
	if res.Created {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}

// settleClaim stores the result of a submit under its idempotency key, or
// releases the key when nothing was stored.
func (s *server) settleClaim(userID, key string, status int, stored any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := s.logger.WithField("user", userID).WithField("idempotencyKey", key)
	if res, ok := stored.(upsert.Result); ok && status < http.StatusBadRequest {
		if err := s.deduper.Complete(ctx, userID, key, res); err != nil {
			entry.WithError(err).Error("failed to record submit result")
		}
		return
	}
	if err := s.deduper.Release(ctx, userID, key); err != nil {
		entry.WithError(err).Error("failed to release idempotency key")
	}
}

func (s *server) submitError(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: verr.Code})
	case errors.Is(err, domain.ErrSubmitInProgress):
		return c.JSON(http.StatusConflict, errorResponse{Error: "submitInProgress"})
	case errors.Is(err, domain.ErrMemoNotFound), errors.Is(err, domain.ErrMemoNotLoaded):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "memoNotFound"})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "timeout"})
	}
	s.logger.WithError(err).Error("submit failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "saveFailed"})
}
