package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"memo-sync/domain"
)

const heartbeatInterval = 30 * time.Second

type memoEvent struct {
	Memo  *domain.Memo `json:"memo"`
	Error string       `json:"error,omitempty"`
}

type foldersEvent struct {
	Folders []domain.Folder `json:"folders"`
	Error   string          `json:"error,omitempty"`
}

// streamMemo pushes the memo on every change until the client leaves.
// Memos owned by someone else are reported as missing.
func (s *server) streamMemo(c echo.Context) error {
	userID, err := s.streamUser(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	events := make(chan memoEvent, 1)
	sub, err := s.store.WatchMemo(ctx, id, func(ms domain.MemoSnapshot) {
		ev := memoEvent{Memo: ms.Memo}
		if ev.Memo != nil && ev.Memo.CreatedUser != userID {
			ev.Memo = nil
		}
		if ms.Err != nil {
			s.logger.WithError(ms.Err).WithField("memo", id).Error("memo stream failed")
			ev.Error = "unavailable"
		}
		offerLatest(events, ev)
	})
	if err != nil {
		if errors.Is(err, domain.ErrMemoNotFound) {
			return c.String(http.StatusNotFound, "memo not found")
		}
		s.logger.WithError(err).WithField("memo", id).Error("failed to subscribe to memo")
		return c.String(http.StatusInternalServerError, "stream unavailable")
	}
	defer sub.Close()
	return pump(c, events)
}

// streamFolders pushes the caller's folder list, newest first, on every
// change.
func (s *server) streamFolders(c echo.Context) error {
	userID, err := s.streamUser(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()

	events := make(chan foldersEvent, 1)
	sub, err := s.folders.Watch(ctx, domain.Identity{UserID: userID}, func(fs domain.FolderSnapshot) {
		ev := foldersEvent{Folders: fs.Folders}
		if fs.Err != nil {
			ev.Error = "fetchFailed"
		}
		offerLatest(events, ev)
	})
	// On failure the empty list and its error are already queued.
	if err == nil {
		defer sub.Close()
	}
	return pump(c, events)
}

// streamUser accepts the bearer token from the header or, for EventSource
// clients, from the token query parameter.
func (s *server) streamUser(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	return s.auth.UserIDFromAuthHeader(authHeader)
}

func pump[T any](c echo.Context, events <-chan T) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			data, err := sonic.Marshal(ev)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// offerLatest replaces any undelivered value so a slow client only ever
// receives the newest snapshot.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
