package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/ohq/internal/model"
)

// Authenticator はWebSocketのハンドシェイク要求から接続者を特定する。
// 未ログインならAuthRequired、アカウントがなければAccountMissingのAPIErrorを返す。
type Authenticator interface {
	Authenticate(r *http.Request) (*model.Principal, error)
}

// Handler はWebSocketのエンドポイントを提供する。
type Handler struct {
	supervisor *Supervisor
	auth       Authenticator
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandler はHandlerを生成する。checkOriginがnilの場合は同一オリジンのみ許可する。
func NewHandler(supervisor *Supervisor, auth Authenticator, checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Handler {
	return &Handler{
		supervisor: supervisor,
		auth:       auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// Routes はWebSocketのルーティングを登録する。
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/queue/{id}", h.ServeQueue)
	r.Get("/ws/queue-list", h.ServeQueueList)
}

// ServeQueue はキュールームへの接続を受け付ける。
func (h *Handler) ServeQueue(w http.ResponseWriter, r *http.Request) {
	queueID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || queueID <= 0 {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p, ok := h.authenticate(conn, r)
	if !ok {
		return
	}

	opts := h.supervisor.deps.opts
	ctx, cancel := context.WithTimeout(r.Context(), opts.ActionTimeout)
	_, err = h.supervisor.deps.svc.FindQueue(ctx, queueID)
	cancel()
	if err != nil {
		h.reject(conn, h.toAPIError(err, "failed to find queue"))
		return
	}

	client := newClient(conn, p, opts, h.logger)
	room, err := h.supervisor.JoinQueue(queueID, client)
	if err != nil {
		h.closeGoingAway(conn)
		return
	}

	go client.writePump()
	client.readPump(room)
}

// ServeQueueList はキュー一覧ルームへの接続を受け付ける。
func (h *Handler) ServeQueueList(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p, ok := h.authenticate(conn, r)
	if !ok {
		return
	}

	client := newClient(conn, p, h.supervisor.deps.opts, h.logger)
	room, err := h.supervisor.JoinList(client)
	if err != nil {
		h.closeGoingAway(conn)
		return
	}

	go client.writePump()
	client.readPump(room)
}

func (h *Handler) authenticate(conn *websocket.Conn, r *http.Request) (*model.Principal, bool) {
	p, err := h.auth.Authenticate(r)
	if err != nil {
		h.reject(conn, h.toAPIError(err, "failed to authenticate websocket"))
		return nil, false
	}
	return p, true
}

func (h *Handler) toAPIError(err error, msg string) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	return model.NewInternalError()
}

// reject はエラーを1件送って接続を閉じる。
func (h *Handler) reject(conn *websocket.Conn, apiErr *model.APIError) {
	h.supervisor.deps.metrics.RecordAction("connect", "rejected")
	deadline := time.Now().Add(h.supervisor.deps.opts.WriteWait)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, encodeError(apiErr)); err == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, apiErr.Code), deadline)
	}
	conn.Close()
}

func (h *Handler) closeGoingAway(conn *websocket.Conn) {
	deadline := time.Now().Add(h.supervisor.deps.opts.WriteWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	conn.Close()
}
