package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はデータベースの疎通確認に必要なインターフェース。*sql.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RoomCounter は稼働中のキュールーム数を返す。realtime.Supervisorが実装する。
type RoomCounter interface {
	RoomCount() int
}

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Rooms    int    `json:"rooms"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// GET /health
// データベースに到達できない場合は503を返す。
func NewHealthHandler(db Pinger, rooms RoomCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Database: "ok"}
		if rooms != nil {
			resp.Rooms = rooms.RoomCount()
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			resp.Status = "unavailable"
			resp.Database = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
