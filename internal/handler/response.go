package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ohq/internal/middleware"
	"github.com/hitoshi/ohq/internal/model"
)

// maxRequestBodyBytes は管理APIのリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvへデコードする。不正なボディはInvalidRequestとして書き込み、falseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Request body must be a valid JSON object."))
		return false
	}
	return true
}

// queueIDParam はURLのキューIDを読む。正の整数でなければ404を書き込み、falseを返す。
func queueIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewQueueNotFoundError(0))
		return 0, false
	}
	return id, true
}

// principal はPrincipalミドルウェアが注入した接続者を返す。存在しなければ401を書き込む。
func principal(w http.ResponseWriter, r *http.Request) (*model.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return nil, false
	}
	return p, true
}

// handleServiceError はサービス層から返されたエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthRequired:
		return http.StatusUnauthorized
	case model.ErrCodeAccountMissing, model.ErrCodeForbidden, model.ErrCodeAdminRequired, model.ErrCodeCSRFFailed:
		return http.StatusForbidden
	case model.ErrCodeQueueNotFound, model.ErrCodeEntryNotFound, model.ErrCodeAccountNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidJSON, model.ErrCodeInvalidAction, model.ErrCodeMissingField,
		model.ErrCodeEmptyText, model.ErrCodeInvalidSort, model.ErrCodeInvalidCourseNumber,
		model.ErrCodeInvalidQueue, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeQueueClosed, model.ErrCodeAlreadyOnQueue, model.ErrCodeNotOnQueue:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
