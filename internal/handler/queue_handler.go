package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// QueueServiceInterface はキューと管理APIのハンドラーが必要とするサービスインターフェース。
// queue.Serviceが実装する。
type QueueServiceInterface interface {
	ViewQueue(ctx context.Context, p *model.Principal, queueID int64) (*queue.QueueDetail, error)
	CreateQueue(ctx context.Context, p *model.Principal, in queue.QueueInput) (*model.Queue, error)
	UpdateQueue(ctx context.Context, p *model.Principal, queueID int64, in queue.QueueUpdate) (*model.Queue, error)
	DeleteQueue(ctx context.Context, p *model.Principal, queueID int64) error
	ManageStaff(ctx context.Context, p *model.Principal, queueID, accountID int64, action queue.MembershipAction) error
	ManageStudent(ctx context.Context, p *model.Principal, queueID, accountID int64, action queue.MembershipAction) error
	Members(ctx context.Context, p *model.Principal, queueID int64) (staff, students []*model.Account, err error)
	SearchStaffCandidates(ctx context.Context, p *model.Principal, queueID int64, query string) ([]*model.Account, error)
	SetAdmin(ctx context.Context, p *model.Principal, accountID int64, action queue.MembershipAction) error
	ListAdmins(ctx context.Context, p *model.Principal) ([]*model.Account, error)
	SearchAdminCandidates(ctx context.Context, p *model.Principal, query string) ([]*model.Account, error)
}

// QueueHandler はキュー詳細と管理用REST APIのハンドラー。
// 書き込みはサービス層がコミット後に変更を通知し、接続中のルームへ反映される。
type QueueHandler struct {
	service QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface) *QueueHandler {
	return &QueueHandler{service: service}
}

type queueResponse struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Number               string    `json:"number"`
	Description          string    `json:"description"`
	IsPublic             bool      `json:"isPublic"`
	IsOpen               bool      `json:"status"`
	FreezeTimeoutSeconds int       `json:"freezeTimeoutSeconds"`
	CreatedAt            time.Time `json:"createdAt"`
}

type queueDetailResponse struct {
	queueResponse
	IsStaff bool `json:"is_staff"`
	IsAdmin bool `json:"is_admin"`
}

type accountResponse struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

type createQueueRequest struct {
	Name                 string `json:"name"`
	Number               string `json:"number"`
	Description          string `json:"description"`
	IsPublic             bool   `json:"isPublic"`
	FreezeTimeoutSeconds *int   `json:"freezeTimeoutSeconds"`
}

type updateQueueRequest struct {
	Name                 *string `json:"name"`
	Number               *string `json:"number"`
	Description          *string `json:"description"`
	IsPublic             *bool   `json:"isPublic"`
	IsOpen               *bool   `json:"status"`
	FreezeTimeoutSeconds *int    `json:"freezeTimeoutSeconds"`
}

// membershipRequest はスタッフ・学生・管理者の追加削除リクエスト。
type membershipRequest struct {
	Action    string `json:"action"`
	AccountID int64  `json:"account_id"`
}

func toQueueResponse(q *model.Queue) queueResponse {
	return queueResponse{
		ID:                   q.ID,
		Name:                 q.Name,
		Number:               q.DisplayNumber(),
		Description:          q.Description,
		IsPublic:             q.IsPublic,
		IsOpen:               q.IsOpen,
		FreezeTimeoutSeconds: q.FreezeTimeoutSeconds,
		CreatedAt:            q.CreatedAt,
	}
}

func toAccountResponses(accounts []*model.Account) []accountResponse {
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{ID: a.ID, Nickname: a.Nickname, Email: a.Email, IsAdmin: a.IsAdmin})
	}
	return out
}

// GetQueue はキューの詳細を返し、閲覧履歴を更新する。
// GET /api/queues/{id}
func (h *QueueHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	detail, err := h.service.ViewQueue(r.Context(), p, queueID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queueDetailResponse{
		queueResponse: toQueueResponse(&detail.Queue),
		IsStaff:       detail.IsStaff,
		IsAdmin:       detail.IsAdmin,
	})
}

// CreateQueue はキューを作成する。
// POST /api/queues
func (h *QueueHandler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	q, err := h.service.CreateQueue(r.Context(), p, queue.QueueInput{
		Name:                 req.Name,
		CourseNumber:         req.Number,
		Description:          req.Description,
		IsPublic:             req.IsPublic,
		FreezeTimeoutSeconds: req.FreezeTimeoutSeconds,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toQueueResponse(q))
}

// UpdateQueue はキュー設定を部分更新する。
// PATCH /api/queues/{id}
func (h *QueueHandler) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}
	var req updateQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	q, err := h.service.UpdateQueue(r.Context(), p, queueID, queue.QueueUpdate{
		Name:                 req.Name,
		CourseNumber:         req.Number,
		Description:          req.Description,
		IsPublic:             req.IsPublic,
		IsOpen:               req.IsOpen,
		FreezeTimeoutSeconds: req.FreezeTimeoutSeconds,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueResponse(q))
}

// DeleteQueue はキューを削除する。接続中のセッションにはqueue-deletedが届く。
// DELETE /api/queues/{id}
func (h *QueueHandler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteQueue(r.Context(), p, queueID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Members はキューのスタッフと許可学生の一覧を返す。
// GET /api/queues/{id}/members
func (h *QueueHandler) Members(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	staff, students, err := h.service.Members(r.Context(), p, queueID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]accountResponse{
		"staff":    toAccountResponses(staff),
		"students": toAccountResponses(students),
	})
}

// ManageStaff はスタッフを追加または削除する。
// POST /api/queues/{id}/staff
func (h *QueueHandler) ManageStaff(w http.ResponseWriter, r *http.Request) {
	h.manageMembership(w, r, h.service.ManageStaff)
}

// ManageStudents は許可学生を追加または削除する。削除された学生のエントリも取り除かれる。
// POST /api/queues/{id}/students
func (h *QueueHandler) ManageStudents(w http.ResponseWriter, r *http.Request) {
	h.manageMembership(w, r, h.service.ManageStudent)
}

type membershipFunc func(ctx context.Context, p *model.Principal, queueID, accountID int64, action queue.MembershipAction) error

func (h *QueueHandler) manageMembership(w http.ResponseWriter, r *http.Request, apply membershipFunc) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}
	action, accountID, ok := decodeMembership(w, r)
	if !ok {
		return
	}

	if err := apply(r.Context(), p, queueID, accountID, action); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeMembership(w http.ResponseWriter, r *http.Request) (queue.MembershipAction, int64, bool) {
	var req membershipRequest
	if !decodeJSON(w, r, &req) {
		return "", 0, false
	}
	action, err := queue.ParseMembershipAction(req.Action)
	if err != nil {
		handleServiceError(w, err)
		return "", 0, false
	}
	if req.AccountID <= 0 {
		handleServiceError(w, model.NewMissingFieldError("account_id"))
		return "", 0, false
	}
	return action, req.AccountID, true
}

// SearchStaffCandidates はまだスタッフでないアカウントを検索する。
// GET /api/queues/{id}/accounts/search?q=
func (h *QueueHandler) SearchStaffCandidates(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	queueID, ok := queueIDParam(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.SearchStaffCandidates(r.Context(), p, queueID, r.URL.Query().Get("q"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponses(accounts))
}

// ListAdmins はサイト管理者の一覧を返す。
// GET /api/admins
func (h *QueueHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	admins, err := h.service.ListAdmins(r.Context(), p)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponses(admins))
}

// ManageAdmins はサイト管理者フラグを付与または解除する。
// POST /api/admins
func (h *QueueHandler) ManageAdmins(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	action, accountID, ok := decodeMembership(w, r)
	if !ok {
		return
	}
	if err := h.service.SetAdmin(r.Context(), p, accountID, action); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchAdminCandidates はサイト管理者でないアカウントを検索する。
// GET /api/accounts/search?q=
func (h *QueueHandler) SearchAdminCandidates(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.SearchAdminCandidates(r.Context(), p, r.URL.Query().Get("q"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponses(accounts))
}

// compile-time interface check
var _ QueueServiceInterface = (*queue.Service)(nil)
