// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// WebSocketでは Message が {"error": ...} としてクライアントに送られる。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, queue, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthRequired        = "AUTH_REQUIRED"
	ErrCodeAccountMissing      = "ACCOUNT_MISSING"
	ErrCodeQueueNotFound       = "QUEUE_NOT_FOUND"
	ErrCodeEntryNotFound       = "ENTRY_NOT_FOUND"
	ErrCodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeAdminRequired       = "ADMIN_REQUIRED"
	ErrCodeInvalidJSON         = "INVALID_JSON"
	ErrCodeInvalidAction       = "INVALID_ACTION"
	ErrCodeMissingField        = "MISSING_FIELD"
	ErrCodeEmptyText           = "EMPTY_TEXT"
	ErrCodeQueueClosed         = "QUEUE_CLOSED"
	ErrCodeAlreadyOnQueue      = "ALREADY_ON_QUEUE"
	ErrCodeNotOnQueue          = "NOT_ON_QUEUE"
	ErrCodeInvalidSort         = "INVALID_SORT"
	ErrCodeInvalidCourseNumber = "INVALID_COURSE_NUMBER"
	ErrCodeInvalidQueue        = "INVALID_QUEUE"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeCSRFFailed          = "CSRF_FAILED"
)

// IsFatalOnConnect は接続時に発生した場合に接続を閉じるべきエラーかを返す。
func IsFatalOnConnect(err *APIError) bool {
	switch err.Code {
	case ErrCodeAuthRequired, ErrCodeAccountMissing, ErrCodeQueueNotFound:
		return true
	}
	return false
}

// NewAuthRequiredError は未ログインエラーを生成する。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "You must be logged in",
		Category: "auth",
		Action:   "Sign in and reload the page.",
	}
}

// NewAccountMissingError はIdentityに対応するAccountが存在しない場合のエラーを生成する。
func NewAccountMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountMissing,
		Message:  "Your OHQ account does not exist.",
		Category: "auth",
		Action:   "Sign out and sign in again to create your account.",
	}
}

// NewQueueNotFoundError はキュー未検出エラーを生成する。
func NewQueueNotFoundError(queueID int64) *APIError {
	return &APIError{
		Code:     ErrCodeQueueNotFound,
		Message:  fmt.Sprintf("queue %d does not exist", queueID),
		Category: "queue",
		Action:   "Go back to the queue list.",
	}
}

// NewEntryNotFoundError はキュー内にエントリが存在しない場合のエラーを生成する。
func NewEntryNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeEntryNotFound,
		Message:  "This entry does not exist in this queue.",
		Category: "queue",
		Action:   "The student may have already left the queue.",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID int64) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("account %d does not exist", accountID),
		Category: "queue",
		Action:   "Search for the account again.",
	}
}

// NewForbiddenError はスタッフ権限が必要な操作の認可エラーを生成する。
// what には "toggle this queue" のように操作内容を渡す。
func NewForbiddenError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("You are not authorized to %s; you must be queue staff.", what),
		Category: "auth",
		Action:   "Ask a course admin to add you as staff.",
	}
}

// NewViewForbiddenError は非公開キューを閲覧する権限がない場合のエラーを生成する。
func NewViewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You do not have permission to access this queue.",
		Category: "auth",
		Action:   "Go back to the queue list.",
	}
}

// NewAdminRequiredError はサイト管理者権限が必要な操作の認可エラーを生成する。
func NewAdminRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAdminRequired,
		Message:  "You must be a site admin to perform this action.",
		Category: "auth",
		Action:   "Ask a site admin for access.",
	}
}

// NewInvalidJSONError は受信メッセージがJSONとして解析できない場合のエラーを生成する。
func NewInvalidJSONError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidJSON,
		Message:  "invalid JSON sent to server",
		Category: "validation",
		Action:   "Reload the page.",
	}
}

// NewMissingActionError はactionプロパティが欠落している場合のエラーを生成する。
func NewMissingActionError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  "action property not sent in JSON",
		Category: "validation",
		Action:   "Reload the page.",
	}
}

// NewInvalidActionError は未知のactionを受信した場合のエラーを生成する。
func NewInvalidActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAction,
		Message:  fmt.Sprintf("Invalid action property: %q", action),
		Category: "validation",
		Action:   "Reload the page.",
	}
}

// NewMissingFieldError は必須プロパティが欠落している場合のエラーを生成する。
func NewMissingFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("%q property not sent in JSON", field),
		Category: "validation",
		Action:   "Reload the page.",
	}
}

// NewEmptyTextError は質問文やお知らせが空の場合のエラーを生成する。
func NewEmptyTextError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeEmptyText,
		Message:  message,
		Category: "validation",
		Action:   "Enter some text and try again.",
	}
}

// NewQueueClosedError は閉じているキューに並ぼうとした場合のエラーを生成する。
func NewQueueClosedError() *APIError {
	return &APIError{
		Code:     ErrCodeQueueClosed,
		Message:  "The queue is closed. You cannot join at this time.",
		Category: "validation",
		Action:   "Wait for the staff to open the queue.",
	}
}

// NewAlreadyOnQueueError は同じキューに二重に並ぼうとした場合のエラーを生成する。
func NewAlreadyOnQueueError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyOnQueue,
		Message:  "You are already on this queue.",
		Category: "validation",
		Action:   "Leave the queue before asking a new question.",
	}
}

// NewNotOnQueueError はキューに並んでいないのに自分のエントリを操作した場合のエラーを生成する。
func NewNotOnQueueError() *APIError {
	return &APIError{
		Code:     ErrCodeNotOnQueue,
		Message:  "You are not on this queue.",
		Category: "validation",
		Action:   "Ask a question to join the queue.",
	}
}

// NewInvalidSortError はソート種別が不正な場合のエラーを生成する。
func NewInvalidSortError(sortType string) *APIError {
	msg := "sort type not sent in JSON"
	if sortType != "" {
		msg = fmt.Sprintf("Invalid sort type: %q", sortType)
	}
	return &APIError{
		Code:     ErrCodeInvalidSort,
		Message:  msg,
		Category: "validation",
		Action:   "Use one of name, number, recent or none.",
	}
}

// NewInvalidCourseNumberError はコース番号が5桁の数字でない場合のエラーを生成する。
func NewInvalidCourseNumberError(number string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCourseNumber,
		Message:  fmt.Sprintf("Course number must be exactly 5 digits: %q", number),
		Category: "validation",
		Action:   "Enter a course number such as 15440.",
	}
}

// NewInvalidQueueError はキュー設定値が不正な場合のエラーを生成する。
func NewInvalidQueueError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQueue,
		Message:  reason,
		Category: "validation",
		Action:   "Fix the queue settings and try again.",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "Send a well-formed JSON request.",
	}
}

// NewRateLimitedError はリクエスト頻度の上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please slow down.",
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はクライアントへ返さない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred. Please try again later.",
		Category: "system",
		Action:   "Try again later.",
	}
}

// NewCSRFFailedError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRF token validation failed",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}
