// Package event はコミット済みの変更をリアルタイムのルームへ届ける変更通知を提供する。
// 変更を行ったサービス層がコミット直後に1つの型付きイベントを発行し、購読者へ同期的に配送する。
package event

import "context"

// Kind はイベント種別。
type Kind string

const (
	// KindAccountChanged はアカウントの作成・プロフィール更新・管理者フラグ変更。
	KindAccountChanged Kind = "account_changed"
	// KindQueueCreated はキューの作成。
	KindQueueCreated Kind = "queue_created"
	// KindQueueUpdated はキュー設定（開閉・公開範囲など）の変更。
	KindQueueUpdated Kind = "queue_updated"
	// KindQueueMembershipChanged はスタッフ・許可学生の追加削除。
	KindQueueMembershipChanged Kind = "queue_membership_changed"
	// KindQueueDeleted はキューの削除。
	KindQueueDeleted Kind = "queue_deleted"
	// KindEntryChanged はエントリの作成・更新・削除。
	KindEntryChanged Kind = "entry_changed"
)

// EntryOp はエントリに対する操作。
type EntryOp string

const (
	EntryCreated EntryOp = "created"
	EntryUpdated EntryOp = "updated"
	EntryDeleted EntryOp = "deleted"
)

// Event はコミット済みの変更1件を表す。Redis経由で別プロセスへ中継できるようJSONで表現する。
type Event struct {
	Kind      Kind    `json:"kind"`
	QueueID   int64   `json:"queue_id,omitempty"`
	EntryID   int64   `json:"entry_id,omitempty"`
	AccountID int64   `json:"account_id,omitempty"`
	Op        EntryOp `json:"op,omitempty"`

	// KindQueueUpdated で変化したフィールドのみ設定される。
	IsOpen   *bool `json:"is_open,omitempty"`
	IsPublic *bool `json:"is_public,omitempty"`

	// Origin は発行したプロセスのID。Redis中継時のログ用。
	Origin string `json:"origin,omitempty"`
}

// Notifier はコミット後に変更を通知するインターフェース。
// 通知は失敗してもコミット済みの変更を取り消さない。
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Handler はイベントを受け取る購読者。HandleEventはブロックしてはならない。
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc は関数をHandlerとして扱うためのアダプタ。
type HandlerFunc func(ev Event)

// HandleEvent はf(ev)を呼び出す。
func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// Bool はbool値のポインタを返す。
func Bool(v bool) *bool {
	return &v
}
