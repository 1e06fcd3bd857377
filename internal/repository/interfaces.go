// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/ohq/internal/model"
)

// ErrDuplicate はユニーク制約違反で作成できなかったことを表す。
var ErrDuplicate = errors.New("duplicate record")

// IdentityRepository は外部IdPユーザー情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Identity, error)

	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create はidentityを作成し、採番されたIDを設定する。
	Create(ctx context.Context, identity *model.Identity) error

	// UpdateProfile はIdP側のメールアドレスと表示名を反映する。
	UpdateProfile(ctx context.Context, id int64, email, name string) error
}

// AccountRepository はアカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Account, error)

	// FindByIdentityID はidentityに紐づくアカウントを取得する。見つからない場合はnilを返す。
	FindByIdentityID(ctx context.Context, identityID int64) (*model.Account, error)

	// Create はアカウントを作成し、採番されたIDを設定する。
	// 同じidentityのアカウントが既に存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, account *model.Account) error

	// UpdateProfile はメールアドレスとニックネームを更新する。
	UpdateProfile(ctx context.Context, id int64, email, nickname string) error

	// SetAdmin はサイト管理者フラグを更新する。対象が存在しない場合はfalseを返す。
	SetAdmin(ctx context.Context, id int64, isAdmin bool) (bool, error)

	// Search はニックネームまたはメールアドレスに部分一致するアカウントを返す。
	// excludeStaffOf が0でなければ、そのキューのスタッフを除外する。
	Search(ctx context.Context, query string, excludeStaffOf int64, limit int) ([]*model.Account, error)

	// SearchNonAdmins はサイト管理者でないアカウントから部分一致するものを返す。
	SearchNonAdmins(ctx context.Context, query string, limit int) ([]*model.Account, error)

	// ListAdmins はサイト管理者の一覧を返す。
	ListAdmins(ctx context.Context) ([]*model.Account, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// QueueRepository はキュー定義とメンバー構成の永続化インターフェース。
type QueueRepository interface {
	// FindByID は指定IDのキューを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Queue, error)

	// ListWithAccess は全キューを、指定アカウントのスタッフ・学生・ピン留め状態と結合して返す。
	ListWithAccess(ctx context.Context, accountID int64) ([]model.QueueAccess, error)

	// Create はキューを作成し、creatorIDをスタッフとして同一トランザクションで登録する。
	Create(ctx context.Context, queue *model.Queue, creatorID int64) error

	// Update はキューの設定項目を更新する。対象が存在しない場合はfalseを返す。
	Update(ctx context.Context, queue *model.Queue) (bool, error)

	// ToggleOpen はis_openを反転し、更新後のキューを返す。見つからない場合はnilを返す。
	ToggleOpen(ctx context.Context, id int64) (*model.Queue, error)

	// Delete はキューを削除する。エントリ・メンバー・履歴はCASCADE削除される。
	// 対象が存在しない場合はfalseを返す。
	Delete(ctx context.Context, id int64) (bool, error)

	// IsStaff はアカウントがキューのスタッフとして登録されているかを返す。
	IsStaff(ctx context.Context, queueID, accountID int64) (bool, error)

	// IsStudent はアカウントがキューの許可学生として登録されているかを返す。
	IsStudent(ctx context.Context, queueID, accountID int64) (bool, error)

	// AddStaff はスタッフを追加する。既に登録済みの場合は何もしない。
	AddStaff(ctx context.Context, queueID, accountID int64) error
	// RemoveStaff はスタッフを削除する。
	RemoveStaff(ctx context.Context, queueID, accountID int64) error
	// AddStudent は許可学生を追加する。既に登録済みの場合は何もしない。
	AddStudent(ctx context.Context, queueID, accountID int64) error
	// RemoveStudent は許可学生を削除する。
	RemoveStudent(ctx context.Context, queueID, accountID int64) error

	// ListStaff はスタッフ一覧をニックネーム順で返す。
	ListStaff(ctx context.Context, queueID int64) ([]*model.Account, error)
	// ListStudents は許可学生一覧をニックネーム順で返す。
	ListStudents(ctx context.Context, queueID int64) ([]*model.Account, error)

	// TogglePin はピン留め状態を反転し、反転後にピン留めされているかを返す。
	TogglePin(ctx context.Context, queueID, accountID int64) (bool, error)
}

// EntryRepository はキューエントリの永続化インターフェース。
// 状態遷移はすべて1行または条件付き一括のUPDATEで行い、アプリケーション側のロックは使わない。
type EntryRepository interface {
	// Create はエントリを作成する。(account, queue) が既に存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, entry *model.Entry) error

	// FindByAccountAndQueue はアカウントとキューでエントリを検索する。見つからない場合はnilを返す。
	FindByAccountAndQueue(ctx context.Context, accountID, queueID int64) (*model.Entry, error)

	// ListViewsByQueue はキューの全エントリをjoin_time昇順で、ニックネームと結合して返す。
	ListViewsByQueue(ctx context.Context, queueID int64) ([]model.EntryView, error)

	// DeleteByAccountAndQueue はアカウントのエントリを削除する。削除した場合はtrueを返す。
	DeleteByAccountAndQueue(ctx context.Context, accountID, queueID int64) (bool, error)

	// DeleteByIDAndQueue はキュー内の指定エントリを削除する。削除した場合はtrueを返す。
	DeleteByIDAndQueue(ctx context.Context, id, queueID int64) (bool, error)

	// MarkHelping はエントリを対応中にする。キュー内に存在しない場合はfalseを返す。
	MarkHelping(ctx context.Context, id, queueID, staffID int64) (bool, error)

	// MarkFrozen はエントリを凍結し、freeze_timeにatを記録する。キュー内に存在しない場合はfalseを返す。
	MarkFrozen(ctx context.Context, id, queueID int64, at time.Time) (bool, error)

	// UnfreezeOwn は凍結中の自分のエントリを待機中に戻す。凍結中でなければfalseを返す。
	UnfreezeOwn(ctx context.Context, accountID, queueID int64) (bool, error)

	// FreezeAllWaiting は待機中の全エントリをfreeze_timeなしで凍結し、件数を返す。
	FreezeAllWaiting(ctx context.Context, queueID int64) (int64, error)

	// UnfreezeExpired は指定エントリのうち、cutoff以前に凍結されたものを待機中に戻す。
	// 実際に戻したエントリIDを返す。
	UnfreezeExpired(ctx context.Context, queueID int64, ids []int64, cutoff time.Time) ([]int64, error)
}

// HistoryRepository はキュー閲覧履歴の永続化インターフェース。
type HistoryRepository interface {
	// Touch は (account, queue) の最終閲覧時刻をUPSERTする。
	Touch(ctx context.Context, accountID, queueID int64, at time.Time) error

	// ListRecentQueueIDs はアカウントが閲覧したキューIDを新しい順に返す。
	ListRecentQueueIDs(ctx context.Context, accountID int64) ([]int64, error)

	// DeleteOlderThan はcutoffより古い履歴を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
