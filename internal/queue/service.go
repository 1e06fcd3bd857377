// Package queue はキューとエントリの状態遷移、権限判定、一覧・検索のドメインロジックを提供する。
// すべての変更はコミット後にevent.Notifierへ通知される。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/repository"
	"github.com/hitoshi/ohq/internal/security"
)

// Snapshot はキュールームへ配信する状態一式。
type Snapshot struct {
	Queue   model.Queue
	Entries []model.EntryView
	// Reverted はこのスナップショットの作成時に自動解除したエントリ数。
	Reverted int
}

// Service はキューのサービス層。
type Service struct {
	queues    repository.QueueRepository
	entries   repository.EntryRepository
	accounts  repository.AccountRepository
	history   repository.HistoryRepository
	notifier  event.Notifier
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	queues repository.QueueRepository,
	entries repository.EntryRepository,
	accounts repository.AccountRepository,
	history repository.HistoryRepository,
	notifier event.Notifier,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		queues:    queues,
		entries:   entries,
		accounts:  accounts,
		history:   history,
		notifier:  notifier,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) notify(ctx context.Context, ev event.Event) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, ev)
	}
}

// FindQueue はキューを取得する。存在しなければQueueNotFoundを返す。
func (s *Service) FindQueue(ctx context.Context, queueID int64) (*model.Queue, error) {
	q, err := s.queues.FindByID(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("キューの取得に失敗しました: %w", err)
	}
	if q == nil {
		return nil, model.NewQueueNotFoundError(queueID)
	}
	return q, nil
}

// IsStaff はアカウントがキューのスタッフ操作を行えるかを返す。
// サイト管理者フラグを持つアカウントは全キューのスタッフとして扱う。
func (s *Service) IsStaff(ctx context.Context, account *model.Account, queueID int64) (bool, error) {
	if account == nil {
		return false, nil
	}
	if account.IsAdmin {
		return true, nil
	}
	ok, err := s.queues.IsStaff(ctx, queueID, account.ID)
	if err != nil {
		return false, fmt.Errorf("スタッフ判定に失敗しました: %w", err)
	}
	return ok, nil
}

// Entitlement はキューに対する閲覧者の権限。
type Entitlement struct {
	// CanView は非公開キューでも閲覧・参加できるか。
	CanView bool
	// IsStaff はスーパーユーザーを含むスタッフ表示用のフラグ。
	IsStaff bool
}

// Entitlement は閲覧者のキューに対する権限を判定する。
// 公開キューは誰でも閲覧できる。非公開キューはスタッフ・許可学生・管理者のみ。
func (s *Service) Entitlement(ctx context.Context, p *model.Principal, q *model.Queue) (Entitlement, error) {
	if p == nil || p.Account == nil {
		return Entitlement{}, nil
	}
	isStaff, err := s.IsStaff(ctx, p.Account, q.ID)
	if err != nil {
		return Entitlement{}, err
	}
	if p.Identity != nil && p.Identity.IsSuperuser {
		isStaff = true
	}
	if q.IsPublic || isStaff {
		return Entitlement{CanView: true, IsStaff: isStaff}, nil
	}

	isStudent, err := s.queues.IsStudent(ctx, q.ID, p.Account.ID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("許可学生判定に失敗しました: %w", err)
	}
	return Entitlement{CanView: isStudent}, nil
}

// requireStaff はスタッフでなければForbiddenを返す。
func (s *Service) requireStaff(ctx context.Context, account *model.Account, queueID int64, what string) error {
	ok, err := s.IsStaff(ctx, account, queueID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewForbiddenError(what)
	}
	return nil
}

// Snapshot は凍結の自動解除を適用した上でキューの状態を返す。
// 自動解除はDB上の条件付き一括更新で行い、判定後に再凍結されたエントリは戻さない。
func (s *Service) Snapshot(ctx context.Context, queueID int64) (*Snapshot, error) {
	q, err := s.FindQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	views, err := s.entries.ListViewsByQueue(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("エントリ一覧の取得に失敗しました: %w", err)
	}

	snap := &Snapshot{Queue: *q, Entries: views}

	timeout := time.Duration(q.FreezeTimeoutSeconds) * time.Second
	now := s.now()
	due := DueForUnfreeze(now, views, timeout)
	if len(due) == 0 {
		return snap, nil
	}

	reverted, err := s.entries.UnfreezeExpired(ctx, queueID, due, now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("凍結の自動解除に失敗しました: %w", err)
	}
	applyUnfrozen(snap.Entries, reverted)
	snap.Reverted = len(reverted)

	if len(reverted) > 0 {
		s.notify(ctx, event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryUpdated})
	}
	return snap, nil
}

// AskQuestion は学生をキューに追加する。
func (s *Service) AskQuestion(ctx context.Context, account *model.Account, queueID int64, text string) error {
	question := s.sanitizer.Sanitize(text)
	if question == "" {
		return model.NewEmptyTextError("Question text cannot be empty.")
	}

	q, err := s.FindQueue(ctx, queueID)
	if err != nil {
		return err
	}
	if !q.IsOpen {
		return model.NewQueueClosedError()
	}

	existing, err := s.entries.FindByAccountAndQueue(ctx, account.ID, queueID)
	if err != nil {
		return fmt.Errorf("エントリの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return model.NewAlreadyOnQueueError()
	}

	entry := &model.Entry{
		QueueID:   queueID,
		AccountID: account.ID,
		Question:  question,
		Status:    model.EntryStatusWaiting,
		JoinTime:  s.now(),
	}
	if err := s.entries.Create(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return model.NewAlreadyOnQueueError()
		}
		return fmt.Errorf("エントリの作成に失敗しました: %w", err)
	}

	s.notify(ctx, event.Event{
		Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entry.ID, AccountID: account.ID, Op: event.EntryCreated,
	})
	return nil
}

// Leave は自分のエントリを削除する。エントリがなくてもエラーにしない。
func (s *Service) Leave(ctx context.Context, account *model.Account, queueID int64) error {
	deleted, err := s.entries.DeleteByAccountAndQueue(ctx, account.ID, queueID)
	if err != nil {
		return fmt.Errorf("エントリの削除に失敗しました: %w", err)
	}
	if deleted {
		s.notify(ctx, event.Event{
			Kind: event.KindEntryChanged, QueueID: queueID, AccountID: account.ID, Op: event.EntryDeleted,
		})
	}
	return nil
}

// Unfreeze は凍結中の自分のエントリを待機中に戻す。
// 凍結中でなければ何もせずfalseを返す。
func (s *Service) Unfreeze(ctx context.Context, account *model.Account, queueID int64) (bool, error) {
	entry, err := s.entries.FindByAccountAndQueue(ctx, account.ID, queueID)
	if err != nil {
		return false, fmt.Errorf("エントリの取得に失敗しました: %w", err)
	}
	if entry == nil {
		return false, model.NewNotOnQueueError()
	}
	if entry.Status != model.EntryStatusFrozen {
		return false, nil
	}

	changed, err := s.entries.UnfreezeOwn(ctx, account.ID, queueID)
	if err != nil {
		return false, fmt.Errorf("凍結解除に失敗しました: %w", err)
	}
	if changed {
		s.notify(ctx, event.Event{
			Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entry.ID, AccountID: account.ID, Op: event.EntryUpdated,
		})
	}
	return changed, nil
}

// Freeze はスタッフがエントリを凍結する。
func (s *Service) Freeze(ctx context.Context, account *model.Account, queueID, entryID int64) error {
	if err := s.requireStaff(ctx, account, queueID, "perform this action"); err != nil {
		return err
	}
	ok, err := s.entries.MarkFrozen(ctx, entryID, queueID, s.now())
	if err != nil {
		return fmt.Errorf("エントリの凍結に失敗しました: %w", err)
	}
	if !ok {
		return model.NewEntryNotFoundError()
	}
	s.notify(ctx, event.Event{Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entryID, Op: event.EntryUpdated})
	return nil
}

// Help はスタッフがエントリを対応中にする。
func (s *Service) Help(ctx context.Context, account *model.Account, queueID, entryID int64) error {
	if err := s.requireStaff(ctx, account, queueID, "perform this action"); err != nil {
		return err
	}
	ok, err := s.entries.MarkHelping(ctx, entryID, queueID, account.ID)
	if err != nil {
		return fmt.Errorf("エントリの更新に失敗しました: %w", err)
	}
	if !ok {
		return model.NewEntryNotFoundError()
	}
	s.notify(ctx, event.Event{Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entryID, Op: event.EntryUpdated})
	return nil
}

// FinishHelp はスタッフが対応を終えたエントリを削除する。
func (s *Service) FinishHelp(ctx context.Context, account *model.Account, queueID, entryID int64) error {
	if err := s.requireStaff(ctx, account, queueID, "perform this action"); err != nil {
		return err
	}
	ok, err := s.entries.DeleteByIDAndQueue(ctx, entryID, queueID)
	if err != nil {
		return fmt.Errorf("エントリの削除に失敗しました: %w", err)
	}
	if !ok {
		return model.NewEntryNotFoundError()
	}
	s.notify(ctx, event.Event{Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entryID, Op: event.EntryDeleted})
	return nil
}

// ToggleOpen はキューの受付状態を反転し、更新後のキューを返す。
func (s *Service) ToggleOpen(ctx context.Context, account *model.Account, queueID int64) (*model.Queue, error) {
	if err := s.requireStaff(ctx, account, queueID, "toggle this queue"); err != nil {
		return nil, err
	}
	q, err := s.queues.ToggleOpen(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("受付状態の更新に失敗しました: %w", err)
	}
	if q == nil {
		return nil, model.NewQueueNotFoundError(queueID)
	}
	s.notify(ctx, event.Event{Kind: event.KindQueueUpdated, QueueID: queueID, IsOpen: event.Bool(q.IsOpen)})
	return q, nil
}

// FreezeAll は待機中の全エントリを凍結する。freeze_timeを設定しないため自動解除されない。
func (s *Service) FreezeAll(ctx context.Context, account *model.Account, queueID int64) (int64, error) {
	if err := s.requireStaff(ctx, account, queueID, "freeze the queue"); err != nil {
		return 0, err
	}
	n, err := s.entries.FreezeAllWaiting(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("一括凍結に失敗しました: %w", err)
	}
	if n > 0 {
		s.notify(ctx, event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryUpdated})
	}
	return n, nil
}

// Announcement はスタッフのお知らせ本文を検証し、配信用にサニタイズした文字列を返す。
// お知らせは永続化しない。
func (s *Service) Announcement(ctx context.Context, account *model.Account, queueID int64, text string) (string, error) {
	if err := s.requireStaff(ctx, account, queueID, "send an announcement"); err != nil {
		return "", err
	}
	message := s.sanitizer.Sanitize(text)
	if message == "" {
		return "", model.NewEmptyTextError("Announcement text cannot be empty.")
	}
	return message, nil
}

// QueueDetail はキュー詳細ページ向けの情報。
type QueueDetail struct {
	Queue   model.Queue
	IsStaff bool
	IsAdmin bool
}

// ViewQueue はキューの詳細を返し、閲覧履歴を更新する。
// 閲覧権限のない非公開キューはViewForbiddenを返す。
func (s *Service) ViewQueue(ctx context.Context, p *model.Principal, queueID int64) (*QueueDetail, error) {
	q, err := s.FindQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	ent, err := s.Entitlement(ctx, p, q)
	if err != nil {
		return nil, err
	}
	if !ent.CanView {
		return nil, model.NewViewForbiddenError()
	}

	if err := s.history.Touch(ctx, p.Account.ID, queueID, s.now()); err != nil {
		return nil, fmt.Errorf("閲覧履歴の更新に失敗しました: %w", err)
	}

	return &QueueDetail{Queue: *q, IsStaff: ent.IsStaff, IsAdmin: p.IsSiteAdmin()}, nil
}
