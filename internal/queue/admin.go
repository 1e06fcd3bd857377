package queue

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/model"
)

const (
	maxQueueNameRunes   = 50
	maxDescriptionRunes = 500
	// AccountSearchLimit は管理画面のアカウント検索の最大件数。
	AccountSearchLimit = 10
)

// QueueInput はキュー作成時の入力。
type QueueInput struct {
	Name                 string
	CourseNumber         string
	Description          string
	IsPublic             bool
	FreezeTimeoutSeconds *int // nilの場合は既定値
}

// QueueUpdate はキュー設定の部分更新。nilのフィールドは変更しない。
type QueueUpdate struct {
	Name                 *string
	CourseNumber         *string
	Description          *string
	IsPublic             *bool
	IsOpen               *bool
	FreezeTimeoutSeconds *int
}

// MembershipAction はスタッフ・学生・管理者の追加削除操作。
type MembershipAction string

const (
	MembershipAdd    MembershipAction = "add"
	MembershipRemove MembershipAction = "remove"
)

// ParseMembershipAction は文字列をMembershipActionに変換する。
func ParseMembershipAction(s string) (MembershipAction, error) {
	switch a := MembershipAction(s); a {
	case MembershipAdd, MembershipRemove:
		return a, nil
	}
	return "", model.NewInvalidRequestError(fmt.Sprintf("invalid action %q: must be add or remove", s))
}

func requireSiteAdmin(p *model.Principal) error {
	if !p.IsSiteAdmin() {
		return model.NewAdminRequiredError()
	}
	return nil
}

// validateQueue はキュー定義の値を検証する。
func validateQueue(q *model.Queue) error {
	q.Name = strings.TrimSpace(q.Name)
	if q.Name == "" {
		return model.NewInvalidQueueError("Queue name cannot be empty.")
	}
	if utf8.RuneCountInString(q.Name) > maxQueueNameRunes {
		return model.NewInvalidQueueError(fmt.Sprintf("Queue name must be at most %d characters.", maxQueueNameRunes))
	}
	if !model.ValidCourseNumber(q.CourseNumber) {
		return model.NewInvalidCourseNumberError(q.CourseNumber)
	}
	if utf8.RuneCountInString(q.Description) > maxDescriptionRunes {
		return model.NewInvalidQueueError(fmt.Sprintf("Description must be at most %d characters.", maxDescriptionRunes))
	}
	if q.FreezeTimeoutSeconds < 0 {
		return model.NewInvalidQueueError("Freeze timeout cannot be negative.")
	}
	return nil
}

// CreateQueue はキューを作成する。作成した管理者はスタッフとして登録される。
func (s *Service) CreateQueue(ctx context.Context, p *model.Principal, in QueueInput) (*model.Queue, error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, err
	}

	q := &model.Queue{
		Name:                 in.Name,
		CourseNumber:         in.CourseNumber,
		Description:          in.Description,
		IsPublic:             in.IsPublic,
		FreezeTimeoutSeconds: model.DefaultFreezeTimeoutSeconds,
	}
	if in.FreezeTimeoutSeconds != nil {
		q.FreezeTimeoutSeconds = *in.FreezeTimeoutSeconds
	}
	if err := validateQueue(q); err != nil {
		return nil, err
	}

	if err := s.queues.Create(ctx, q, p.Account.ID); err != nil {
		return nil, fmt.Errorf("キューの作成に失敗しました: %w", err)
	}

	s.notify(ctx, event.Event{Kind: event.KindQueueCreated, QueueID: q.ID})
	return q, nil
}

// UpdateQueue はキュー設定を更新する。開閉・公開範囲が変わった場合はその値を通知に含める。
func (s *Service) UpdateQueue(ctx context.Context, p *model.Principal, queueID int64, in QueueUpdate) (*model.Queue, error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, err
	}
	current, err := s.FindQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	updated := *current
	if in.Name != nil {
		updated.Name = *in.Name
	}
	if in.CourseNumber != nil {
		updated.CourseNumber = *in.CourseNumber
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.IsPublic != nil {
		updated.IsPublic = *in.IsPublic
	}
	if in.IsOpen != nil {
		updated.IsOpen = *in.IsOpen
	}
	if in.FreezeTimeoutSeconds != nil {
		updated.FreezeTimeoutSeconds = *in.FreezeTimeoutSeconds
	}
	if err := validateQueue(&updated); err != nil {
		return nil, err
	}

	ok, err := s.queues.Update(ctx, &updated)
	if err != nil {
		return nil, fmt.Errorf("キューの更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewQueueNotFoundError(queueID)
	}

	ev := event.Event{Kind: event.KindQueueUpdated, QueueID: queueID}
	if updated.IsOpen != current.IsOpen {
		ev.IsOpen = event.Bool(updated.IsOpen)
	}
	if updated.IsPublic != current.IsPublic {
		ev.IsPublic = event.Bool(updated.IsPublic)
	}
	s.notify(ctx, ev)
	return &updated, nil
}

// DeleteQueue はキューを削除する。エントリ・メンバー・履歴も削除される。
func (s *Service) DeleteQueue(ctx context.Context, p *model.Principal, queueID int64) error {
	if err := requireSiteAdmin(p); err != nil {
		return err
	}
	ok, err := s.queues.Delete(ctx, queueID)
	if err != nil {
		return fmt.Errorf("キューの削除に失敗しました: %w", err)
	}
	if !ok {
		return model.NewQueueNotFoundError(queueID)
	}
	s.notify(ctx, event.Event{Kind: event.KindQueueDeleted, QueueID: queueID})
	return nil
}

// findAccount はアカウントを取得する。存在しなければAccountNotFoundを返す。
func (s *Service) findAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.NewAccountNotFoundError(accountID)
	}
	return a, nil
}

// ManageStaff はキューのスタッフを追加・削除する。
func (s *Service) ManageStaff(ctx context.Context, p *model.Principal, queueID, accountID int64, action MembershipAction) error {
	if err := requireSiteAdmin(p); err != nil {
		return err
	}
	if _, err := s.FindQueue(ctx, queueID); err != nil {
		return err
	}
	if _, err := s.findAccount(ctx, accountID); err != nil {
		return err
	}

	var err error
	if action == MembershipAdd {
		err = s.queues.AddStaff(ctx, queueID, accountID)
	} else {
		err = s.queues.RemoveStaff(ctx, queueID, accountID)
	}
	if err != nil {
		return fmt.Errorf("スタッフの更新に失敗しました: %w", err)
	}

	s.notify(ctx, event.Event{Kind: event.KindQueueMembershipChanged, QueueID: queueID, AccountID: accountID})
	return nil
}

// ManageStudent は非公開キューの許可学生を追加・削除する。
// 削除した学生がキューに並んでいた場合はそのエントリも削除する。
func (s *Service) ManageStudent(ctx context.Context, p *model.Principal, queueID, accountID int64, action MembershipAction) error {
	if err := requireSiteAdmin(p); err != nil {
		return err
	}
	if _, err := s.FindQueue(ctx, queueID); err != nil {
		return err
	}
	if _, err := s.findAccount(ctx, accountID); err != nil {
		return err
	}

	if action == MembershipAdd {
		if err := s.queues.AddStudent(ctx, queueID, accountID); err != nil {
			return fmt.Errorf("許可学生の追加に失敗しました: %w", err)
		}
		s.notify(ctx, event.Event{Kind: event.KindQueueMembershipChanged, QueueID: queueID, AccountID: accountID})
		return nil
	}

	if err := s.queues.RemoveStudent(ctx, queueID, accountID); err != nil {
		return fmt.Errorf("許可学生の削除に失敗しました: %w", err)
	}
	deleted, err := s.entries.DeleteByAccountAndQueue(ctx, accountID, queueID)
	if err != nil {
		return fmt.Errorf("エントリの削除に失敗しました: %w", err)
	}
	if deleted {
		s.notify(ctx, event.Event{
			Kind: event.KindEntryChanged, QueueID: queueID, AccountID: accountID, Op: event.EntryDeleted,
		})
	}
	s.notify(ctx, event.Event{Kind: event.KindQueueMembershipChanged, QueueID: queueID, AccountID: accountID})
	return nil
}

// SetAdmin はアカウントのサイト管理者フラグを設定する。
func (s *Service) SetAdmin(ctx context.Context, p *model.Principal, accountID int64, action MembershipAction) error {
	if err := requireSiteAdmin(p); err != nil {
		return err
	}
	ok, err := s.accounts.SetAdmin(ctx, accountID, action == MembershipAdd)
	if err != nil {
		return fmt.Errorf("管理者フラグの更新に失敗しました: %w", err)
	}
	if !ok {
		return model.NewAccountNotFoundError(accountID)
	}
	s.notify(ctx, event.Event{Kind: event.KindAccountChanged, AccountID: accountID})
	return nil
}

// SearchStaffCandidates はキューのスタッフでないアカウントを検索する。
func (s *Service) SearchStaffCandidates(ctx context.Context, p *model.Principal, queueID int64, query string) ([]*model.Account, error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, err
	}
	if _, err := s.FindQueue(ctx, queueID); err != nil {
		return nil, err
	}
	if query == "" {
		return []*model.Account{}, nil
	}
	accounts, err := s.accounts.Search(ctx, query, queueID, AccountSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	return accounts, nil
}

// SearchAdminCandidates はサイト管理者でないアカウントを検索する。
func (s *Service) SearchAdminCandidates(ctx context.Context, p *model.Principal, query string) ([]*model.Account, error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, err
	}
	if query == "" {
		return []*model.Account{}, nil
	}
	accounts, err := s.accounts.SearchNonAdmins(ctx, query, AccountSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	return accounts, nil
}

// Members はキューのスタッフと許可学生の一覧を返す。
func (s *Service) Members(ctx context.Context, p *model.Principal, queueID int64) (staff, students []*model.Account, err error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, nil, err
	}
	if _, err := s.FindQueue(ctx, queueID); err != nil {
		return nil, nil, err
	}
	staff, err = s.queues.ListStaff(ctx, queueID)
	if err != nil {
		return nil, nil, fmt.Errorf("スタッフ一覧の取得に失敗しました: %w", err)
	}
	students, err = s.queues.ListStudents(ctx, queueID)
	if err != nil {
		return nil, nil, fmt.Errorf("許可学生一覧の取得に失敗しました: %w", err)
	}
	return staff, students, nil
}

// ListAdmins はサイト管理者の一覧を返す。
func (s *Service) ListAdmins(ctx context.Context, p *model.Principal) ([]*model.Account, error) {
	if err := requireSiteAdmin(p); err != nil {
		return nil, err
	}
	admins, err := s.accounts.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("管理者一覧の取得に失敗しました: %w", err)
	}
	return admins, nil
}
