package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/hitoshi/ohq/internal/model"
)

// SortType はキュー一覧の並び順。
type SortType string

const (
	SortName   SortType = "name"
	SortNumber SortType = "number"
	SortRecent SortType = "recent"
	// SortNone は並び順をnameに戻し、ピン留めと全件をまとめて再送する。
	SortNone SortType = "none"
)

// ParseSortType は文字列をSortTypeに変換する。
func ParseSortType(s string) (SortType, error) {
	switch t := SortType(s); t {
	case SortName, SortNumber, SortRecent, SortNone:
		return t, nil
	}
	return "", model.NewInvalidSortError(s)
}

// visible はアカウントがキューを一覧で見られるかを返す。
func visible(qa *model.QueueAccess, p *model.Principal) bool {
	return qa.IsPublic || qa.IsStudent || qa.IsStaff || p.IsSiteAdmin()
}

// visibleQueues は閲覧可能なキューをID順で返す。
func (s *Service) visibleQueues(ctx context.Context, p *model.Principal) ([]model.QueueAccess, error) {
	all, err := s.queues.ListWithAccess(ctx, p.Account.ID)
	if err != nil {
		return nil, fmt.Errorf("キュー一覧の取得に失敗しました: %w", err)
	}
	result := make([]model.QueueAccess, 0, len(all))
	for i := range all {
		if visible(&all[i], p) {
			result = append(result, all[i])
		}
	}
	return result, nil
}

func sortByName(queues []model.QueueAccess) {
	sort.SliceStable(queues, func(i, j int) bool {
		if queues[i].Name != queues[j].Name {
			return queues[i].Name < queues[j].Name
		}
		return queues[i].ID < queues[j].ID
	})
}

func sortByNumber(queues []model.QueueAccess) {
	sort.SliceStable(queues, func(i, j int) bool {
		if queues[i].CourseNumber != queues[j].CourseNumber {
			return queues[i].CourseNumber < queues[j].CourseNumber
		}
		return queues[i].ID < queues[j].ID
	})
}

// ListQueues は閲覧可能なキューを指定の順で返す。pinnedは常に名前順。
// recentでは閲覧履歴のあるキューのみを新しい順に返す。
func (s *Service) ListQueues(ctx context.Context, p *model.Principal, sortType SortType) (pinned, queues []model.QueueAccess, err error) {
	all, err := s.visibleQueues(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	sortByName(all)
	pinned = []model.QueueAccess{}
	for _, qa := range all {
		if qa.IsPinned {
			pinned = append(pinned, qa)
		}
	}

	switch sortType {
	case SortNumber:
		sortByNumber(all)
		queues = all
	case SortRecent:
		queues, err = s.recentOrder(ctx, p.Account.ID, all)
		if err != nil {
			return nil, nil, err
		}
	default:
		queues = all
	}
	return pinned, queues, nil
}

// recentOrder は閲覧履歴の新しい順にキューを並べる。履歴のないキューは含めない。
func (s *Service) recentOrder(ctx context.Context, accountID int64, all []model.QueueAccess) ([]model.QueueAccess, error) {
	ids, err := s.history.ListRecentQueueIDs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("閲覧履歴の取得に失敗しました: %w", err)
	}

	byID := make(map[int64]model.QueueAccess, len(all))
	for _, qa := range all {
		byID[qa.ID] = qa
	}
	result := make([]model.QueueAccess, 0, len(ids))
	for _, id := range ids {
		if qa, ok := byID[id]; ok {
			result = append(result, qa)
		}
	}
	return result, nil
}

// Search は検索語に一致する閲覧可能なキューを名前順で返す。空の検索語は空を返す。
func (s *Service) Search(ctx context.Context, p *model.Principal, query string) ([]model.QueueAccess, error) {
	if query == "" {
		return []model.QueueAccess{}, nil
	}
	all, err := s.visibleQueues(ctx, p)
	if err != nil {
		return nil, err
	}

	result := []model.QueueAccess{}
	for i := range all {
		if MatchesQuery(&all[i].Queue, query) {
			result = append(result, all[i])
		}
	}
	sortByName(result)
	return result, nil
}

// TogglePin はキューのピン留めを反転し、反転後にピン留めされているかを返す。
func (s *Service) TogglePin(ctx context.Context, p *model.Principal, queueID int64) (bool, error) {
	if _, err := s.FindQueue(ctx, queueID); err != nil {
		return false, err
	}
	pinned, err := s.queues.TogglePin(ctx, queueID, p.Account.ID)
	if err != nil {
		return false, fmt.Errorf("ピン留めの更新に失敗しました: %w", err)
	}
	return pinned, nil
}
