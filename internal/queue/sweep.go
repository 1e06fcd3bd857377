package queue

import (
	"time"

	"github.com/hitoshi/ohq/internal/model"
)

// DueForUnfreeze は凍結から timeout 以上経過したエントリのIDをjoin_time順のまま返す。
// timeoutが0以下の場合は自動解除が無効なので常に空を返す。
// freeze_timeを持たない凍結（一括凍結）は対象外。
func DueForUnfreeze(now time.Time, entries []model.EntryView, timeout time.Duration) []int64 {
	if timeout <= 0 {
		return nil
	}

	var due []int64
	for _, e := range entries {
		if e.Status != model.EntryStatusFrozen || e.FreezeTime == nil {
			continue
		}
		if now.Sub(*e.FreezeTime) >= timeout {
			due = append(due, e.ID)
		}
	}
	return due
}

// applyUnfrozen はDBで待機中に戻したエントリをビューにも反映する。
func applyUnfrozen(entries []model.EntryView, reverted []int64) {
	if len(reverted) == 0 {
		return
	}
	set := make(map[int64]struct{}, len(reverted))
	for _, id := range reverted {
		set[id] = struct{}{}
	}
	for i := range entries {
		if _, ok := set[entries[i].ID]; ok {
			entries[i].Status = model.EntryStatusWaiting
			entries[i].FreezeTime = nil
		}
	}
}
