package model

import (
	"regexp"
	"time"
)

// DefaultFreezeTimeoutSeconds はキュー作成時の凍結自動解除秒数の既定値。
const DefaultFreezeTimeoutSeconds = 600

var courseNumberPattern = regexp.MustCompile(`^[0-9]{5}$`)

// Queue はコースごとの質問キューの定義を表す。
type Queue struct {
	ID                   int64
	Name                 string
	CourseNumber         string // 5桁の数字
	Description          string
	IsPublic             bool
	IsOpen               bool
	FreezeTimeoutSeconds int // 0の場合は自動解除しない
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DisplayNumber は表示用のコース番号（例: "15-440"）を返す。
func (q *Queue) DisplayNumber() string {
	if len(q.CourseNumber) < 2 {
		return q.CourseNumber
	}
	return q.CourseNumber[:2] + "-" + q.CourseNumber[2:]
}

// ValidCourseNumber はコース番号が5桁の数字かを判定する。
func ValidCourseNumber(number string) bool {
	return courseNumberPattern.MatchString(number)
}

// QueueAccess はキュー一覧表示のために、キューと閲覧者との関係を結合した構造体。
type QueueAccess struct {
	Queue
	IsStaff   bool // queue_staffに含まれる
	IsStudent bool // queue_studentsに含まれる
	IsPinned  bool
}

// EntryStatus はキューエントリの状態。
type EntryStatus string

const (
	EntryStatusWaiting EntryStatus = "waiting"
	EntryStatusHelping EntryStatus = "helping"
	EntryStatusFrozen  EntryStatus = "frozen"
)

// Entry はキューに並んでいる学生1人分の質問を表す。
// (AccountID, QueueID) の組はユニーク。
type Entry struct {
	ID             int64
	QueueID        int64
	AccountID      int64
	Question       string
	Status         EntryStatus
	JoinTime       time.Time
	HelpingStaffID *int64
	FreezeTime     *time.Time
}

// EntryView はスナップショット表示用にニックネームを結合したエントリ。
type EntryView struct {
	Entry
	Nickname         string
	HelpingStaffName *string
}

// QueueHistory はアカウントが最後にキューを閲覧した時刻。
type QueueHistory struct {
	AccountID    int64
	QueueID      int64
	LastUsedTime time.Time
}
