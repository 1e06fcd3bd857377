package realtime

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// 送信メッセージのtype値
const (
	TypeConnectionEstablished = "connection_established"
	TypeQueueState            = "queue-state"
	TypeAnnouncement          = "announcement"
	TypeUpdateStaffStatus     = "update-staff-status"
	TypeRedirectHome          = "redirect-home"
	TypeQueueDeleted          = "queue-deleted"
	TypeQueueDelete           = "queue-delete"
)

type errorMessage struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type connectionEstablishedMessage struct {
	Type        string `json:"type"`
	MyAccountID int64  `json:"my_account_id"`
}

type studentJSON struct {
	ID               int64   `json:"id"`
	AccountID        int64   `json:"account_id"`
	Name             string  `json:"name"`
	Question         string  `json:"question"`
	Status           string  `json:"status"`
	JoinTime         string  `json:"joinTime"`
	HelpingStaffName *string `json:"helping_staff_name"`
	FreezeTime       *string `json:"freezeTime"`
}

type queueStateMessage struct {
	Type          string        `json:"type"`
	QueueStatus   bool          `json:"queue-status"`
	Students      []studentJSON `json:"students"`
	FreezeTimeout int           `json:"queue_freeze_timeout"`
}

type announcementMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type staffStatusMessage struct {
	Type    string `json:"type"`
	IsStaff bool   `json:"isStaff"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type queueDeleteMessage struct {
	Type    string `json:"type"`
	QueueID string `json:"queueID"`
}

type queueSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Number      string `json:"number"`
	Description string `json:"description"`
	Status      bool   `json:"status"`
	IsPublic    bool   `json:"isPublic"`
}

// queueListMessage のpinned・queuesは送るものだけを設定する。空のスライスは[]として送られる。
type queueListMessage struct {
	UserID string          `json:"userID"`
	Pinned *[]queueSummary `json:"pinned,omitempty"`
	Queues *[]queueSummary `json:"queues,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// 送信メッセージはすべて固定の構造体なので到達しない
		panic(err)
	}
	return b
}

func encodeError(e *model.APIError) []byte {
	return encode(errorMessage{Error: e.Message, Code: e.Code})
}

func encodeConnectionEstablished(accountID int64) []byte {
	return encode(connectionEstablishedMessage{Type: TypeConnectionEstablished, MyAccountID: accountID})
}

func encodeSnapshot(snap *queue.Snapshot) []byte {
	students := make([]studentJSON, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		s := studentJSON{
			ID:               e.ID,
			AccountID:        e.AccountID,
			Name:             e.Nickname,
			Question:         e.Question,
			Status:           string(e.Status),
			JoinTime:         formatTime(e.JoinTime),
			HelpingStaffName: e.HelpingStaffName,
		}
		if e.FreezeTime != nil {
			ft := formatTime(*e.FreezeTime)
			s.FreezeTime = &ft
		}
		students = append(students, s)
	}
	return encode(queueStateMessage{
		Type:          TypeQueueState,
		QueueStatus:   snap.Queue.IsOpen,
		Students:      students,
		FreezeTimeout: snap.Queue.FreezeTimeoutSeconds,
	})
}

func encodeAnnouncement(text string) []byte {
	return encode(announcementMessage{Type: TypeAnnouncement, Message: text})
}

func encodeStaffStatus(isStaff bool) []byte {
	return encode(staffStatusMessage{Type: TypeUpdateStaffStatus, IsStaff: isStaff})
}

func encodeRedirectHome() []byte {
	return encode(announcementMessage{Type: TypeRedirectHome, Message: model.NewViewForbiddenError().Message})
}

func encodeQueueDeleted() []byte {
	return encode(typeOnlyMessage{Type: TypeQueueDeleted})
}

func encodeQueueDelete(queueID int64) []byte {
	return encode(queueDeleteMessage{Type: TypeQueueDelete, QueueID: strconv.FormatInt(queueID, 10)})
}

func summarize(queues []model.QueueAccess) *[]queueSummary {
	out := make([]queueSummary, 0, len(queues))
	for i := range queues {
		q := &queues[i].Queue
		out = append(out, queueSummary{
			ID:          q.ID,
			Name:        q.Name,
			Number:      q.DisplayNumber(),
			Description: q.Description,
			Status:      q.IsOpen,
			IsPublic:    q.IsPublic,
		})
	}
	return &out
}

// encodeQueueList はキュー一覧メッセージを生成する。nilのリストは含めない。
func encodeQueueList(userID int64, pinned, queues []model.QueueAccess) []byte {
	msg := queueListMessage{UserID: strconv.FormatInt(userID, 10)}
	if pinned != nil {
		msg.Pinned = summarize(pinned)
	}
	if queues != nil {
		msg.Queues = summarize(queues)
	}
	return encode(msg)
}
