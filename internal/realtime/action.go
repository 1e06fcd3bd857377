package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// flexID は数値と数字のみの文字列の両方を受け付けるID。
type flexID int64

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", data)
	}
	*id = flexID(v)
	return nil
}

// QueueAction はキュールームが受け付けるアクション。
type QueueAction interface {
	// Name はメトリクスとログに使うアクション名を返す。
	Name() string
}

type (
	AskQuestion      struct{ Text string }
	LeaveQueue       struct{}
	Unfreeze         struct{}
	Freeze           struct{ EntryID int64 }
	Help             struct{ EntryID int64 }
	FinishHelp       struct{ EntryID int64 }
	ToggleQueue      struct{}
	FreezeAll        struct{}
	SendAnnouncement struct{ Text string }
)

func (AskQuestion) Name() string      { return "ask-question" }
func (LeaveQueue) Name() string       { return "leave-queue" }
func (Unfreeze) Name() string         { return "unfreeze" }
func (Freeze) Name() string           { return "freeze" }
func (Help) Name() string             { return "help" }
func (FinishHelp) Name() string       { return "finish-help" }
func (ToggleQueue) Name() string      { return "toggle-queue" }
func (FreezeAll) Name() string        { return "freeze-all" }
func (SendAnnouncement) Name() string { return "send-announcement" }

type queueMessage struct {
	Action  *string `json:"action"`
	Text    *string `json:"text"`
	EntryID *flexID `json:"entry_id"`
}

// DecodeQueueAction はキュールームへの受信メッセージを解釈する。
func DecodeQueueAction(data []byte) (QueueAction, *model.APIError) {
	var msg queueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.NewInvalidJSONError()
	}
	if msg.Action == nil {
		return nil, model.NewMissingActionError()
	}

	switch *msg.Action {
	case "ask-question":
		if msg.Text == nil {
			return nil, model.NewMissingFieldError("text")
		}
		return AskQuestion{Text: *msg.Text}, nil
	case "leave-queue":
		return LeaveQueue{}, nil
	case "unfreeze":
		return Unfreeze{}, nil
	case "freeze", "help", "finish-help":
		if msg.EntryID == nil {
			return nil, model.NewMissingFieldError("entry_id")
		}
		id := int64(*msg.EntryID)
		switch *msg.Action {
		case "freeze":
			return Freeze{EntryID: id}, nil
		case "help":
			return Help{EntryID: id}, nil
		}
		return FinishHelp{EntryID: id}, nil
	case "toggle-queue":
		return ToggleQueue{}, nil
	case "freeze-all":
		return FreezeAll{}, nil
	case "send-announcement":
		// 本文の欠落は空文字として扱い、サービス層で空文エラーにする
		var text string
		if msg.Text != nil {
			text = *msg.Text
		}
		return SendAnnouncement{Text: text}, nil
	}
	return nil, model.NewInvalidActionError(*msg.Action)
}

// ListAction はキュー一覧ルームが受け付けるアクション。
type ListAction interface {
	Name() string
}

type (
	SortQueues   struct{ Type queue.SortType }
	SearchQueues struct{ Query string }
	PinQueue     struct{ QueueID int64 }
)

func (SortQueues) Name() string   { return "sort" }
func (SearchQueues) Name() string { return "search" }
func (PinQueue) Name() string     { return "pin" }

type listMessage struct {
	Action  *string         `json:"action"`
	UserID  json.RawMessage `json:"userID"`
	Type    *string         `json:"type"`
	Query   *string         `json:"query"`
	QueueID *flexID         `json:"queueID"`
}

// DecodeListAction はキュー一覧ルームへの受信メッセージを解釈し、
// アクションと送信者が名乗るユーザーIDを返す。
func DecodeListAction(data []byte) (ListAction, int64, *model.APIError) {
	var msg listMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, 0, model.NewInvalidJSONError()
	}

	var userID flexID
	if len(msg.UserID) == 0 || userID.UnmarshalJSON(msg.UserID) != nil {
		return nil, 0, model.NewMissingFieldError("userID")
	}
	if msg.Action == nil {
		return nil, 0, model.NewMissingActionError()
	}

	uid := int64(userID)
	switch *msg.Action {
	case "sort":
		if msg.Type == nil {
			return nil, uid, model.NewInvalidSortError("")
		}
		t, err := queue.ParseSortType(*msg.Type)
		if err != nil {
			return nil, uid, model.NewInvalidSortError(*msg.Type)
		}
		return SortQueues{Type: t}, uid, nil
	case "search":
		if msg.Query == nil {
			return nil, uid, model.NewMissingFieldError("query")
		}
		return SearchQueues{Query: *msg.Query}, uid, nil
	case "pin":
		if msg.QueueID == nil {
			return nil, uid, model.NewMissingFieldError("queueID")
		}
		return PinQueue{QueueID: int64(*msg.QueueID)}, uid, nil
	}
	return nil, uid, model.NewInvalidActionError(*msg.Action)
}
