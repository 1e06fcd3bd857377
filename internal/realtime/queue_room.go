package realtime

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/metrics"
	"github.com/hitoshi/ohq/internal/model"
)

type roomMsgKind int

const (
	msgJoin roomMsgKind = iota
	msgLeave
	msgInbound
	msgEvent
)

type roomMsg struct {
	kind   roomMsgKind
	client *Client
	data   []byte
	ev     event.Event
}

// QueueRoom は1つのキューを閲覧している接続の集合。
// 状態の変更とブロードキャストはすべて1つのgoroutineで順に処理する。
type QueueRoom struct {
	queueID  int64
	svc      QueueService
	accounts AccountFinder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options

	ctx  context.Context
	box  *mailbox[roomMsg]
	done chan struct{}

	clients      map[*Client]struct{}
	queue        *model.Queue
	lastSnapshot []byte
}

func newQueueRoom(ctx context.Context, queueID int64, deps roomDeps) *QueueRoom {
	return &QueueRoom{
		queueID:  queueID,
		svc:      deps.svc,
		accounts: deps.accounts,
		metrics:  deps.metrics,
		logger:   deps.logger.With(slog.Int64("queue_id", queueID)),
		opts:     deps.opts,
		ctx:      ctx,
		box:      newMailbox[roomMsg](),
		done:     make(chan struct{}),
		clients:  make(map[*Client]struct{}),
	}
}

func (r *QueueRoom) join(c *Client) bool {
	return r.box.push(roomMsg{kind: msgJoin, client: c})
}

func (r *QueueRoom) receive(c *Client, data []byte) {
	r.box.push(roomMsg{kind: msgInbound, client: c, data: data})
}

func (r *QueueRoom) leave(c *Client) {
	r.box.push(roomMsg{kind: msgLeave, client: c})
}

func (r *QueueRoom) post(ev event.Event) {
	r.box.push(roomMsg{kind: msgEvent, ev: ev})
}

func (r *QueueRoom) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.teardown(nil, nil)
			return
		case <-r.box.ready:
			batch := r.box.drain()
			for i, m := range batch {
				if stop := r.handle(m); stop {
					r.teardown(batch[i+1:], encodeQueueDeleted())
					return
				}
			}
		}
	}
}

// teardown は新規メッセージの受付を止め、すべての接続を閉じる。
// 参加待ちのまま残った接続にはfarewellを送ってから閉じる。
func (r *QueueRoom) teardown(pending []roomMsg, farewell []byte) {
	pending = append(pending, r.box.close()...)
	for _, m := range pending {
		if m.kind != msgJoin {
			continue
		}
		if farewell != nil {
			m.client.enqueue(farewell)
		}
		m.client.close()
	}
	for c := range r.clients {
		r.remove(c)
		c.close()
	}
}

func (r *QueueRoom) handle(m roomMsg) bool {
	switch m.kind {
	case msgJoin:
		return r.onJoin(m.client)
	case msgLeave:
		r.remove(m.client)
	case msgInbound:
		return r.dispatch(m.client, m.data)
	case msgEvent:
		return r.onEvent(m.ev)
	}
	return false
}

func (r *QueueRoom) remove(c *Client) {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		r.metrics.SessionClosed(metrics.RoomQueue)
	}
}

func (r *QueueRoom) broadcast(msg []byte, kind string) {
	for c := range r.clients {
		c.enqueue(msg)
	}
	r.metrics.RecordBroadcast(kind)
}

func (r *QueueRoom) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, r.opts.ActionTimeout)
}

func (r *QueueRoom) onJoin(c *Client) bool {
	r.clients[c] = struct{}{}
	r.metrics.SessionOpened(metrics.RoomQueue)
	c.enqueue(encodeConnectionEstablished(c.principal.Account.ID))

	ctx, cancel := r.withTimeout()
	defer cancel()
	return r.refresh(ctx, true)
}

// compose は最新のスナップショットを作成する。
func (r *QueueRoom) compose(ctx context.Context) ([]byte, error) {
	snap, err := r.svc.Snapshot(ctx, r.queueID)
	if err != nil {
		return nil, err
	}
	if snap.Reverted > 0 {
		r.metrics.RecordUnfrozen(snap.Reverted)
	}
	q := snap.Queue
	r.queue = &q
	return encodeSnapshot(snap), nil
}

// publish はスナップショットを配信する。forceでなければ前回と同じ内容は送らない。
func (r *QueueRoom) publish(msg []byte, force bool) {
	if !force && bytes.Equal(msg, r.lastSnapshot) {
		return
	}
	r.lastSnapshot = msg
	r.broadcast(msg, TypeQueueState)
}

// refresh はスナップショットを作成して配信する。キューが削除済みならtrueを返す。
func (r *QueueRoom) refresh(ctx context.Context, force bool) bool {
	msg, err := r.compose(ctx)
	if err != nil {
		return r.handleSnapshotError(err)
	}
	r.publish(msg, force)
	return false
}

func (r *QueueRoom) handleSnapshotError(err error) bool {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeQueueNotFound {
		r.broadcast(encodeQueueDeleted(), TypeQueueDeleted)
		return true
	}
	r.logger.Error("failed to build queue snapshot", slog.String("error", err.Error()))
	return false
}

func (r *QueueRoom) dispatch(c *Client, data []byte) bool {
	if _, ok := r.clients[c]; !ok {
		return false
	}

	action, apiErr := DecodeQueueAction(data)
	if apiErr != nil {
		r.metrics.RecordAction("invalid", "rejected")
		c.sendError(apiErr)
		return false
	}

	ctx, cancel := r.withTimeout()
	defer cancel()

	account := c.principal.Account
	publish := true
	var err error
	switch a := action.(type) {
	case AskQuestion:
		err = r.svc.AskQuestion(ctx, account, r.queueID, a.Text)
	case LeaveQueue:
		err = r.svc.Leave(ctx, account, r.queueID)
	case Unfreeze:
		publish, err = r.svc.Unfreeze(ctx, account, r.queueID)
	case Freeze:
		err = r.svc.Freeze(ctx, account, r.queueID, a.EntryID)
	case Help:
		err = r.svc.Help(ctx, account, r.queueID, a.EntryID)
	case FinishHelp:
		err = r.svc.FinishHelp(ctx, account, r.queueID, a.EntryID)
	case ToggleQueue:
		_, err = r.svc.ToggleOpen(ctx, account, r.queueID)
	case FreezeAll:
		_, err = r.svc.FreezeAll(ctx, account, r.queueID)
	case SendAnnouncement:
		var text string
		text, err = r.svc.Announcement(ctx, account, r.queueID, a.Text)
		if err == nil {
			r.broadcast(encodeAnnouncement(text), TypeAnnouncement)
		}
		publish = false
	}

	if err != nil {
		r.replyError(c, action.Name(), err)
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeQueueNotFound {
			r.broadcast(encodeQueueDeleted(), TypeQueueDeleted)
			return true
		}
		return false
	}

	r.metrics.RecordAction(action.Name(), "ok")
	if publish {
		return r.refresh(ctx, true)
	}
	return false
}

// replyError はAPIErrorならそのまま、それ以外は内部エラーとして送信者へ返す。
func (r *QueueRoom) replyError(c *Client, action string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		r.metrics.RecordAction(action, "rejected")
		c.sendError(apiErr)
		return
	}
	r.metrics.RecordAction(action, "error")
	r.logger.Error("queue action failed",
		slog.String("action", action),
		slog.Int64("account_id", c.principal.Account.ID),
		slog.String("error", err.Error()),
	)
	c.sendError(model.NewInternalError())
}

func (r *QueueRoom) onEvent(ev event.Event) bool {
	ctx, cancel := r.withTimeout()
	defer cancel()

	switch ev.Kind {
	case event.KindQueueDeleted:
		r.broadcast(encodeQueueDeleted(), TypeQueueDeleted)
		return true

	case event.KindEntryChanged:
		return r.refresh(ctx, false)

	case event.KindQueueUpdated:
		msg, err := r.compose(ctx)
		if err != nil {
			return r.handleSnapshotError(err)
		}
		if ev.IsPublic != nil && !*ev.IsPublic {
			r.reevaluate(ctx, nil)
		}
		r.publish(msg, false)

	case event.KindQueueMembershipChanged:
		r.reevaluate(ctx, func(c *Client) bool { return c.principal.Account.ID == ev.AccountID })

	case event.KindAccountChanged:
		r.reloadAccount(ctx, ev.AccountID)
		r.reevaluate(ctx, func(c *Client) bool { return c.principal.Account.ID == ev.AccountID })
	}
	return false
}

// reloadAccount は該当アカウントの接続が持つアカウント情報を最新にする。
func (r *QueueRoom) reloadAccount(ctx context.Context, accountID int64) {
	var fresh *model.Account
	for c := range r.clients {
		if c.principal.Account.ID != accountID {
			continue
		}
		if fresh == nil {
			a, err := r.accounts.FindByID(ctx, accountID)
			if err != nil || a == nil {
				r.logger.Warn("failed to reload account", slog.Int64("account_id", accountID))
				return
			}
			fresh = a
		}
		c.principal = &model.Principal{Identity: c.principal.Identity, Account: fresh}
	}
}

// reevaluate は接続ごとの権限を再判定する。
// 閲覧権限を失った接続にはredirect-homeを送って切断し、残りにはスタッフ表示の更新を送る。
func (r *QueueRoom) reevaluate(ctx context.Context, match func(*Client) bool) {
	if r.queue == nil {
		if _, err := r.compose(ctx); err != nil {
			r.logger.Error("failed to load queue", slog.String("error", err.Error()))
			return
		}
	}

	for c := range r.clients {
		if match != nil && !match(c) {
			continue
		}
		ent, err := r.svc.Entitlement(ctx, c.principal, r.queue)
		if err != nil {
			r.logger.Error("failed to evaluate entitlement",
				slog.Int64("account_id", c.principal.Account.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ent.CanView {
			c.enqueue(encodeRedirectHome())
			r.remove(c)
			c.close()
			continue
		}
		c.enqueue(encodeStaffStatus(ent.IsStaff))
	}
}
