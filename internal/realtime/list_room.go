package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/metrics"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// listSession はキュー一覧の接続ごとの表示状態。
type listSession struct {
	sortType queue.SortType
	query    string
}

// ListRoom はキュー一覧ページの接続の集合。
// 一覧は閲覧者ごとに異なるため、送信は同じIdentityの接続にだけ行う。
type ListRoom struct {
	svc      QueueService
	accounts AccountFinder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options

	ctx  context.Context
	box  *mailbox[roomMsg]
	done chan struct{}

	sessions map[*Client]*listSession
}

func newListRoom(ctx context.Context, deps roomDeps) *ListRoom {
	return &ListRoom{
		svc:      deps.svc,
		accounts: deps.accounts,
		metrics:  deps.metrics,
		logger:   deps.logger.With(slog.String("room", metrics.RoomList)),
		opts:     deps.opts,
		ctx:      ctx,
		box:      newMailbox[roomMsg](),
		done:     make(chan struct{}),
		sessions: make(map[*Client]*listSession),
	}
}

func (r *ListRoom) join(c *Client) bool {
	return r.box.push(roomMsg{kind: msgJoin, client: c})
}

func (r *ListRoom) receive(c *Client, data []byte) {
	r.box.push(roomMsg{kind: msgInbound, client: c, data: data})
}

func (r *ListRoom) leave(c *Client) {
	r.box.push(roomMsg{kind: msgLeave, client: c})
}

func (r *ListRoom) post(ev event.Event) {
	r.box.push(roomMsg{kind: msgEvent, ev: ev})
}

func (r *ListRoom) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			for _, m := range r.box.close() {
				if m.kind == msgJoin {
					m.client.close()
				}
			}
			for c := range r.sessions {
				r.remove(c)
				c.close()
			}
			return
		case <-r.box.ready:
			for _, m := range r.box.drain() {
				r.handle(m)
			}
		}
	}
}

func (r *ListRoom) handle(m roomMsg) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ActionTimeout)
	defer cancel()

	switch m.kind {
	case msgJoin:
		s := &listSession{sortType: queue.SortName}
		r.sessions[m.client] = s
		r.metrics.SessionOpened(metrics.RoomList)
		if err := r.sendFull(ctx, m.client, s); err != nil {
			r.fail(m.client, "list", err)
		}
	case msgLeave:
		r.remove(m.client)
	case msgInbound:
		r.dispatch(ctx, m.client, m.data)
	case msgEvent:
		r.onEvent(ctx, m.ev)
	}
}

func (r *ListRoom) remove(c *Client) {
	if _, ok := r.sessions[c]; ok {
		delete(r.sessions, c)
		r.metrics.SessionClosed(metrics.RoomList)
	}
}

func identityOf(c *Client) int64 {
	return c.principal.Identity.ID
}

// deliver は同じIdentityのすべての接続へ送る。
func (r *ListRoom) deliver(identityID int64, msg []byte) {
	for c := range r.sessions {
		if identityOf(c) == identityID {
			c.enqueue(msg)
		}
	}
	r.metrics.RecordBroadcast("queue-list")
}

func (r *ListRoom) fail(c *Client, action string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		r.metrics.RecordAction(action, "rejected")
		c.sendError(apiErr)
		return
	}
	r.metrics.RecordAction(action, "error")
	r.logger.Error("queue list action failed",
		slog.String("action", action),
		slog.Int64("account_id", c.principal.Account.ID),
		slog.String("error", err.Error()),
	)
	c.sendError(model.NewInternalError())
}

// sendFull はピン留めと現在の並び順の一覧をまとめて送る。
func (r *ListRoom) sendFull(ctx context.Context, c *Client, s *listSession) error {
	pinned, queues, err := r.svc.ListQueues(ctx, c.principal, s.sortType)
	if err != nil {
		return err
	}
	r.deliver(identityOf(c), encodeQueueList(identityOf(c), pinned, queues))
	return nil
}

func (r *ListRoom) sendSorted(ctx context.Context, c *Client, s *listSession) error {
	_, queues, err := r.svc.ListQueues(ctx, c.principal, s.sortType)
	if err != nil {
		return err
	}
	r.deliver(identityOf(c), encodeQueueList(identityOf(c), nil, queues))
	return nil
}

func (r *ListRoom) sendSearch(ctx context.Context, c *Client, s *listSession) error {
	queues, err := r.svc.Search(ctx, c.principal, s.query)
	if err != nil {
		return err
	}
	r.deliver(identityOf(c), encodeQueueList(identityOf(c), nil, queues))
	return nil
}

func (r *ListRoom) sendPinned(ctx context.Context, c *Client) error {
	pinned, _, err := r.svc.ListQueues(ctx, c.principal, queue.SortName)
	if err != nil {
		return err
	}
	r.deliver(identityOf(c), encodeQueueList(identityOf(c), pinned, nil))
	return nil
}

func (r *ListRoom) dispatch(ctx context.Context, c *Client, data []byte) {
	s, ok := r.sessions[c]
	if !ok {
		return
	}

	action, userID, apiErr := DecodeListAction(data)
	if apiErr != nil {
		r.metrics.RecordAction("invalid", "rejected")
		c.sendError(apiErr)
		return
	}
	// 他人のIDを名乗るメッセージは応答せずに捨てる
	if userID != identityOf(c) {
		r.logger.Warn("dropping message with mismatched userID",
			slog.Int64("identity_id", identityOf(c)),
			slog.Int64("claimed_user_id", userID),
		)
		return
	}

	var err error
	switch a := action.(type) {
	case SortQueues:
		if a.Type == queue.SortNone {
			s.sortType = queue.SortName
			err = r.sendFull(ctx, c, s)
			break
		}
		s.sortType = a.Type
		err = r.sendSorted(ctx, c, s)
	case SearchQueues:
		s.query = a.Query
		if s.query == "" {
			err = r.sendSorted(ctx, c, s)
		} else {
			err = r.sendSearch(ctx, c, s)
		}
	case PinQueue:
		if _, err = r.svc.TogglePin(ctx, c.principal, a.QueueID); err == nil {
			err = r.sendPinned(ctx, c)
		}
	}
	if err != nil {
		r.fail(c, action.Name(), err)
		return
	}
	r.metrics.RecordAction(action.Name(), "ok")
}

func (r *ListRoom) onEvent(ctx context.Context, ev event.Event) {
	switch ev.Kind {
	case event.KindQueueDeleted:
		msg := encodeQueueDelete(ev.QueueID)
		for c := range r.sessions {
			c.enqueue(msg)
		}
		r.metrics.RecordBroadcast(TypeQueueDelete)
	case event.KindAccountChanged:
		r.reloadAccount(ctx, ev.AccountID)
		r.refreshAll(ctx)
	case event.KindQueueCreated, event.KindQueueUpdated, event.KindQueueMembershipChanged:
		r.refreshAll(ctx)
	}
}

func (r *ListRoom) reloadAccount(ctx context.Context, accountID int64) {
	var fresh *model.Account
	for c := range r.sessions {
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

// refreshAll はIdentityごとに現在の表示（検索中なら検索結果）とピン留めを送り直す。
func (r *ListRoom) refreshAll(ctx context.Context) {
	refreshed := make(map[int64]bool)
	for c, s := range r.sessions {
		if refreshed[identityOf(c)] {
			continue
		}
		refreshed[identityOf(c)] = true

		var err error
		if s.query != "" {
			err = r.sendSearch(ctx, c, s)
		} else {
			err = r.sendSorted(ctx, c, s)
		}
		if err == nil {
			err = r.sendPinned(ctx, c)
		}
		if err != nil {
			r.logger.Error("failed to refresh queue list",
				slog.Int64("account_id", c.principal.Account.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
