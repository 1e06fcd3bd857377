// Package realtime はWebSocketで接続されたキュールームとキュー一覧ルームを管理する。
// 各ルームは1つのgoroutineでメッセージと変更通知を順に処理し、状態のスナップショットを配信する。
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/metrics"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// ErrShuttingDown はシャットダウン中に参加しようとした場合のエラー。
var ErrShuttingDown = errors.New("realtime: shutting down")

// QueueService はルームが使用するキューのサービス層。
type QueueService interface {
	FindQueue(ctx context.Context, queueID int64) (*model.Queue, error)
	Snapshot(ctx context.Context, queueID int64) (*queue.Snapshot, error)
	Entitlement(ctx context.Context, p *model.Principal, q *model.Queue) (queue.Entitlement, error)

	AskQuestion(ctx context.Context, account *model.Account, queueID int64, text string) error
	Leave(ctx context.Context, account *model.Account, queueID int64) error
	Unfreeze(ctx context.Context, account *model.Account, queueID int64) (bool, error)
	Freeze(ctx context.Context, account *model.Account, queueID, entryID int64) error
	Help(ctx context.Context, account *model.Account, queueID, entryID int64) error
	FinishHelp(ctx context.Context, account *model.Account, queueID, entryID int64) error
	ToggleOpen(ctx context.Context, account *model.Account, queueID int64) (*model.Queue, error)
	FreezeAll(ctx context.Context, account *model.Account, queueID int64) (int64, error)
	Announcement(ctx context.Context, account *model.Account, queueID int64, text string) (string, error)

	ListQueues(ctx context.Context, p *model.Principal, sortType queue.SortType) (pinned, queues []model.QueueAccess, err error)
	Search(ctx context.Context, p *model.Principal, query string) ([]model.QueueAccess, error)
	TogglePin(ctx context.Context, p *model.Principal, queueID int64) (bool, error)
}

// AccountFinder はアカウント変更時に最新のアカウントを読み直す。
type AccountFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Account, error)
}

type roomDeps struct {
	svc      QueueService
	accounts AccountFinder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options
}

// Supervisor はキューごとのルームと一覧ルームを保持し、変更通知を振り分ける。
// キューのルームは最初の接続時に作られ、キューの削除かシャットダウンまで残る。
type Supervisor struct {
	deps roomDeps

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	rooms  map[int64]*QueueRoom
	list   *ListRoom
	wg     sync.WaitGroup
}

// NewSupervisor はSupervisorを生成する。Startを呼ぶまで接続は受け付けない。
func NewSupervisor(svc QueueService, accounts AccountFinder, m metrics.MetricsCollector, opts Options, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		deps: roomDeps{
			svc:      svc,
			accounts: accounts,
			metrics:  m,
			logger:   logger,
			opts:     opts,
		},
		rooms: make(map[int64]*QueueRoom),
	}
}

// Start はルームの実行を開始する。ctxがキャンセルされるとすべてのルームが停止する。
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.list = newListRoom(s.ctx, s.deps)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.list.run()
	}()
}

// Shutdown はすべてのルームを停止して接続を閉じ、停止を待つ。
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.rooms = make(map[int64]*QueueRoom)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) running() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}

// JoinQueue は接続をキューのルームへ参加させ、そのルームを返す。
func (s *Supervisor) JoinQueue(queueID int64, c *Client) (*QueueRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return nil, ErrShuttingDown
	}

	// 自ら停止したルームは参加を拒否するので新しいルームに置き換える
	r, ok := s.rooms[queueID]
	if !ok || !r.join(c) {
		r = s.startRoom(queueID)
		if !r.join(c) {
			return nil, ErrShuttingDown
		}
	}
	return r, nil
}

func (s *Supervisor) startRoom(queueID int64) *QueueRoom {
	r := newQueueRoom(s.ctx, queueID, s.deps)
	s.rooms[queueID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run()
		s.forget(queueID, r)
	}()
	s.deps.logger.Debug("queue room started", slog.Int64("queue_id", queueID))
	return r
}

// forget は停止したルームを登録から外す。置き換え済みのルームには触れない。
func (s *Supervisor) forget(queueID int64, r *QueueRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[queueID] == r {
		delete(s.rooms, queueID)
		s.deps.logger.Debug("queue room stopped", slog.Int64("queue_id", queueID))
	}
}

// JoinList は接続をキュー一覧ルームへ参加させる。
func (s *Supervisor) JoinList(c *Client) (*ListRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return nil, ErrShuttingDown
	}
	if !s.list.join(c) {
		return nil, ErrShuttingDown
	}
	return s.list, nil
}

// RoomCount は稼働中のキュールーム数を返す。
func (s *Supervisor) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// HandleEvent はevent.Handlerを実装する。イベントを関係するルームのメールボックスへ積む。
func (s *Supervisor) HandleEvent(ev event.Event) {
	s.deps.metrics.RecordEvent(string(ev.Kind))

	s.mu.Lock()
	if !s.running() {
		s.mu.Unlock()
		return
	}
	var targets []*QueueRoom
	switch ev.Kind {
	case event.KindQueueDeleted:
		if r, ok := s.rooms[ev.QueueID]; ok {
			// 削除後の参加は新しいルームで受け、存在チェックで拒否される
			delete(s.rooms, ev.QueueID)
			targets = append(targets, r)
		}
	case event.KindAccountChanged:
		for _, r := range s.rooms {
			targets = append(targets, r)
		}
	case event.KindEntryChanged, event.KindQueueUpdated, event.KindQueueMembershipChanged:
		if r, ok := s.rooms[ev.QueueID]; ok {
			targets = append(targets, r)
		}
	}
	list := s.list
	s.mu.Unlock()

	for _, r := range targets {
		r.post(ev)
	}
	if ev.Kind != event.KindEntryChanged {
		list.post(ev)
	}
}

var _ event.Handler = (*Supervisor)(nil)
