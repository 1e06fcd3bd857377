package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/metrics"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/queue"
)

// fakeService はQueueServiceのインメモリ実装。変更後はnotifierへ同期的に通知する。
type fakeService struct {
	mu       sync.Mutex
	queues   map[int64]*model.Queue
	entries  map[int64][]model.EntryView
	accounts map[int64]*model.Account
	staff    map[[2]int64]bool
	students map[[2]int64]bool
	pinned   map[[2]int64]bool
	nextID   int64
	notifier event.Handler
	now      time.Time
}

func newFakeService() *fakeService {
	return &fakeService{
		queues:   make(map[int64]*model.Queue),
		entries:  make(map[int64][]model.EntryView),
		accounts: make(map[int64]*model.Account),
		staff:    make(map[[2]int64]bool),
		students: make(map[[2]int64]bool),
		pinned:   make(map[[2]int64]bool),
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fakeService) notify(ev event.Event) {
	if f.notifier != nil {
		f.notifier.HandleEvent(ev)
	}
}

func (f *fakeService) addQueue(id int64, name, number string, public, open bool) *model.Queue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &model.Queue{ID: id, Name: name, CourseNumber: number, IsPublic: public, IsOpen: open, FreezeTimeoutSeconds: 600}
	f.queues[id] = q
	return q
}

func (f *fakeService) addAccount(id int64, nickname string, admin bool) *model.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &model.Account{ID: id, IdentityID: id + 1000, Nickname: nickname, IsAdmin: admin}
	f.accounts[id] = a
	return a
}

func (f *fakeService) setStaff(queueID, accountID int64, on bool) {
	f.mu.Lock()
	f.staff[[2]int64{queueID, accountID}] = on
	f.mu.Unlock()
}

func (f *fakeService) setPublic(queueID int64, public bool) {
	f.mu.Lock()
	f.queues[queueID].IsPublic = public
	f.mu.Unlock()
	f.notify(event.Event{Kind: event.KindQueueUpdated, QueueID: queueID, IsPublic: event.Bool(public)})
}

func (f *fakeService) deleteQueue(queueID int64) {
	f.mu.Lock()
	delete(f.queues, queueID)
	delete(f.entries, queueID)
	f.mu.Unlock()
	f.notify(event.Event{Kind: event.KindQueueDeleted, QueueID: queueID})
}

func (f *fakeService) isStaffLocked(account *model.Account, queueID int64) bool {
	return account.IsAdmin || f.staff[[2]int64{queueID, account.ID}]
}

func (f *fakeService) FindQueue(_ context.Context, queueID int64) (*model.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[queueID]
	if !ok {
		return nil, model.NewQueueNotFoundError(queueID)
	}
	c := *q
	return &c, nil
}

func (f *fakeService) Snapshot(ctx context.Context, queueID int64) (*queue.Snapshot, error) {
	q, err := f.FindQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := append([]model.EntryView(nil), f.entries[queueID]...)
	return &queue.Snapshot{Queue: *q, Entries: entries}, nil
}

func (f *fakeService) Entitlement(_ context.Context, p *model.Principal, q *model.Queue) (queue.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	isStaff := f.isStaffLocked(p.Account, q.ID)
	if q.IsPublic || isStaff {
		return queue.Entitlement{CanView: true, IsStaff: isStaff}, nil
	}
	return queue.Entitlement{CanView: f.students[[2]int64{q.ID, p.Account.ID}]}, nil
}

func (f *fakeService) AskQuestion(_ context.Context, account *model.Account, queueID int64, text string) error {
	f.mu.Lock()
	if strings.TrimSpace(text) == "" {
		f.mu.Unlock()
		return model.NewEmptyTextError("Question text cannot be empty.")
	}
	if !f.queues[queueID].IsOpen {
		f.mu.Unlock()
		return model.NewQueueClosedError()
	}
	for _, e := range f.entries[queueID] {
		if e.AccountID == account.ID {
			f.mu.Unlock()
			return model.NewAlreadyOnQueueError()
		}
	}
	f.nextID++
	f.entries[queueID] = append(f.entries[queueID], model.EntryView{
		Entry: model.Entry{
			ID: f.nextID, QueueID: queueID, AccountID: account.ID, Question: text,
			Status: model.EntryStatusWaiting, JoinTime: f.now,
		},
		Nickname: account.Nickname,
	})
	f.mu.Unlock()
	f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryCreated})
	return nil
}

func (f *fakeService) Leave(_ context.Context, account *model.Account, queueID int64) error {
	f.mu.Lock()
	entries := f.entries[queueID]
	deleted := false
	for i, e := range entries {
		if e.AccountID == account.ID {
			f.entries[queueID] = append(entries[:i:i], entries[i+1:]...)
			deleted = true
			break
		}
	}
	f.mu.Unlock()
	if deleted {
		f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryDeleted})
	}
	return nil
}

func (f *fakeService) Unfreeze(_ context.Context, account *model.Account, queueID int64) (bool, error) {
	f.mu.Lock()
	for i, e := range f.entries[queueID] {
		if e.AccountID != account.ID {
			continue
		}
		if e.Status != model.EntryStatusFrozen {
			f.mu.Unlock()
			return false, nil
		}
		f.entries[queueID][i].Status = model.EntryStatusWaiting
		f.entries[queueID][i].FreezeTime = nil
		f.mu.Unlock()
		f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryUpdated})
		return true, nil
	}
	f.mu.Unlock()
	return false, model.NewNotOnQueueError()
}

func (f *fakeService) setStatus(account *model.Account, queueID, entryID int64, status model.EntryStatus) error {
	f.mu.Lock()
	if !f.isStaffLocked(account, queueID) {
		f.mu.Unlock()
		return model.NewForbiddenError("perform this action")
	}
	for i, e := range f.entries[queueID] {
		if e.ID != entryID {
			continue
		}
		f.entries[queueID][i].Status = status
		if status == model.EntryStatusFrozen {
			t := f.now
			f.entries[queueID][i].FreezeTime = &t
		}
		f.mu.Unlock()
		f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entryID, Op: event.EntryUpdated})
		return nil
	}
	f.mu.Unlock()
	return model.NewEntryNotFoundError()
}

func (f *fakeService) Freeze(_ context.Context, account *model.Account, queueID, entryID int64) error {
	return f.setStatus(account, queueID, entryID, model.EntryStatusFrozen)
}

func (f *fakeService) Help(_ context.Context, account *model.Account, queueID, entryID int64) error {
	return f.setStatus(account, queueID, entryID, model.EntryStatusHelping)
}

func (f *fakeService) FinishHelp(_ context.Context, account *model.Account, queueID, entryID int64) error {
	f.mu.Lock()
	if !f.isStaffLocked(account, queueID) {
		f.mu.Unlock()
		return model.NewForbiddenError("perform this action")
	}
	entries := f.entries[queueID]
	for i, e := range entries {
		if e.ID == entryID {
			f.entries[queueID] = append(entries[:i:i], entries[i+1:]...)
			f.mu.Unlock()
			f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, EntryID: entryID, Op: event.EntryDeleted})
			return nil
		}
	}
	f.mu.Unlock()
	return model.NewEntryNotFoundError()
}

func (f *fakeService) ToggleOpen(_ context.Context, account *model.Account, queueID int64) (*model.Queue, error) {
	f.mu.Lock()
	if !f.isStaffLocked(account, queueID) {
		f.mu.Unlock()
		return nil, model.NewForbiddenError("toggle this queue")
	}
	q := f.queues[queueID]
	q.IsOpen = !q.IsOpen
	c := *q
	f.mu.Unlock()
	f.notify(event.Event{Kind: event.KindQueueUpdated, QueueID: queueID, IsOpen: event.Bool(c.IsOpen)})
	return &c, nil
}

func (f *fakeService) FreezeAll(_ context.Context, account *model.Account, queueID int64) (int64, error) {
	f.mu.Lock()
	if !f.isStaffLocked(account, queueID) {
		f.mu.Unlock()
		return 0, model.NewForbiddenError("freeze the queue")
	}
	var n int64
	for i := range f.entries[queueID] {
		if f.entries[queueID][i].Status == model.EntryStatusWaiting {
			f.entries[queueID][i].Status = model.EntryStatusFrozen
			n++
		}
	}
	f.mu.Unlock()
	if n > 0 {
		f.notify(event.Event{Kind: event.KindEntryChanged, QueueID: queueID, Op: event.EntryUpdated})
	}
	return n, nil
}

func (f *fakeService) Announcement(_ context.Context, account *model.Account, queueID int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isStaffLocked(account, queueID) {
		return "", model.NewForbiddenError("send an announcement")
	}
	if text == "" {
		return "", model.NewEmptyTextError("Announcement text cannot be empty.")
	}
	return text, nil
}

func (f *fakeService) visibleLocked(p *model.Principal) []model.QueueAccess {
	var out []model.QueueAccess
	for _, q := range f.queues {
		key := [2]int64{q.ID, p.Account.ID}
		qa := model.QueueAccess{Queue: *q, IsStaff: f.staff[key], IsStudent: f.students[key], IsPinned: f.pinned[key]}
		if qa.IsPublic || qa.IsStaff || qa.IsStudent || p.IsSiteAdmin() {
			out = append(out, qa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeService) ListQueues(_ context.Context, p *model.Principal, sortType queue.SortType) (pinned, queues []model.QueueAccess, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.visibleLocked(p)
	pinned = []model.QueueAccess{}
	for _, qa := range all {
		if qa.IsPinned {
			pinned = append(pinned, qa)
		}
	}
	queues = append([]model.QueueAccess{}, all...)
	if sortType == queue.SortNumber {
		sort.Slice(queues, func(i, j int) bool { return queues[i].CourseNumber < queues[j].CourseNumber })
	}
	return pinned, queues, nil
}

func (f *fakeService) Search(_ context.Context, p *model.Principal, query string) ([]model.QueueAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.QueueAccess{}
	for _, qa := range f.visibleLocked(p) {
		if queue.MatchesQuery(&qa.Queue, query) {
			out = append(out, qa)
		}
	}
	return out, nil
}

func (f *fakeService) TogglePin(_ context.Context, p *model.Principal, queueID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[queueID]; !ok {
		return false, model.NewQueueNotFoundError(queueID)
	}
	key := [2]int64{queueID, p.Account.ID}
	f.pinned[key] = !f.pinned[key]
	return f.pinned[key], nil
}

func (f *fakeService) FindByID(_ context.Context, id int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

// headerAuth はX-Account-IDヘッダーのアカウントを接続者とするAuthenticator。
type headerAuth struct {
	svc *fakeService
}

func (a headerAuth) Authenticate(r *http.Request) (*model.Principal, error) {
	raw := r.Header.Get("X-Account-ID")
	if raw == "" {
		return nil, model.NewAuthRequiredError()
	}
	id, _ := strconv.ParseInt(raw, 10, 64)
	account, _ := a.svc.FindByID(r.Context(), id)
	if account == nil {
		return nil, model.NewAccountMissingError()
	}
	return &model.Principal{
		Identity: &model.Identity{ID: account.IdentityID},
		Account:  account,
	}, nil
}

type harness struct {
	svc *fakeService
	sup *Supervisor
	srv *httptest.Server
	reg *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := newFakeService()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sup := NewSupervisor(svc, svc, metrics.NewCollector(reg), DefaultOptions(), logger)
	svc.notifier = sup
	sup.Start(context.Background())

	r := chi.NewRouter()
	NewHandler(sup, headerAuth{svc: svc}, nil, logger).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		srv.Close()
	})
	return &harness{svc: svc, sup: sup, srv: srv, reg: reg}
}

func (h *harness) dial(t *testing.T, path string, accountID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	header := http.Header{}
	if accountID != 0 {
		header.Set("X-Account-ID", strconv.FormatInt(accountID, 10))
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type message map[string]any

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	return m
}

// readUntil は条件を満たすメッセージが届くまで読み進める。
func readUntil(t *testing.T, conn *websocket.Conn, match func(message) bool) message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := readMessage(t, conn); match(m) {
			return m
		}
	}
	t.Fatal("expected message did not arrive")
	return nil
}

func ofType(typ string) func(message) bool {
	return func(m message) bool { return m["type"] == typ }
}

func isError(m message) bool {
	_, ok := m["error"]
	return ok
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// expectClosed は接続がサーバーから閉じられることを検証する。
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation, websocket.CloseGoingAway) {
				return
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}
