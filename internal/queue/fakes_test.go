package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/repository"
	"github.com/hitoshi/ohq/internal/security"
)

// --- インメモリのストア ---

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*model.Account
	queues   map[int64]*model.Queue
	staff    map[[2]int64]bool
	students map[[2]int64]bool
	pins     map[[2]int64]bool
	entries  map[int64]*model.Entry
	history  map[[2]int64]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[int64]*model.Account{},
		queues:   map[int64]*model.Queue{},
		staff:    map[[2]int64]bool{},
		students: map[[2]int64]bool{},
		pins:     map[[2]int64]bool{},
		entries:  map[int64]*model.Entry{},
		history:  map[[2]int64]time.Time{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addAccount(nickname string, isAdmin bool) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	a := &model.Account{ID: id, IdentityID: id + 1000, Nickname: nickname, Email: strings.ToLower(nickname) + "@example.com", IsAdmin: isAdmin}
	m.accounts[a.ID] = a
	return a
}

func (m *memStore) addQueue(q model.Queue) *model.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = m.id()
	m.queues[q.ID] = &q
	return &q
}

func (m *memStore) entry(accountID, queueID int64) *model.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.QueueID == queueID {
			c := *e
			return &c
		}
	}
	return nil
}

type memQueueRepo struct{ s *memStore }

func (r *memQueueRepo) FindByID(ctx context.Context, id int64) (*model.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, nil
	}
	c := *q
	return &c, nil
}

func (r *memQueueRepo) ListWithAccess(ctx context.Context, accountID int64) ([]model.QueueAccess, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []model.QueueAccess
	for id, q := range r.s.queues {
		key := [2]int64{id, accountID}
		result = append(result, model.QueueAccess{
			Queue: *q, IsStaff: r.s.staff[key], IsStudent: r.s.students[key], IsPinned: r.s.pins[key],
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memQueueRepo) Create(ctx context.Context, q *model.Queue, creatorID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q.ID = r.s.id()
	c := *q
	r.s.queues[q.ID] = &c
	r.s.staff[[2]int64{q.ID, creatorID}] = true
	return nil
}

func (r *memQueueRepo) Update(ctx context.Context, q *model.Queue) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.queues[q.ID]; !ok {
		return false, nil
	}
	c := *q
	r.s.queues[q.ID] = &c
	return true, nil
}

func (r *memQueueRepo) ToggleOpen(ctx context.Context, id int64) (*model.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, nil
	}
	q.IsOpen = !q.IsOpen
	c := *q
	return &c, nil
}

func (r *memQueueRepo) Delete(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.queues[id]; !ok {
		return false, nil
	}
	delete(r.s.queues, id)
	for eid, e := range r.s.entries {
		if e.QueueID == id {
			delete(r.s.entries, eid)
		}
	}
	return true, nil
}

func (r *memQueueRepo) IsStaff(ctx context.Context, queueID, accountID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.staff[[2]int64{queueID, accountID}], nil
}

func (r *memQueueRepo) IsStudent(ctx context.Context, queueID, accountID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.students[[2]int64{queueID, accountID}], nil
}

func (r *memQueueRepo) set(m map[[2]int64]bool, queueID, accountID int64, v bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if v {
		m[[2]int64{queueID, accountID}] = true
	} else {
		delete(m, [2]int64{queueID, accountID})
	}
}

func (r *memQueueRepo) AddStaff(ctx context.Context, queueID, accountID int64) error {
	r.set(r.s.staff, queueID, accountID, true)
	return nil
}
func (r *memQueueRepo) RemoveStaff(ctx context.Context, queueID, accountID int64) error {
	r.set(r.s.staff, queueID, accountID, false)
	return nil
}
func (r *memQueueRepo) AddStudent(ctx context.Context, queueID, accountID int64) error {
	r.set(r.s.students, queueID, accountID, true)
	return nil
}
func (r *memQueueRepo) RemoveStudent(ctx context.Context, queueID, accountID int64) error {
	r.set(r.s.students, queueID, accountID, false)
	return nil
}

func (r *memQueueRepo) members(m map[[2]int64]bool, queueID int64) []*model.Account {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.Account
	for key := range m {
		if key[0] == queueID {
			result = append(result, r.s.accounts[key[1]])
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Nickname < result[j].Nickname })
	return result
}

func (r *memQueueRepo) ListStaff(ctx context.Context, queueID int64) ([]*model.Account, error) {
	return r.members(r.s.staff, queueID), nil
}
func (r *memQueueRepo) ListStudents(ctx context.Context, queueID int64) ([]*model.Account, error) {
	return r.members(r.s.students, queueID), nil
}

func (r *memQueueRepo) TogglePin(ctx context.Context, queueID, accountID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := [2]int64{queueID, accountID}
	if r.s.pins[key] {
		delete(r.s.pins, key)
		return false, nil
	}
	r.s.pins[key] = true
	return true, nil
}

type memEntryRepo struct {
	s *memStore

	// unfreezeCalls はUnfreezeExpiredの呼び出し回数。
	unfreezeCalls int
}

func (r *memEntryRepo) Create(ctx context.Context, e *model.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.entries {
		if existing.AccountID == e.AccountID && existing.QueueID == e.QueueID {
			return repository.ErrDuplicate
		}
	}
	e.ID = r.s.id()
	c := *e
	r.s.entries[e.ID] = &c
	return nil
}

func (r *memEntryRepo) FindByAccountAndQueue(ctx context.Context, accountID, queueID int64) (*model.Entry, error) {
	return r.s.entry(accountID, queueID), nil
}

func (r *memEntryRepo) ListViewsByQueue(ctx context.Context, queueID int64) ([]model.EntryView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	views := []model.EntryView{}
	for _, e := range r.s.entries {
		if e.QueueID != queueID {
			continue
		}
		v := model.EntryView{Entry: *e, Nickname: r.s.accounts[e.AccountID].Nickname}
		if e.HelpingStaffID != nil {
			name := r.s.accounts[*e.HelpingStaffID].Nickname
			v.HelpingStaffName = &name
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].JoinTime.Equal(views[j].JoinTime) {
			return views[i].JoinTime.Before(views[j].JoinTime)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (r *memEntryRepo) mutate(id, queueID int64, fn func(e *model.Entry)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok || e.QueueID != queueID {
		return false
	}
	fn(e)
	return true
}

func (r *memEntryRepo) DeleteByAccountAndQueue(ctx context.Context, accountID, queueID int64) (bool, error) {
	e := r.s.entry(accountID, queueID)
	if e == nil {
		return false, nil
	}
	r.s.mu.Lock()
	delete(r.s.entries, e.ID)
	r.s.mu.Unlock()
	return true, nil
}

func (r *memEntryRepo) DeleteByIDAndQueue(ctx context.Context, id, queueID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok || e.QueueID != queueID {
		return false, nil
	}
	delete(r.s.entries, id)
	return true, nil
}

func (r *memEntryRepo) MarkHelping(ctx context.Context, id, queueID, staffID int64) (bool, error) {
	return r.mutate(id, queueID, func(e *model.Entry) {
		e.Status = model.EntryStatusHelping
		e.HelpingStaffID = &staffID
		e.FreezeTime = nil
	}), nil
}

func (r *memEntryRepo) MarkFrozen(ctx context.Context, id, queueID int64, at time.Time) (bool, error) {
	return r.mutate(id, queueID, func(e *model.Entry) {
		e.Status = model.EntryStatusFrozen
		e.HelpingStaffID = nil
		e.FreezeTime = &at
	}), nil
}

func (r *memEntryRepo) UnfreezeOwn(ctx context.Context, accountID, queueID int64) (bool, error) {
	e := r.s.entry(accountID, queueID)
	if e == nil {
		return false, nil
	}
	changed := false
	r.mutate(e.ID, queueID, func(e *model.Entry) {
		if e.Status == model.EntryStatusFrozen {
			e.Status = model.EntryStatusWaiting
			e.FreezeTime = nil
			changed = true
		}
	})
	return changed, nil
}

func (r *memEntryRepo) FreezeAllWaiting(ctx context.Context, queueID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.entries {
		if e.QueueID == queueID && e.Status == model.EntryStatusWaiting {
			e.Status = model.EntryStatusFrozen
			e.FreezeTime = nil
			n++
		}
	}
	return n, nil
}

func (r *memEntryRepo) UnfreezeExpired(ctx context.Context, queueID int64, ids []int64, cutoff time.Time) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.unfreezeCalls++
	var reverted []int64
	for _, id := range ids {
		e, ok := r.s.entries[id]
		if !ok || e.QueueID != queueID || e.Status != model.EntryStatusFrozen || e.FreezeTime == nil || e.FreezeTime.After(cutoff) {
			continue
		}
		e.Status = model.EntryStatusWaiting
		e.FreezeTime = nil
		reverted = append(reverted, id)
	}
	return reverted, nil
}

type memAccountRepo struct{ s *memStore }

func (r *memAccountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}
func (r *memAccountRepo) FindByIdentityID(ctx context.Context, identityID int64) (*model.Account, error) {
	return nil, nil
}
func (r *memAccountRepo) Create(ctx context.Context, a *model.Account) error { return nil }
func (r *memAccountRepo) UpdateProfile(ctx context.Context, id int64, email, nickname string) error {
	return nil
}
func (r *memAccountRepo) SetAdmin(ctx context.Context, id int64, isAdmin bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return false, nil
	}
	a.IsAdmin = isAdmin
	return true, nil
}
func (r *memAccountRepo) Search(ctx context.Context, query string, excludeStaffOf int64, limit int) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.Account
	for _, a := range r.s.accounts {
		if !strings.Contains(strings.ToLower(a.Nickname), strings.ToLower(query)) {
			continue
		}
		if excludeStaffOf != 0 && r.s.staff[[2]int64{excludeStaffOf, a.ID}] {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Nickname < result[j].Nickname })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
func (r *memAccountRepo) SearchNonAdmins(ctx context.Context, query string, limit int) ([]*model.Account, error) {
	all, _ := r.Search(ctx, query, 0, 0)
	var result []*model.Account
	for _, a := range all {
		if !a.IsAdmin {
			result = append(result, a)
		}
	}
	return result, nil
}
func (r *memAccountRepo) ListAdmins(ctx context.Context) ([]*model.Account, error) {
	all, _ := r.Search(ctx, "", 0, 0)
	var result []*model.Account
	for _, a := range all {
		if a.IsAdmin {
			result = append(result, a)
		}
	}
	return result, nil
}

type memHistoryRepo struct{ s *memStore }

func (r *memHistoryRepo) Touch(ctx context.Context, accountID, queueID int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.history[[2]int64{accountID, queueID}] = at
	return nil
}
func (r *memHistoryRepo) ListRecentQueueIDs(ctx context.Context, accountID int64) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	type row struct {
		id int64
		at time.Time
	}
	var rows []row
	for key, at := range r.s.history {
		if key[0] == accountID {
			rows = append(rows, row{key[1], at})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids, nil
}
func (r *memHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// recordingNotifier は通知されたイベントを記録する。
type recordingNotifier struct {
	mu     sync.Mutex
	events []event.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev event.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []event.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]event.Kind, len(n.events))
	for i, ev := range n.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

// fixture はテスト用に組み立てたサービスとストア。
type fixture struct {
	svc      *Service
	store    *memStore
	entries  *memEntryRepo
	notifier *recordingNotifier
	now      time.Time
}

func newFixture() *fixture {
	store := newMemStore()
	f := &fixture{
		store:    store,
		entries:  &memEntryRepo{s: store},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		&memQueueRepo{s: store},
		f.entries,
		&memAccountRepo{s: store},
		&memHistoryRepo{s: store},
		f.notifier,
		security.NewTextSanitizer(),
	)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// staffQueue は開いている公開キューとそのスタッフを作成する。
func (f *fixture) staffQueue(timeoutSeconds int) (*model.Queue, *model.Account) {
	q := f.store.addQueue(model.Queue{
		Name: "Distributed Systems", CourseNumber: "15440", IsPublic: true, IsOpen: true,
		FreezeTimeoutSeconds: timeoutSeconds,
	})
	staff := f.store.addAccount("Ta", false)
	f.store.staff[[2]int64{q.ID, staff.ID}] = true
	return q, staff
}

func principal(a *model.Account) *model.Principal {
	return &model.Principal{Identity: &model.Identity{ID: a.IdentityID}, Account: a}
}
