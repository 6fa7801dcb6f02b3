package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier keeps every notification the engine requests.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	fail error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) byKind(kind NotificationKind) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, note := range n.sent {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

type testEnv struct {
	ctx    context.Context
	engine *Engine
	repo   *SQLiteRepository
	clock  *fakeClock
	notes  *recordingNotifier
	chats  int64
}

// setupTestEngine creates an engine over a fresh database with a fake clock.
// The database is closed when the test completes.
func setupTestEngine(t testing.TB) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDB(dbPath)
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db), "Failed to migrate test database")

	repo := NewSQLiteRepository(db)
	clock := newFakeClock()
	notes := &recordingNotifier{}
	return &testEnv{
		ctx:    context.Background(),
		engine: NewEngine(repo, notes, WithClock(clock.Now)),
		repo:   repo,
		clock:  clock,
		notes:  notes,
	}
}

func (env *testEnv) addUser(t testing.TB, key string, degree Degree) {
	t.Helper()
	env.chats++
	require.NoError(t, env.repo.UpsertUser(env.ctx, User{Key: key, Name: key, Degree: degree, ChatID: 1000 + env.chats}))
}

// addSlot adds a slot a month after the test start.
func (env *testEnv) addSlot(t testing.TB, capacity int) int64 {
	t.Helper()
	id, err := env.engine.AddSlot(env.ctx, Slot{
		Date:      testStart.AddDate(0, 0, 30),
		StartTime: "10:00",
		EndTime:   "12:00",
		Location:  "B-101",
		Capacity:  capacity,
	})
	require.NoError(t, err)
	return id
}

func supervisorOf(user string) string {
	return user + ".sup@uni.example"
}

// register registers user with a supervisor email so an approval token is issued.
func (env *testEnv) register(t testing.TB, user string, slotID int64) RegisterResult {
	t.Helper()
	res, err := env.engine.Register(env.ctx, user, slotID, RegisterRequest{
		Topic:           "Talk of " + user,
		SupervisorName:  "Ada Lovelace",
		SupervisorEmail: supervisorOf(user),
	})
	require.NoError(t, err)
	return res
}

func (env *testEnv) mustRegister(t testing.TB, user string, slotID int64) Registration {
	t.Helper()
	res := env.register(t, user, slotID)
	require.Equal(t, OutcomeRegistered, res.Outcome, "register %s in slot %d", user, slotID)
	require.NotNil(t, res.Registration)
	return *res.Registration
}

func (env *testEnv) wait(t testing.TB, user string, slotID int64) WaitlistResult {
	t.Helper()
	res, err := env.engine.AddToWaitingList(env.ctx, slotID, user, WaitlistRequest{
		Topic:           "Waiting talk of " + user,
		SupervisorName:  "Grace Hopper",
		SupervisorEmail: supervisorOf(user),
	})
	require.NoError(t, err)
	return res
}

func (env *testEnv) slot(t testing.TB, id int64) Slot {
	t.Helper()
	s, err := env.repo.GetSlot(env.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return *s
}

func (env *testEnv) occupancy(t testing.TB, slotID int64) int {
	t.Helper()
	regs, err := env.repo.ListSlotRegistrations(env.ctx, slotID)
	require.NoError(t, err)
	return effectiveOccupancy(regs, env.engine.Settings().Weights)
}

func (env *testEnv) registration(t testing.TB, slotID int64, user string) *Registration {
	t.Helper()
	reg, err := env.repo.GetRegistration(env.ctx, slotID, user)
	require.NoError(t, err)
	return reg
}

func (env *testEnv) entry(t testing.TB, slotID int64, user string) *WaitingListEntry {
	t.Helper()
	e, err := env.repo.GetEntry(env.ctx, slotID, user)
	require.NoError(t, err)
	return e
}

func (env *testEnv) queue(t testing.TB, slotID int64) []string {
	t.Helper()
	entries, err := env.repo.ListEntries(env.ctx, slotID)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for i, e := range entries {
		require.Equal(t, i+1, e.Position, "positions must be dense")
		keys = append(keys, e.UserKey)
	}
	return keys
}

func TestEngine_UpdateSettings(t *testing.T) {
	env := setupTestEngine(t)

	s := DefaultSettings()
	s.WaitlistMaxSize = 1
	env.engine.UpdateSettings(s)
	require.Equal(t, 1, env.engine.Settings().WaitlistMaxSize)

	slotID := env.addSlot(t, 1)
	env.addUser(t, "alice", DegreeMSc)
	env.addUser(t, "bob", DegreeMSc)
	require.Equal(t, OutcomeAddedToList, env.wait(t, "alice", slotID).Outcome)
	require.Equal(t, OutcomeWaitingListFull, env.wait(t, "bob", slotID).Outcome)
}

func TestEngine_RecordsOutcomeStats(t *testing.T) {
	env := setupTestEngine(t)
	slotID := env.addSlot(t, 3)
	env.addUser(t, "alice", DegreeMSc)

	env.mustRegister(t, "alice", slotID)
	require.Equal(t, OutcomeAlreadyInSlot, env.register(t, "alice", slotID).Outcome)

	stats, err := env.engine.OutcomeStats(env.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats["register:REGISTERED"])
	require.Equal(t, int64(1), stats["register:ALREADY_IN_SLOT"])
}

func TestSettings_Link(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, "https://t.me/SemSlotBot?start=approve_abc", s.link("approve", "abc"))
}

func TestSlotDatePassed(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	slot := Slot{Date: day}

	require.False(t, slotDatePassed(slot, day.Add(-time.Hour)))
	require.False(t, slotDatePassed(slot, day.Add(23*time.Hour)), "same day is still open")
	require.True(t, slotDatePassed(slot, day.Add(25*time.Hour)))
}

func TestDescribeSlot(t *testing.T) {
	require.Equal(t, "the seminar slot", describeSlot(nil))
	s := &Slot{ID: 7, Date: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), StartTime: "10:00", EndTime: "11:30", Location: "B-101"}
	require.Equal(t, "slot #7 on 01.04.2026 10:00-11:30 (B-101)", describeSlot(s))
	require.Equal(t, "slot #8 on 01.04.2026", describeSlot(&Slot{ID: 8, Date: s.Date}))
}

// requireNoCascadeErrors fails when any follow-up step reported an error.
func requireNoCascadeErrors(t testing.TB, steps []StepResult) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, s.Err, fmt.Sprintf("cascade step %s", s.Name))
	}
}
