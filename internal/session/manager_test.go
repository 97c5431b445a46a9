package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

func newTestManager(t *testing.T, clock *fakeClock, maxPerUser int) *Manager {
	t.Helper()
	return NewManager(Options{MaxPerUser: maxPerUser, Now: clock.Now}, zaptest.NewLogger(t))
}

func TestManagerCreateGetEnd(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 3)
	s, err := m.CreateSession("u1", CreateOptions{Provider: "elevenlabs", VoiceID: "v1"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID == "" || s.State != StateIdle || s.EndedAt != nil {
		t.Fatalf("unexpected new session: %+v", s)
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "u1" || got.Provider != "elevenlabs" || got.VoiceID != "v1" {
		t.Fatalf("GetSession() = %+v", got)
	}

	clock.Advance(time.Second)
	ended, err := m.EndSession(s.ID, "")
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.State != StateEnded || ended.EndedAt == nil || ended.EndReason != EndReasonUser {
		t.Fatalf("ended session = %+v", ended)
	}
	firstEnd := *ended.EndedAt

	clock.Advance(time.Minute)
	again, err := m.EndSession(s.ID, "other")
	if err != nil {
		t.Fatalf("EndSession() second call error = %v", err)
	}
	if !again.EndedAt.Equal(firstEnd) || again.EndReason != EndReasonUser {
		t.Fatalf("EndSession() is not idempotent: %+v", again)
	}
	if _, err := m.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerGetSessionForUserChecksOwner(t *testing.T) {
	m := newTestManager(t, newFakeClock(), 3)
	s, _ := m.CreateSession("alice", CreateOptions{})
	if _, err := m.GetSessionForUser(s.ID, "alice"); err != nil {
		t.Fatalf("GetSessionForUser(owner) error = %v", err)
	}
	if _, err := m.GetSessionForUser(s.ID, "mallory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSessionForUser(other) error = %v, want ErrNotFound", err)
	}
}

func TestManagerUpdateStateStampsEnd(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 3)
	s, _ := m.CreateSession("u1", CreateOptions{})

	clock.Advance(5 * time.Second)
	got, err := m.UpdateState(s.ID, StateSpeaking, "")
	if err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	if got.State != StateSpeaking || got.EndedAt != nil || !got.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("UpdateState(speaking) = %+v", got)
	}

	got, err = m.UpdateState(s.ID, StateEnded, "hangup")
	if err != nil {
		t.Fatalf("UpdateState(ended) error = %v", err)
	}
	if got.EndedAt == nil || got.EndReason != "hangup" {
		t.Fatalf("UpdateState(ended) = %+v", got)
	}
	if _, err := m.UpdateState(s.ID, StateListening, ""); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("UpdateState() after end error = %v, want ErrSessionEnded", err)
	}
	if _, err := m.UpdateState(s.ID, State("dancing"), ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("UpdateState(invalid) error = %v, want ErrInvalidState", err)
	}
}

func TestManagerAddTurnAndTouch(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 3)
	s, _ := m.CreateSession("u1", CreateOptions{})

	clock.Advance(time.Second)
	if _, err := m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "what's the weather"}); err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	clock.Advance(time.Second)
	got, err := m.AddTurn(s.ID, Turn{Role: RoleAssistant, Content: "Sunny."})
	if err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	if len(got.Turns) != 2 || got.Turns[0].Role != RoleUser || got.Turns[1].Content != "Sunny." {
		t.Fatalf("turns = %+v", got.Turns)
	}
	if got.Turns[1].Timestamp.IsZero() {
		t.Fatalf("turn timestamp should be stamped")
	}

	// Mutating a returned copy must not leak into the store.
	got.Turns[0].Content = "tampered"
	fresh, _ := m.GetSession(s.ID)
	if fresh.Turns[0].Content != "what's the weather" {
		t.Fatalf("store was mutated through a returned copy")
	}

	if _, err := m.AddTurn(s.ID, Turn{Role: "system", Content: "x"}); !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("AddTurn(bad role) error = %v, want ErrInvalidTurn", err)
	}
	if _, err := m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "  "}); !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("AddTurn(empty) error = %v, want ErrInvalidTurn", err)
	}

	before := fresh.LastActivityAt
	clock.Advance(3 * time.Second)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	touched, _ := m.GetSession(s.ID)
	if !touched.LastActivityAt.After(before) || touched.State != StateIdle {
		t.Fatalf("Touch() = %+v", touched)
	}

	clock.Advance(-time.Minute)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() with clock skew error = %v", err)
	}
	skewed, _ := m.GetSession(s.ID)
	if skewed.LastActivityAt.Before(touched.LastActivityAt) {
		t.Fatalf("LastActivityAt moved backwards")
	}

	if _, err := m.EndSession(s.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "late"}); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("AddTurn() after end error = %v, want ErrSessionEnded", err)
	}
	if err := m.Touch(s.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Touch() after end error = %v, want ErrSessionEnded", err)
	}
}

func TestManagerRejectsOverCapacity(t *testing.T) {
	m := newTestManager(t, newFakeClock(), 2)
	for i := 0; i < 2; i++ {
		if _, err := m.CreateSession("u1", CreateOptions{}); err != nil {
			t.Fatalf("CreateSession(%d) error = %v", i, err)
		}
	}
	before := len(m.GetActiveSessions("u1"))
	if _, err := m.CreateSession("u1", CreateOptions{}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("CreateSession() error = %v, want ErrTooManySessions", err)
	}
	if after := len(m.GetActiveSessions("u1")); after != before {
		t.Fatalf("active sessions = %d after rejection, want %d", after, before)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if _, err := m.CreateSession("u2", CreateOptions{}); err != nil {
		t.Fatalf("other users are not limited: %v", err)
	}

	first := m.GetActiveSessions("u1")[0]
	if _, err := m.EndSession(first.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if got := m.GetActiveSessionCount("u1"); got != 1 {
		t.Fatalf("GetActiveSessionCount() = %d, want 1", got)
	}
	if _, err := m.CreateSession("u1", CreateOptions{}); err != nil {
		t.Fatalf("CreateSession() after ending one error = %v", err)
	}
}

func TestManagerConcurrentCreatesRespectLimit(t *testing.T) {
	m := newTestManager(t, newFakeClock(), 3)
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateSession("u1", CreateOptions{}); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 3 {
		t.Fatalf("admitted = %d, want 3", admitted.Load())
	}
	if got := len(m.GetActiveSessions("u1")); got != 3 {
		t.Fatalf("active sessions = %d, want 3", got)
	}
	if got := m.GetActiveSessionCount("u1"); got != 3 {
		t.Fatalf("GetActiveSessionCount() = %d, want 3", got)
	}
}

func TestManagerConcurrentAddTurnKeepsEveryTurn(t *testing.T) {
	m := newTestManager(t, newFakeClock(), 3)
	s, _ := m.CreateSession("u1", CreateOptions{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "hi"}); err != nil {
					t.Errorf("AddTurn() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	got, _ := m.GetSession(s.ID)
	if len(got.Turns) != 200 {
		t.Fatalf("turns = %d, want 200", len(got.Turns))
	}
}

func TestCleanupExpiredIdleBoundary(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 10)

	old, _ := m.CreateSession("u1", CreateOptions{})
	clock.Advance(time.Minute)
	exact, _ := m.CreateSession("u1", CreateOptions{})
	clock.Advance(time.Minute)
	fresh, _ := m.CreateSession("u1", CreateOptions{})

	// old idle 31m, exact idle exactly 30m, fresh idle 29m.
	clock.Advance(29 * time.Minute)
	if got := m.CleanupExpired(30 * time.Minute); got != 1 {
		t.Fatalf("CleanupExpired() = %d, want 1", got)
	}
	assertState(t, m, old.ID, StateEnded)
	assertState(t, m, exact.ID, StateIdle)
	assertState(t, m, fresh.ID, StateIdle)

	ended, _ := m.GetSession(old.ID)
	if ended.EndReason != EndReasonIdleTimeout || ended.EndedAt == nil {
		t.Fatalf("idle-ended session = %+v", ended)
	}
	if got := m.CleanupExpired(30 * time.Minute); got != 0 {
		t.Fatalf("second CleanupExpired() = %d, want 0", got)
	}
}

func TestCleanupExpiredRetention(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 10)
	s, _ := m.CreateSession("u1", CreateOptions{})
	if _, err := m.EndSession(s.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Minute)
		m.CleanupExpired(30 * time.Minute)
		if _, err := m.GetSession(s.ID); err != nil {
			t.Fatalf("session purged after %d minutes", (i+1)*10)
		}
	}
	// Exactly one hour after ending: still retained.
	if _, err := m.GetSession(s.ID); err != nil {
		t.Fatalf("session purged at exactly the retention boundary")
	}

	clock.Advance(time.Second)
	if got := m.CleanupExpired(30 * time.Minute); got != 0 {
		t.Fatalf("CleanupExpired() = %d, want purges not counted", got)
	}
	if _, err := m.GetSession(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession() after retention error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndHookAndMirror(t *testing.T) {
	clock := newFakeClock()
	mirror := &recordingMirror{}
	var hooked []VoiceSession
	m := NewManager(Options{
		Now:    clock.Now,
		Mirror: mirror,
		OnEnd:  func(s VoiceSession) { hooked = append(hooked, s) },
	}, zaptest.NewLogger(t))

	s, _ := m.CreateSession("u1", CreateOptions{})
	_, _ = m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "hello"})
	_, _ = m.EndSession(s.ID, "")
	_, _ = m.EndSession(s.ID, "")

	if len(hooked) != 1 || len(hooked[0].Turns) != 1 {
		t.Fatalf("end hook calls = %+v, want exactly one with turns", hooked)
	}
	if saves := mirror.saveCount(); saves != 3 {
		t.Fatalf("mirror saves = %d, want 3 (create, turn, end)", saves)
	}

	clock.Advance(EndedRetention + time.Second)
	m.CleanupExpired(DefaultIdleTimeout)
	if removed := mirror.removed(); len(removed) != 1 || removed[0] != s.ID {
		t.Fatalf("mirror removals = %v", removed)
	}
}

func TestManagerMirrorsChangesInOrder(t *testing.T) {
	mirror := &recordingMirror{}
	m := NewManager(Options{Mirror: mirror}, zaptest.NewLogger(t))
	s, err := m.CreateSession("u1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	const writers, turnsEach = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < turnsEach; i++ {
				if _, err := m.AddTurn(s.ID, Turn{Role: RoleUser, Content: "hi"}); err != nil {
					t.Errorf("AddTurn() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if _, err := m.EndSession(s.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	mirror.mu.Lock()
	saves := append([]VoiceSession(nil), mirror.saves...)
	mirror.mu.Unlock()
	if len(saves) != writers*turnsEach+2 {
		t.Fatalf("mirror saves = %d, want %d", len(saves), writers*turnsEach+2)
	}
	for i := 1; i < len(saves)-1; i++ {
		if len(saves[i].Turns) != i {
			t.Fatalf("save %d carries %d turns, want %d: snapshots reached the mirror out of order", i, len(saves[i].Turns), i)
		}
	}
	if last := saves[len(saves)-1]; last.State != StateEnded || len(last.Turns) != writers*turnsEach {
		t.Fatalf("last save = state %q with %d turns, want the ended session", last.State, len(last.Turns))
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	saves   []VoiceSession
	removes []string
}

func (r *recordingMirror) Save(s VoiceSession) {
	r.mu.Lock()
	r.saves = append(r.saves, s)
	r.mu.Unlock()
}

func (r *recordingMirror) Remove(id string) {
	r.mu.Lock()
	r.removes = append(r.removes, id)
	r.mu.Unlock()
}

func (r *recordingMirror) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *recordingMirror) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removes...)
}

func assertState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	got, err := m.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession(%s) error = %v", id, err)
	}
	if got.State != want {
		t.Fatalf("session %s state = %q, want %q", id, got.State, want)
	}
}

func TestManagerEndAll(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 0)
	a, _ := m.CreateSession("u1", CreateOptions{})
	b, _ := m.CreateSession("u2", CreateOptions{})
	if _, err := m.EndSession(b.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	if got := m.EndAll(EndReasonShutdown); got != 1 {
		t.Fatalf("EndAll() = %d, want 1", got)
	}
	got, _ := m.GetSession(a.ID)
	if got.State != StateEnded || got.EndReason != EndReasonShutdown {
		t.Fatalf("session after EndAll = %+v", got)
	}
	if again := m.EndAll(EndReasonShutdown); again != 0 {
		t.Fatalf("second EndAll() = %d, want 0", again)
	}
	if n := m.GetActiveSessionCount("u1"); n != 0 {
		t.Fatalf("GetActiveSessionCount() = %d, want 0", n)
	}
}
