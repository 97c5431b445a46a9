package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/observability"
)

const (
	DefaultMaxPerUser = 3
	// EndedRetention is how long an ended session stays readable before the
	// sweep purges it.
	EndedRetention = time.Hour
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active voice sessions")
	ErrSessionEnded    = errors.New("session has ended")
	ErrInvalidState    = errors.New("invalid session state")
	ErrInvalidTurn     = errors.New("invalid turn")
	ErrMissingUser     = errors.New("user_id is required")

	errUnchanged = errors.New("unchanged")
)

type Options struct {
	MaxPerUser int
	Metrics    *observability.Metrics
	Mirror     Mirror
	// OnEnd runs after a session transitions into ended, outside any lock.
	OnEnd func(VoiceSession)
	Now   func() time.Time
}

// Manager keeps voice sessions in a concurrent keyed map. Stored values are
// never mutated in place: every change builds a copy inside Compute, so a
// loaded pointer is a stable snapshot.
type Manager struct {
	sessions   *xsync.MapOf[string, *VoiceSession]
	activeByID *xsync.MapOf[string, int]
	maxPerUser int

	log     *zap.Logger
	metrics *observability.Metrics
	mirror  Mirror
	onEnd   func(VoiceSession)
	now     func() time.Time
}

func NewManager(opts Options, log *zap.Logger) *Manager {
	if opts.MaxPerUser == 0 {
		opts.MaxPerUser = DefaultMaxPerUser
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:   xsync.NewMapOf[string, *VoiceSession](),
		activeByID: xsync.NewMapOf[string, int](),
		maxPerUser: opts.MaxPerUser,
		log:        log,
		metrics:    opts.Metrics,
		mirror:     opts.Mirror,
		onEnd:      opts.OnEnd,
		now:        opts.Now,
	}
}

// CreateSession admits a new idle session for userID. Admission and insertion
// happen under the user's index entry, so concurrent creates for one user
// cannot overshoot MaxPerUser. A negative MaxPerUser disables the limit.
func (m *Manager) CreateSession(userID string, opts CreateOptions) (*VoiceSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	now := m.now()
	s := &VoiceSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		State:          StateIdle,
		Provider:       opts.Provider,
		Model:          opts.Model,
		VoiceID:        opts.VoiceID,
		Turns:          []Turn{},
		StartedAt:      now,
		LastActivityAt: now,
	}

	var (
		admitted bool
		active   int
	)
	m.activeByID.Compute(userID, func(count int, loaded bool) (int, bool) {
		active = count
		if m.maxPerUser > 0 && count >= m.maxPerUser {
			return count, !loaded
		}
		m.sessions.Compute(s.ID, func(*VoiceSession, bool) (*VoiceSession, bool) {
			m.mirror.Save(*clone(s))
			return s, false
		})
		admitted = true
		return count + 1, false
	})
	if !admitted {
		m.event("rejected")
		m.log.Info("voice session rejected",
			zap.String("user_id", userID),
			zap.Int("active", active),
			zap.Int("max", m.maxPerUser))
		return nil, fmt.Errorf("user %s has %d active sessions: %w", userID, active, ErrTooManySessions)
	}

	m.event("created")
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.log.Debug("voice session created", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return clone(s), nil
}

func (m *Manager) GetSession(id string) (*VoiceSession, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// GetSessionForUser hides sessions owned by someone else behind ErrNotFound.
func (m *Manager) GetSessionForUser(id, userID string) (*VoiceSession, error) {
	s, ok := m.sessions.Load(id)
	if !ok || s.UserID != userID {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) UpdateState(id string, state State, reason string) (*VoiceSession, error) {
	if _, ok := ParseState(string(state)); !ok {
		return nil, fmt.Errorf("%q: %w", state, ErrInvalidState)
	}
	return m.mutate(id, func(s *VoiceSession, now time.Time) error {
		if !s.Active() {
			if state == StateEnded {
				return errUnchanged
			}
			return ErrSessionEnded
		}
		if state == StateEnded {
			markEnded(s, now, reason)
			return nil
		}
		s.State = state
		touch(s, now)
		return nil
	})
}

func (m *Manager) AddTurn(id string, turn Turn) (*VoiceSession, error) {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return nil, fmt.Errorf("role %q: %w", turn.Role, ErrInvalidTurn)
	}
	if strings.TrimSpace(turn.Content) == "" {
		return nil, fmt.Errorf("empty content: %w", ErrInvalidTurn)
	}
	return m.mutate(id, func(s *VoiceSession, now time.Time) error {
		if !s.Active() {
			return ErrSessionEnded
		}
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		s.Turns = append(s.Turns, turn)
		touch(s, now)
		return nil
	})
}

// Touch records keep-alive activity without changing state.
func (m *Manager) Touch(id string) error {
	_, err := m.mutate(id, func(s *VoiceSession, now time.Time) error {
		if !s.Active() {
			return ErrSessionEnded
		}
		if !now.After(s.LastActivityAt) {
			return errUnchanged
		}
		touch(s, now)
		return nil
	})
	return err
}

// EndSession is idempotent; ending an ended session returns it unchanged.
func (m *Manager) EndSession(id, reason string) (*VoiceSession, error) {
	if strings.TrimSpace(reason) == "" {
		reason = EndReasonUser
	}
	return m.mutate(id, func(s *VoiceSession, now time.Time) error {
		if !s.Active() {
			return errUnchanged
		}
		markEnded(s, now, reason)
		return nil
	})
}

// EndAll ends every active session with reason and returns how many ended.
func (m *Manager) EndAll(reason string) int {
	var ids []string
	m.sessions.Range(func(id string, s *VoiceSession) bool {
		if s.Active() {
			ids = append(ids, id)
		}
		return true
	})
	ended := 0
	for _, id := range ids {
		var changed bool
		_, err := m.mutate(id, func(s *VoiceSession, now time.Time) error {
			if !s.Active() {
				return errUnchanged
			}
			markEnded(s, now, reason)
			changed = true
			return nil
		})
		if err == nil && changed {
			ended++
		}
	}
	return ended
}

func (m *Manager) GetActiveSessions(userID string) []*VoiceSession {
	var out []*VoiceSession
	m.sessions.Range(func(_ string, s *VoiceSession) bool {
		if s.UserID == userID && s.Active() {
			out = append(out, clone(s))
		}
		return true
	})
	return out
}

func (m *Manager) GetActiveSessionCount(userID string) int {
	count, _ := m.activeByID.Load(userID)
	return count
}

// Len counts stored sessions, ended ones included.
func (m *Manager) Len() int { return m.sessions.Size() }

// CleanupExpired ends active sessions idle for strictly longer than idle and
// purges sessions ended strictly longer than EndedRetention ago. Only the
// first group is counted.
func (m *Manager) CleanupExpired(idle time.Duration) int {
	now := m.now()
	idleCutoff := now.Add(-idle)
	retentionCutoff := now.Add(-EndedRetention)

	var stale, purgeable []string
	m.sessions.Range(func(id string, s *VoiceSession) bool {
		switch {
		case s.Active() && s.LastActivityAt.Before(idleCutoff):
			stale = append(stale, id)
		case !s.Active() && s.EndedAt != nil && s.EndedAt.Before(retentionCutoff):
			purgeable = append(purgeable, id)
		}
		return true
	})

	ended := 0
	for _, id := range stale {
		var expired bool
		_, err := m.mutate(id, func(s *VoiceSession, _ time.Time) error {
			// Activity may have landed since the scan.
			if !s.Active() || !s.LastActivityAt.Before(idleCutoff) {
				return errUnchanged
			}
			markEnded(s, now, EndReasonIdleTimeout)
			expired = true
			return nil
		})
		if err == nil && expired {
			ended++
		}
	}

	removed := 0
	for _, id := range purgeable {
		var purged bool
		m.sessions.Compute(id, func(s *VoiceSession, loaded bool) (*VoiceSession, bool) {
			if !loaded {
				return nil, true
			}
			purged = !s.Active() && s.EndedAt != nil && s.EndedAt.Before(retentionCutoff)
			if purged {
				m.mirror.Remove(id)
			}
			return s, purged
		})
		if purged {
			removed++
		}
	}
	if removed > 0 {
		m.log.Info("purged ended voice sessions", zap.Int("removed", removed))
	}
	return ended
}

// mutate runs fn on a private copy of the stored session and swaps it in.
// fn returning errUnchanged keeps the stored value and is not an error.
// The snapshot is queued for the mirror while the key is still held, so
// mirror writes for one session land in the order the changes were made.
func (m *Manager) mutate(id string, fn func(*VoiceSession, time.Time) error) (*VoiceSession, error) {
	var (
		fnErr    error
		endedNow bool
	)
	now := m.now()
	next, ok := m.sessions.Compute(id, func(old *VoiceSession, loaded bool) (*VoiceSession, bool) {
		if !loaded {
			return nil, true
		}
		c := clone(old)
		if err := fn(c, now); err != nil {
			fnErr = err
			return old, false
		}
		endedNow = old.Active() && !c.Active()
		m.mirror.Save(*clone(c))
		return c, false
	})
	if !ok {
		return nil, ErrNotFound
	}
	if fnErr != nil && !errors.Is(fnErr, errUnchanged) {
		return nil, fnErr
	}
	out := clone(next)
	if fnErr == nil && endedNow {
		m.afterEnd(out)
	}
	return out, nil
}

func (m *Manager) afterEnd(s *VoiceSession) {
	m.activeByID.Compute(s.UserID, func(count int, loaded bool) (int, bool) {
		if !loaded {
			return 0, true
		}
		count--
		return count, count <= 0
	})
	m.event("ended_" + s.EndReason)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
	m.log.Info("voice session ended",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("reason", s.EndReason),
		zap.Int("turns", len(s.Turns)))
	if m.onEnd != nil {
		m.onEnd(*clone(s))
	}
}

func (m *Manager) event(name string) {
	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func markEnded(s *VoiceSession, now time.Time, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = EndReasonUser
	}
	s.State = StateEnded
	touch(s, now)
	ended := now
	s.EndedAt = &ended
	s.EndReason = reason
}

// touch keeps LastActivityAt monotonic even if the clock steps back.
func touch(s *VoiceSession, now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

func clone(s *VoiceSession) *VoiceSession {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	if c.Turns == nil {
		c.Turns = []Turn{}
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
