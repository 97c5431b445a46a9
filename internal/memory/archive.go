package memory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/policy"
	"github.com/antoniostano/secondbrain/internal/session"
)

const (
	defaultArchiveQueue = 256
	archiveWriteTimeout = 5 * time.Second
)

// Archiver copies the turns of ended sessions into a Store off the request
// path. Content is PII-redacted before it leaves the process.
type Archiver struct {
	store Store
	queue chan session.VoiceSession
	log   *zap.Logger
}

func NewArchiver(store Store, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		store: store,
		queue: make(chan session.VoiceSession, defaultArchiveQueue),
		log:   log,
	}
}

// Enqueue is the session manager's end hook. It never blocks.
func (a *Archiver) Enqueue(s session.VoiceSession) {
	if len(s.Turns) == 0 {
		return
	}
	select {
	case a.queue <- s:
	default:
		a.log.Warn("turn archive queue full, dropping session",
			zap.String("session_id", s.ID),
			zap.Int("turns", len(s.Turns)))
	}
}

func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case s := <-a.queue:
			a.archive(ctx, s)
		case <-ctx.Done():
			for {
				select {
				case s := <-a.queue:
					a.archive(ctx, s)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Archiver) archive(ctx context.Context, s session.VoiceSession) {
	// Shutdown must not abort a write that already left the queue.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveWriteTimeout)
	defer cancel()
	if err := a.store.SaveTurns(ctx, Records(s)); err != nil {
		a.log.Error("archive session turns failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	a.log.Debug("archived session turns", zap.String("session_id", s.ID), zap.Int("turns", len(s.Turns)))
}

// Records converts a session's turns into redacted archive rows.
func Records(s session.VoiceSession) []TurnRecord {
	out := make([]TurnRecord, 0, len(s.Turns))
	for i, t := range s.Turns {
		content, redacted := policy.RedactPII(t.Content)
		out = append(out, TurnRecord{
			SessionID:   s.ID,
			UserID:      s.UserID,
			Seq:         i,
			Role:        string(t.Role),
			Content:     content,
			PIIRedacted: redacted,
			SpokenAt:    t.Timestamp,
		})
	}
	return out
}
