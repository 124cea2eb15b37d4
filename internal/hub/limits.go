package hub

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// kickThreshold is how many limiter rejections within a minute a session
// gets before the hub disconnects it.
const kickThreshold = 10

// opLimiter pairs a token bucket with a violation window.
type opLimiter struct {
	lim         *rate.Limiter
	violations  int
	windowStart time.Time
}

func newOpLimiter(perSec float64, burst int) *opLimiter {
	if perSec <= 0 {
		perSec = 50
	}
	if burst <= 0 {
		burst = int(perSec)
	}
	return &opLimiter{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// allow consumes one token. kick is set when rejections piled up within
// the current one-minute window.
func (l *opLimiter) allow(now time.Time) (ok, kick bool) {
	if l.lim.Allow() {
		return true, false
	}
	if now.Sub(l.windowStart) > time.Minute {
		l.windowStart = now
		l.violations = 0
	}
	l.violations++
	return false, l.violations >= kickThreshold
}

func (h *RoomHub) allowOperation(sess Session, docID uuid.UUID) bool {
	key := docKey{participantID: sess.ParticipantID(), documentID: docID}
	h.mu.Lock()
	l, ok := h.limiters[key]
	if !ok {
		l = newOpLimiter(h.cfg.OpRatePerSec, h.cfg.OpBurst)
		h.limiters[key] = l
	}
	allowed, kick := l.allow(time.Now())
	h.mu.Unlock()

	if kick {
		sess.Kick(protocol.CodeRateLimited, "repeated rate limit violations")
	}
	return allowed
}

func (h *RoomHub) allowPresence(sess Session) bool {
	pid := sess.ParticipantID()
	h.mu.Lock()
	l, ok := h.presenceLims[pid]
	if !ok {
		perSec := h.cfg.PresenceRatePerSec
		if perSec <= 0 {
			perSec = 1
		}
		l = newOpLimiter(perSec, 3)
		h.presenceLims[pid] = l
	}
	allowed, kick := l.allow(time.Now())
	h.mu.Unlock()

	if kick {
		sess.Kick(protocol.CodeRateLimited, "repeated rate limit violations")
	}
	return allowed
}

// allowCursor shapes cursor traffic with the same bucket used for
// coalescing decisions; it never kicks, excess updates just collapse.
func (h *RoomHub) cursorSlot(key docKey) *cursorSlot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.cursorSlots[key]
	if !ok {
		s = newCursorSlot(h.cfg.CursorCoalesce())
		h.cursorSlots[key] = s
	}
	return s
}
