package syncer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCooldown suppresses repeat syncs after a successful pass.
const DefaultCooldown = 5 * time.Minute

// Syncer runs a full pull for a user.
type Syncer interface {
	SyncAllSessionsToLocal(ctx context.Context, userID string) (*Result, error)
}

// Outcome says how a gated call was served.
type Outcome int

const (
	// OutcomeRan means this call performed the sync.
	OutcomeRan Outcome = iota
	// OutcomeShared means one sync served several concurrent callers.
	OutcomeShared
	// OutcomeThrottled means a recent successful sync suppressed this call.
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRan:
		return "ran"
	case OutcomeShared:
		return "shared"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Gate deduplicates concurrent syncs per user and throttles repeats.
type Gate struct {
	syncer   Syncer
	cooldown time.Duration
	group    singleflight.Group
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewGate wraps s. A non-positive cooldown uses DefaultCooldown.
func NewGate(s Syncer, cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{syncer: s, cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

// Sync runs a sync for userID unless one succeeded within the cooldown.
// A throttled call returns a nil Result.
func (g *Gate) Sync(ctx context.Context, userID string) (*Result, Outcome, error) {
	g.mu.Lock()
	last, ok := g.last[userID]
	g.mu.Unlock()
	if ok && g.now().Sub(last) < g.cooldown {
		return nil, OutcomeThrottled, nil
	}
	return g.run(ctx, userID)
}

// Force runs a sync ignoring the cooldown. It still joins a sync already
// in flight for the same user.
func (g *Gate) Force(ctx context.Context, userID string) (*Result, Outcome, error) {
	return g.run(ctx, userID)
}

// LastSuccess returns when userID last completed a successful sync.
func (g *Gate) LastSuccess(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[userID]
	return t, ok
}

func (g *Gate) run(ctx context.Context, userID string) (*Result, Outcome, error) {
	v, err, shared := g.group.Do(userID, func() (any, error) {
		res, err := g.syncer.SyncAllSessionsToLocal(ctx, userID)
		if err == nil && res != nil && res.Success {
			g.mu.Lock()
			g.last[userID] = g.now()
			g.mu.Unlock()
		}
		return res, err
	})

	outcome := OutcomeRan
	if shared {
		outcome = OutcomeShared
	}
	if err != nil {
		return nil, outcome, err
	}
	res, _ := v.(*Result)
	return res, outcome, nil
}
