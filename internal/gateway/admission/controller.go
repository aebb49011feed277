// Package admission implements connection-rate limiting, soft-banning,
// per-source IMEI caps, and source allow-listing applied before a
// session is allowed to open or bind. Per-source state is keyed by
// source host (the port is ignored), held in-process, and swept
// periodically to bound memory.
package admission

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Allow Decision = iota
	DenyRateLimited
	DenySoftBanned
	DenySourceCap
	DenyNotAllowed
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyRateLimited:
		return "deny_rate_limited"
	case DenySoftBanned:
		return "deny_soft_banned"
	case DenySourceCap:
		return "deny_source_cap"
	case DenyNotAllowed:
		return "deny_not_allowed"
	default:
		return "unknown"
	}
}

// Config is a point-in-time, immutable snapshot of admission policy.
// Controller.Update swaps in a new snapshot atomically so concurrent
// readers never observe a half-applied change.
type Config struct {
	// Window is the fixed window over which Attempts are counted.
	Window time.Duration
	// Attempts is the number of connection attempts permitted per
	// source within Window before it is soft-banned.
	Attempts int
	// BanDuration is how long a source stays soft-banned after
	// exceeding Attempts.
	BanDuration time.Duration
	// MaxSessionsPerSource caps concurrently bound IMEIs per source
	// address. Zero means unlimited.
	MaxSessionsPerSource int
	// AllowedSources, when non-empty, is the exhaustive set of source
	// hosts (IP, no port) permitted to open a connection at all.
	AllowedSources map[string]struct{}
}

func (c Config) sourceAllowed(host string) bool {
	if len(c.AllowedSources) == 0 {
		return true
	}
	_, ok := c.AllowedSources[host]
	return ok
}

type sourceState struct {
	windowStart  time.Time
	attempts     int
	bannedUntil  time.Time
	boundImeis   map[string]struct{}
	lastActivity time.Time
}

// Controller evaluates admission decisions and owns the per-source
// state backing them.
type Controller struct {
	mu     sync.RWMutex
	cfg    Config
	states *xsync.Map[string, *sourceState]
}

// New builds a Controller from an initial Config.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		states: xsync.NewMap[string, *sourceState](),
	}
}

// Update atomically replaces the active policy snapshot. Existing
// per-source counters are preserved; only the thresholds they are
// compared against change.
func (c *Controller) Update(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Controller) snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Snapshot returns the active policy, letting a caller build an
// updated Config without clobbering fields it doesn't intend to touch.
func (c *Controller) Snapshot() Config {
	return c.snapshot()
}

// EvaluateOpen decides whether a new TCP connection from source may
// proceed to the handshake stage. It records the attempt against the
// rate-limit window as a side effect, mirroring a fixed-window counter:
// the window resets wholesale once it elapses rather than decaying
// continuously.
func (c *Controller) EvaluateOpen(source string) Decision {
	cfg := c.snapshot()
	host := hostOf(source)
	if !cfg.sourceAllowed(host) {
		return DenyNotAllowed
	}

	now := time.Now()
	var decision Decision
	c.states.Compute(host, func(st *sourceState, loaded bool) (*sourceState, xsync.ComputeOp) {
		if !loaded {
			st = &sourceState{boundImeis: make(map[string]struct{})}
		}
		st.lastActivity = now

		if !st.bannedUntil.IsZero() && now.Before(st.bannedUntil) {
			decision = DenySoftBanned
			return st, xsync.UpdateOp
		}

		if st.windowStart.IsZero() || now.Sub(st.windowStart) >= cfg.Window {
			st.windowStart = now
			st.attempts = 0
		}
		st.attempts++

		if cfg.Attempts > 0 && st.attempts > cfg.Attempts {
			st.bannedUntil = now.Add(cfg.BanDuration)
			decision = DenyRateLimited
			return st, xsync.UpdateOp
		}

		decision = Allow
		return st, xsync.UpdateOp
	})
	return decision
}

// EvaluateBind decides whether source may bind an additional IMEI,
// given it already passed EvaluateOpen. A source rebinding an IMEI it
// already holds is always allowed regardless of the cap.
func (c *Controller) EvaluateBind(source, imei string) Decision {
	cfg := c.snapshot()
	var decision Decision
	c.states.Compute(hostOf(source), func(st *sourceState, loaded bool) (*sourceState, xsync.ComputeOp) {
		if !loaded {
			st = &sourceState{boundImeis: make(map[string]struct{})}
		}
		if _, already := st.boundImeis[imei]; already {
			decision = Allow
			return st, xsync.CancelOp
		}
		if cfg.MaxSessionsPerSource > 0 && len(st.boundImeis) >= cfg.MaxSessionsPerSource {
			decision = DenySourceCap
			return st, xsync.CancelOp
		}
		st.boundImeis[imei] = struct{}{}
		st.attempts = 0
		decision = Allow
		return st, xsync.UpdateOp
	})
	return decision
}

// Release frees the IMEI slot held by source, called when the
// associated session closes.
func (c *Controller) Release(source, imei string) {
	c.states.Compute(hostOf(source), func(st *sourceState, loaded bool) (*sourceState, xsync.ComputeOp) {
		if !loaded {
			return st, xsync.CancelOp
		}
		delete(st.boundImeis, imei)
		return st, xsync.UpdateOp
	})
}

// Sweep evicts source state that has been idle since before cutoff and
// carries no active bindings. It is intended to be invoked periodically
// by a gocron job rather than on every request.
func (c *Controller) Sweep(cutoff time.Time) (evicted int) {
	c.states.Range(func(source string, st *sourceState) bool {
		c.states.Compute(source, func(cur *sourceState, loaded bool) (*sourceState, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			stillBanned := !cur.bannedUntil.IsZero() && cutoff.Before(cur.bannedUntil)
			if len(cur.boundImeis) == 0 && !stillBanned && cur.lastActivity.Before(cutoff) {
				evicted++
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	return evicted
}

func hostOf(source string) string {
	for i := len(source) - 1; i >= 0; i-- {
		if source[i] == ':' {
			return source[:i]
		}
	}
	return source
}
