// Package registry tracks the single live session bound to each IMEI.
package registry

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// BindResult is the outcome of a Bind attempt.
type BindResult int

const (
	Bound BindResult = iota
	Conflict
)

// Session is the minimal surface the registry needs from a device
// session: enough to identify it.
type Session interface {
	ID() string
}

// Registry maps IMEI to the session currently authenticated as it. At
// most one session may occupy a given IMEI at a time; Bind rejects a
// second claimant rather than silently evicting the first, leaving that
// decision to the caller (the session rejects the handshake and closes
// the new connection).
type Registry struct {
	sessions *xsync.Map[string, Session]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: xsync.NewMap[string, Session](),
	}
}

// Bind associates imei with sess if no other session currently holds
// it. It returns Conflict without modifying any state if imei is
// already bound, even to sess itself.
func (r *Registry) Bind(imei string, sess Session) BindResult {
	_, loaded := r.sessions.LoadOrStore(imei, sess)
	if loaded {
		return Conflict
	}
	return Bound
}

// Unbind removes the imei -> session association only if sess is still
// the current occupant. A session that lost a race (e.g. was displaced
// or is unwinding after a failed bind) cannot clobber a newer binding.
func (r *Registry) Unbind(imei string, sess Session) {
	r.sessions.Compute(imei, func(cur Session, loaded bool) (Session, xsync.ComputeOp) {
		if !loaded || cur.ID() != sess.ID() {
			return cur, xsync.CancelOp
		}
		return nil, xsync.DeleteOp
	})
}

// Lookup returns the session currently bound to imei, if any.
func (r *Registry) Lookup(imei string) (Session, bool) {
	return r.sessions.Load(imei)
}

// Len reports the number of currently bound sessions, for metrics.
func (r *Registry) Len() int {
	return r.sessions.Size()
}
