package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type connEntry struct {
	SID    core.SessionID
	User   *domain.User
	Cancel context.CancelFunc
}

// Registry tracks the live connections of this node so they can be found
// and closed by member address or by client session.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.MemberAddr]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.MemberAddr]*connEntry)}
}

func (r *Registry) Bind(member domain.MemberAddr, sid core.SessionID, user *domain.User, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[member] = &connEntry{SID: sid, User: user, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("member", string(member)).Msg("bound connection")
}

func (r *Registry) Unbind(member domain.MemberAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, member)
	log.Info().Str("module", "app.registry").Str("member", string(member)).Msg("unbind connection")
}

// User returns the identity the connection was opened with; nil is anonymous.
func (r *Registry) User(member domain.MemberAddr) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[member]
	if !ok {
		return nil, false
	}
	return e.User, true
}

// ConnectionsOf lists the members opened under sid.
func (r *Registry) ConnectionsOf(sid core.SessionID) []domain.MemberAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.MemberAddr
	for member, e := range r.conns {
		if e.SID == sid {
			out = append(out, member)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel closes the connection; its read loop then runs the disconnect path.
func (r *Registry) Cancel(member domain.MemberAddr) bool {
	r.mu.RLock()
	e, ok := r.conns[member]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("member", string(member)).Msg("canceled connection")
	return true
}
