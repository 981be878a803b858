// Package group implements core.GroupTransport: an in-process hub and a
// Redis backed transport for running several presence nodes.
package group

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// Hub is the single-node transport. Members attach their connection, groups
// are plain sets of member addresses. A hub never closes a sink it did not
// kick.
type Hub struct {
	Policy app.Policy

	mu     sync.RWMutex
	sinks  map[domain.MemberAddr]core.SignalConnection
	groups map[domain.RoomName]map[domain.MemberAddr]struct{}
}

func NewHub(policy app.Policy) *Hub {
	return &Hub{
		Policy: policy,
		sinks:  make(map[domain.MemberAddr]core.SignalConnection),
		groups: make(map[domain.RoomName]map[domain.MemberAddr]struct{}),
	}
}

// Attach routes frames for member to sink until the returned detach is called.
func (h *Hub) Attach(_ context.Context, member domain.MemberAddr, sink core.SignalConnection) (detach func(), err error) {
	h.mu.Lock()
	h.sinks[member] = sink
	h.mu.Unlock()
	log.Debug().Str("module", "group.hub").Str("member", string(member)).Msg("attached")
	return func() { h.detach(member, sink) }, nil
}

func (h *Hub) detach(member domain.MemberAddr, sink core.SignalConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sinks[member] == sink {
		delete(h.sinks, member)
	}
}

func (h *Hub) GroupAdd(_ context.Context, group domain.RoomName, member domain.MemberAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[group]
	if !ok {
		g = make(map[domain.MemberAddr]struct{})
		h.groups[group] = g
	}
	g[member] = struct{}{}
	return nil
}

func (h *Hub) GroupDiscard(_ context.Context, group domain.RoomName, member domain.MemberAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[group]; ok {
		delete(g, member)
		if len(g) == 0 {
			delete(h.groups, group)
		}
	}
	return nil
}

func (h *Hub) GroupSend(_ context.Context, group domain.RoomName, payload core.Frame) error {
	h.Publish(group, payload)
	return nil
}

// Publish fans payload out to every attached member of group and applies
// the backpressure policy to the members whose queue was full.
func (h *Hub) Publish(group domain.RoomName, payload core.Frame) core.PublishResult {
	type target struct {
		addr domain.MemberAddr
		sink core.SignalConnection
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.groups[group]))
	for addr := range h.groups[group] {
		if sink, ok := h.sinks[addr]; ok {
			targets = append(targets, target{addr, sink})
		}
	}
	h.mu.RUnlock()

	res := core.PublishResult{}
	for _, t := range targets {
		if err := t.sink.TrySend(payload); err != nil {
			res.Dropped = append(res.Dropped, t.addr)
			continue
		}
		if f, ok := h.Policy.(interface{ Forgive(domain.MemberAddr) }); ok {
			f.Forgive(t.addr)
		}
		res.SendTo++
	}
	log.Debug().Str("module", "group.hub").Str("group", string(group)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("publish result")

	if h.Policy == nil {
		return res
	}
	for _, addr := range res.Dropped {
		switch h.Policy.OnBackPressure(group, addr) {
		case app.KickMember:
			h.kick(addr)
		case app.MarkSlow:
			log.Warn().Str("module", "group.hub").Str("group", string(group)).Str("member", string(addr)).Msg("slow member")
		case app.DropFrame, app.NoAction:
		}
	}
	return res
}

// kick closes the member's connection. Its read loop then runs the normal
// disconnect path, which leaves every room.
func (h *Hub) kick(member domain.MemberAddr) {
	h.mu.Lock()
	sink, ok := h.sinks[member]
	delete(h.sinks, member)
	h.mu.Unlock()
	if !ok {
		return
	}
	log.Warn().Str("module", "group.hub").Str("member", string(member)).Msg("kicking slow member")
	sink.Close()
}
