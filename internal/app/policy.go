package app

import (
	"sync"

	"github.com/dkeye/Presence/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose outbound queue is full
// when a frame is fanned out to group.
type Policy interface {
	OnBackPressure(group domain.RoomName, member domain.MemberAddr) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, domain.MemberAddr) BackpressureAction {
	return KickMember
}

// StrikePolicy drops frames for a slow member and kicks it once it has
// been slow Strikes times. Forgive resets a member after a good send.
type StrikePolicy struct {
	Strikes int

	mu   sync.Mutex
	seen map[domain.MemberAddr]int
}

func (p *StrikePolicy) OnBackPressure(_ domain.RoomName, member domain.MemberAddr) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[domain.MemberAddr]int)
	}
	p.seen[member]++
	if p.seen[member] >= p.Strikes {
		delete(p.seen, member)
		return KickMember
	}
	return MarkSlow
}

func (p *StrikePolicy) Forgive(member domain.MemberAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, member)
}
