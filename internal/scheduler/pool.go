// Package scheduler holds the fixed set of compute resources a run schedules
// samples onto, and the FIFO admission queue in front of them.
package scheduler

import (
	"fmt"
	"sync"
)

// State is the availability of a resource.
type State string

// Resource states.
const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateRetired State = "retired"
)

// Resource is a snapshot of one slot in the pool.
type Resource struct {
	Index  int    `json:"index"`
	Addr   string `json:"addr,omitempty"`
	State  State  `json:"state"`
	Owner  int    `json:"owner"`
	Served int    `json:"served"`
}

// Pool tracks which resources are idle, busy or retired. Only the engine's
// admission loop mutates it; readers such as the status API take snapshots.
type Pool struct {
	mu  sync.RWMutex
	res []Resource
}

// NewPool creates a pool with one idle resource per address. Cooperative and
// local conduits pass placeholder names.
func NewPool(addrs []string) *Pool {
	res := make([]Resource, len(addrs))
	for i, a := range addrs {
		res[i] = Resource{Index: i, Addr: a, State: StateIdle, Owner: -1}
	}
	return &Pool{res: res}
}

// Capacity returns the number of resources, retired ones included.
func (p *Pool) Capacity() int {
	return len(p.res)
}

// Acquire marks the lowest-index idle resource busy on behalf of owner.
func (p *Pool) Acquire(owner int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.res {
		if p.res[i].State == StateIdle {
			p.res[i].State = StateBusy
			p.res[i].Owner = owner
			p.res[i].Served++
			return i, true
		}
	}
	return -1, false
}

// Release returns a busy resource to idle.
func (p *Pool) Release(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.res) {
		return fmt.Errorf("resource %d out of range", idx)
	}
	r := &p.res[idx]
	if r.State != StateBusy {
		return fmt.Errorf("release resource %d: state is %s", idx, r.State)
	}
	r.State = StateIdle
	r.Owner = -1
	return nil
}

// Retire removes a resource from service permanently.
func (p *Pool) Retire(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.res) {
		return
	}
	p.res[idx].State = StateRetired
	p.res[idx].Owner = -1
}

// Owner returns the sample holding idx, if any.
func (p *Pool) Owner(idx int) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx < 0 || idx >= len(p.res) || p.res[idx].State != StateBusy {
		return -1, false
	}
	return p.res[idx].Owner, true
}

// Available returns the number of idle resources.
func (p *Pool) Available() int {
	return p.count(StateIdle)
}

// Alive returns the number of resources that are not retired.
func (p *Pool) Alive() int {
	return len(p.res) - p.count(StateRetired)
}

func (p *Pool) count(s State) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, r := range p.res {
		if r.State == s {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every resource, in index order.
func (p *Pool) Snapshot() []Resource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Resource, len(p.res))
	copy(out, p.res)
	return out
}
