package graph

import (
	"fmt"
	"sync"

	"spectra/internal/log"
)

// Generation is a monotonic epoch tag for a node's configuration and the
// resources built under it.
type Generation uint64

// Resource is an opaque generation-tagged buffer. It has exactly one
// writer (its owning node) until it is retired; readers only see it
// through an atomic publish after it is marked ready.
type Resource struct {
	ID   uint64
	Gen  Generation
	Data []float64
}

// Len returns the resource's capacity in elements.
func (r *Resource) Len() int { return len(r.Data) }

// retired pairs a resource with the tick fence that must complete before
// the memory may be released.
type retired struct {
	res   *Resource
	fence uint64
}

// Pool owns allocation and deferred destruction of Resources. Retired
// resources sit in a pending set until the scheduler's completion
// watermark passes their fence; nothing is freed eagerly. The pending
// queue is the only cross-thread mutation point in the resource model,
// so it hides behind the pool mutex.
type Pool struct {
	mu      sync.Mutex
	nextID  uint64
	budget  int // total elements allowed across live resources; 0 = unbounded
	inUse   int
	pending []retired
	spare   map[int][]*Resource // same-size reuse, an optimization only
}

// NewPool returns a pool bounded to budget total elements. A zero budget
// disables the bound.
func NewPool(budget int) *Pool {
	return &Pool{budget: budget, spare: make(map[int][]*Resource)}
}

// Allocate returns a fresh or recycled resource of n elements tagged with
// gen. Exceeding the budget reports ErrAllocationFailure; the caller is
// expected to fall back to the pause policy, not to tear the graph down.
func (p *Pool) Allocate(n int, gen Generation) (*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.spare[n]; len(list) > 0 {
		res := list[len(list)-1]
		p.spare[n] = list[:len(list)-1]
		p.inUse += n
		res.Gen = gen
		clear(res.Data)
		return res, nil
	}

	if p.budget > 0 && p.inUse+n > p.budget {
		return nil, fmt.Errorf("%w: %d elements requested, %d of %d in use",
			ErrAllocationFailure, n, p.inUse, p.budget)
	}

	p.nextID++
	p.inUse += n
	return &Resource{ID: p.nextID, Gen: gen, Data: make([]float64, n)}, nil
}

// Retire moves res to the pending-free set, gated on fence. The resource
// still counts against the budget until Collect passes the fence.
func (p *Pool) Retire(res *Resource, fence uint64) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, retired{res: res, fence: fence})
}

// Collect releases every pending resource whose fence is at or below the
// completed watermark. Returns the number released.
func (p *Pool) Collect(completed uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.pending[:0]
	freed := 0
	for _, r := range p.pending {
		if r.fence <= completed {
			p.inUse -= r.res.Len()
			p.spare[r.res.Len()] = append(p.spare[r.res.Len()], r.res)
			freed++
		} else {
			kept = append(kept, r)
		}
	}
	p.pending = kept
	if freed > 0 {
		log.Debugf("pool: collected %d resources at watermark %d, %d elements in use", freed, completed, p.inUse)
	}
	return freed
}

// Pending returns the number of resources awaiting their fence.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// InUse returns the live element count, retired-but-unfenced included.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Pressure returns the fraction of budget in use, 0 when unbounded. The
// graph reads it to pick a swap policy for the next build.
func (p *Pool) Pressure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budget <= 0 {
		return 0
	}
	return float64(p.inUse) / float64(p.budget)
}
