package pool

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
	StrategyWeighted         = "weighted"
	StrategyResponseTime     = "response-time"
)

// Candidate is an idle connection offered to a Balancer.
type Candidate struct {
	ID       string
	Endpoint string
	Weight   int
	// Active is the number of borrowed connections on the candidate's endpoint.
	Active int
	// Siblings is the number of candidates offered from the same endpoint, this one
	// included. Weighted picks split the endpoint weight across them.
	Siblings        int
	AvgResponseTime time.Duration
}

// Balancer picks one of a non-empty candidate list and returns its index.
type Balancer interface {
	Pick(candidates []Candidate) int
}

// NewBalancer returns the balancer for strategy. probeEvery only applies to
// response-time, where every probeEvery-th pick is random so slow connections get
// a chance to recover their average.
func NewBalancer(strategy string, probeEvery int) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin, "":
		return &roundRobin{}, nil
	case StrategyLeastConnections:
		return leastConnections{}, nil
	case StrategyWeighted:
		return newWeighted(), nil
	case StrategyResponseTime:
		return &responseTime{probeEvery: uint64(probeEvery), rnd: newLockedRand()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (b *roundRobin) Pick(candidates []Candidate) int {
	return int((b.next.Add(1) - 1) % uint64(len(candidates)))
}

type leastConnections struct{}

func (leastConnections) Pick(candidates []Candidate) int {
	best := 0
	for i, c := range candidates[1:] {
		if c.Active < candidates[best].Active {
			best = i + 1
		}
	}
	return best
}

type weighted struct {
	rnd *lockedRand
}

func newWeighted() *weighted {
	return &weighted{rnd: newLockedRand()}
}

func (b *weighted) Pick(candidates []Candidate) int {
	total := 0.0
	for _, c := range candidates {
		total += share(c)
	}
	n := b.rnd.Float64() * total
	for i, c := range candidates {
		n -= share(c)
		if n < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// share is the candidate's part of its endpoint weight, so an endpoint's traffic
// does not grow with its number of idle connections.
func share(c Candidate) float64 {
	siblings := c.Siblings
	if siblings < 1 {
		siblings = 1
	}
	return float64(weightOf(c)) / float64(siblings)
}

func weightOf(c Candidate) int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

type responseTime struct {
	calls      atomic.Uint64
	probeEvery uint64
	rnd        *lockedRand
}

func (b *responseTime) Pick(candidates []Candidate) int {
	n := b.calls.Add(1)
	if b.probeEvery > 0 && n%b.probeEvery == 0 {
		return b.rnd.Intn(len(candidates))
	}
	best := 0
	for i, c := range candidates[1:] {
		if c.AvgResponseTime < candidates[best].AvgResponseTime {
			best = i + 1
		}
	}
	return best
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}
