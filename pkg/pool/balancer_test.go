package pool

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"
)

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{ID: string(rune('a' + i)), Endpoint: "primary", Weight: 1}
	}
	return out
}

func TestRoundRobin_VisitsEachOncePerCycle(t *testing.T) {
	is := is.New(t)
	b, err := NewBalancer(StrategyRoundRobin, 0)
	is.NoErr(err)

	cs := candidates(4)
	for cycle := 0; cycle < 5; cycle++ {
		seen := map[int]int{}
		for i := 0; i < len(cs); i++ {
			seen[b.Pick(cs)]++
		}
		is.Equal(len(seen), len(cs))
		for _, n := range seen {
			is.Equal(n, 1)
		}
	}
}

func TestLeastConnections_PicksSmallestActive(t *testing.T) {
	is := is.New(t)
	b, err := NewBalancer(StrategyLeastConnections, 0)
	is.NoErr(err)

	cs := candidates(3)
	cs[0].Active, cs[1].Active, cs[2].Active = 4, 1, 1
	is.Equal(b.Pick(cs), 1) // ties go to the first candidate
	cs[2].Active = 0
	is.Equal(b.Pick(cs), 2)
}

func TestWeighted_ConvergesToWeightRatio(t *testing.T) {
	is := is.New(t)
	b, err := NewBalancer(StrategyWeighted, 0)
	is.NoErr(err)

	cs := candidates(2)
	cs[0].Weight, cs[1].Weight = 3, 1
	counts := [2]int{}
	const trials = 20000
	for i := 0; i < trials; i++ {
		counts[b.Pick(cs)]++
	}
	ratio := float64(counts[0]) / float64(counts[1])
	is.True(math.Abs(ratio-3) < 0.3)
}

func TestWeighted_ZeroWeightDefaultsToOne(t *testing.T) {
	is := is.New(t)
	b := newWeighted()
	cs := candidates(2)
	cs[0].Weight, cs[1].Weight = 0, 0
	counts := [2]int{}
	for i := 0; i < 2000; i++ {
		counts[b.Pick(cs)]++
	}
	is.True(counts[0] > 0)
	is.True(counts[1] > 0)
}

func TestResponseTime_PrefersFastestWithPeriodicProbe(t *testing.T) {
	is := is.New(t)
	b, err := NewBalancer(StrategyResponseTime, 5)
	is.NoErr(err)

	cs := candidates(3)
	cs[0].AvgResponseTime = time.Millisecond * 30
	cs[1].AvgResponseTime = time.Millisecond * 5
	cs[2].AvgResponseTime = time.Millisecond * 50
	for i := 1; i <= 20; i++ {
		got := b.Pick(cs)
		if i%5 == 0 {
			is.True(got >= 0 && got < len(cs))
			continue
		}
		is.Equal(got, 1)
	}
}

func TestNewBalancer_UnknownStrategy(t *testing.T) {
	is := is.New(t)
	_, err := NewBalancer("random", 0)
	is.True(errors.Is(err, ErrUnknownStrategy))
}

func TestWeighted_SplitsEndpointWeightAcrossSiblings(t *testing.T) {
	is := is.New(t)
	b := newWeighted()

	// one idle connection on the heavy endpoint, three on the light one
	cs := []Candidate{
		{ID: "h1", Endpoint: "heavy", Weight: 3, Siblings: 1},
		{ID: "l1", Endpoint: "light", Weight: 1, Siblings: 3},
		{ID: "l2", Endpoint: "light", Weight: 1, Siblings: 3},
		{ID: "l3", Endpoint: "light", Weight: 1, Siblings: 3},
	}
	perEndpoint := map[string]int{}
	for i := 0; i < 20000; i++ {
		perEndpoint[cs[b.Pick(cs)].Endpoint]++
	}
	ratio := float64(perEndpoint["heavy"]) / float64(perEndpoint["light"])
	is.True(math.Abs(ratio-3) < 0.3)
}
