package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names observed by the memory tiers.
const (
	StageEmbed          = "embed"
	StageShortTermRead  = "short_term_recent"
	StageShortTermWrite = "short_term_append"
	StageLongTermQuery  = "long_term_query"
	StageLongTermSave   = "long_term_save"
	StageBuildContext   = "build_context"
)

type stageDef struct {
	tier     string
	budgetMS float64
}

// memoryStages lists every stage the window tracks with its owning tier
// and p95 budget in milliseconds. Zero budget means unbudgeted.
var memoryStages = map[string]stageDef{
	StageEmbed:          {tier: "embedding", budgetMS: 300},
	StageShortTermRead:  {tier: "short_term", budgetMS: 20},
	StageShortTermWrite: {tier: "short_term", budgetMS: 20},
	StageLongTermQuery:  {tier: "long_term", budgetMS: 350},
	StageLongTermSave:   {tier: "long_term"},
	StageBuildContext:   {tier: "manager", budgetMS: 400},
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Tier       string  `json:"tier"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudget int     `json:"over_budget"`
}

// FallbackCount is how often a component served a degraded result since
// process start.
type FallbackCount struct {
	Component string `json:"component"`
	Count     int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Stages      []StageStats    `json:"stages"`
	Fallbacks   []FallbackCount `json:"fallbacks,omitempty"`
}

// latencyRing keeps the newest samples of one stage.
type latencyRing struct {
	samples []float64
	next    int
	full    bool
}

func (r *latencyRing) add(ms float64) {
	r.samples[r.next] = ms
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) last() float64 {
	i := r.next - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

func (r *latencyRing) sorted() []float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	out := append([]float64(nil), r.samples[:n]...)
	sort.Float64s(out)
	return out
}

// stageWindow tracks rolling latency for the fixed set of memory stages.
// Unknown stage names are ignored so a typo cannot grow the map.
type stageWindow struct {
	mu        sync.Mutex
	size      int
	rings     map[string]*latencyRing
	fallbacks map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:      size,
		rings:     make(map[string]*latencyRing, len(memoryStages)),
		fallbacks: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if _, ok := memoryStages[stage]; !ok || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &latencyRing{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveFallback(component string) {
	if component == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fallbacks[component]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		def := memoryStages[stage]
		samples := r.sorted()
		st := StageStats{
			Stage:    stage,
			Tier:     def.tier,
			Samples:  len(samples),
			LastMS:   roundMS(r.last()),
			P50MS:    roundMS(nearestRank(samples, 0.50)),
			P95MS:    roundMS(nearestRank(samples, 0.95)),
			MaxMS:    roundMS(samples[len(samples)-1]),
			BudgetMS: def.budgetMS,
		}
		if def.budgetMS > 0 {
			firstOver := sort.Search(len(samples), func(i int) bool { return samples[i] > def.budgetMS })
			st.OverBudget = len(samples) - firstOver
		}
		snap.Stages = append(snap.Stages, st)
	}
	sort.Slice(snap.Stages, func(i, j int) bool {
		if snap.Stages[i].Tier != snap.Stages[j].Tier {
			return snap.Stages[i].Tier < snap.Stages[j].Tier
		}
		return snap.Stages[i].Stage < snap.Stages[j].Stage
	})

	for component, n := range w.fallbacks {
		snap.Fallbacks = append(snap.Fallbacks, FallbackCount{Component: component, Count: n})
	}
	sort.Slice(snap.Fallbacks, func(i, j int) bool {
		return snap.Fallbacks[i].Component < snap.Fallbacks[j].Component
	})
	return snap
}

// nearestRank returns the q-quantile of sorted samples without
// interpolation, so the result is always an observed latency.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
