package queue

import (
	"math"
	"sort"
)

// Kudos cost constants. A modelless request is priced flat per unit;
// model-bound requests scale with the requested generation length and
// the priciest model in the list.
const (
	modellessUnitKudos = 20.0
	lengthKudosDivisor = 21.0
)

// CostTable resolves the per-unit cost multiplier of a model.
type CostTable interface {
	MultiplierFor(model string) float64
}

// StaticCostTable is a config-driven CostTable with a fallback
// multiplier for unknown models.
type StaticCostTable struct {
	multipliers map[string]float64
	fallback    float64
}

// NewStaticCostTable builds a table from a model→multiplier map.
// Unknown models resolve to fallback; a non-positive fallback becomes 1.
func NewStaticCostTable(multipliers map[string]float64, fallback float64) *StaticCostTable {
	if fallback <= 0 {
		fallback = 1
	}
	cp := make(map[string]float64, len(multipliers))
	for k, v := range multipliers {
		cp[k] = v
	}
	return &StaticCostTable{multipliers: cp, fallback: fallback}
}

// ModelNames lists every model with an explicit multiplier.
func (t *StaticCostTable) ModelNames() []string {
	names := make([]string, 0, len(t.multipliers))
	for name := range t.multipliers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *StaticCostTable) MultiplierFor(model string) float64 {
	if m, ok := t.multipliers[model]; ok {
		return m
	}
	return t.fallback
}

// RequiredKudos prices a request of n units at maxLength tokens each.
// The MAXIMUM multiplier among the requested models is used, so listing
// a cheap model next to an expensive one cannot under-price the job.
func RequiredKudos(costs CostTable, reqModels []string, maxLength, n int) float64 {
	if len(reqModels) == 0 {
		return modellessUnitKudos * float64(n)
	}
	var highest float64
	for _, m := range reqModels {
		if mult := costs.MultiplierFor(m); mult > highest {
			highest = mult
		}
	}
	return round2(float64(maxLength)*highest/lengthKudosDivisor) * float64(n)
}

// UnitKudos is the per-unit share of RequiredKudos.
func UnitKudos(costs CostTable, reqModels []string, maxLength int) float64 {
	return RequiredKudos(costs, reqModels, maxLength, 1)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
