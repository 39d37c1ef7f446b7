package metrics

import (
	"context"
	"sort"
	"sync"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/stats"
)

// Aggregator is a metric buffer sink that keeps AggregatedStats per metric
// key for the most recent flush window only.
type Aggregator struct {
	mu    sync.RWMutex
	stats map[string]model.AggregatedStats
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[string]model.AggregatedStats)}
}

func (a *Aggregator) Name() string { return "aggregator" }

// Write groups the batch by key and replaces the stats of every key present.
func (a *Aggregator) Write(_ context.Context, batch []*model.PerformanceMetric) error {
	groups := make(map[string][]float64)
	for _, m := range batch {
		groups[m.Key()] = append(groups[m.Key()], m.Value)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, values := range groups {
		a.stats[key] = stats.Compute(values)
	}
	return nil
}

// Stats returns the latest stats for key.
func (a *Aggregator) Stats(key string) (model.AggregatedStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.stats[key]
	return s, ok
}

// AllStats copies the latest stats of every key.
func (a *Aggregator) AllStats() map[string]model.AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]model.AggregatedStats, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}

// Keys lists the aggregated keys in order.
func (a *Aggregator) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.stats))
	for k := range a.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
