// Package logpattern groups similar log messages into templates with the
// Drain algorithm, masking the tokens that vary between them as <*>.
package logpattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jaeyo/go-drain3/pkg/drain3"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Drain tuning.
const (
	DefaultDepth       = 4
	DefaultSimilarity  = 0.4
	DefaultMaxClusters = 1000
)

// Wildcard replaces the varying tokens of a template.
const Wildcard = "<*>"

// Miner accumulates weighted messages into clusters. It is not safe for
// concurrent use.
type Miner struct {
	drain    *drain3.Drain
	clusters map[int64]*drain3.LogCluster
	weights  map[int64]int64
}

// NewMiner creates a miner with the default tuning.
func NewMiner() (*Miner, error) {
	d, err := drain3.NewDrain(
		drain3.WithDepth(DefaultDepth),
		drain3.WithSimTh(DefaultSimilarity),
		drain3.WithMaxCluster(DefaultMaxClusters),
	)
	if err != nil {
		return nil, fmt.Errorf("logpattern: %w", err)
	}
	return &Miner{
		drain:    d,
		clusters: make(map[int64]*drain3.LogCluster),
		weights:  make(map[int64]int64),
	}, nil
}

// Add counts msg weight times. Blank messages are skipped.
func (m *Miner) Add(msg string, weight int64) error {
	if strings.TrimSpace(msg) == "" || weight <= 0 {
		return nil
	}
	c, _, err := m.drain.AddLogMessage(msg)
	if err != nil {
		return fmt.Errorf("logpattern: %w", err)
	}
	m.clusters[c.ClusterId] = c
	m.weights[c.ClusterId] += weight
	return nil
}

// Top returns the heaviest templates, most frequent first, ties by template.
// n <= 0 returns all of them.
func (m *Miner) Top(n int) []model.MessageCount {
	// Clusters evicted and recreated by drain can share a template.
	byTemplate := make(map[string]int64, len(m.clusters))
	for id, c := range m.clusters {
		byTemplate[c.GetTemplate()] += m.weights[id]
	}
	out := make([]model.MessageCount, 0, len(byTemplate))
	for t, w := range byTemplate {
		out = append(out, model.MessageCount{Message: t, Count: w})
	}
	sortCounts(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Cluster folds message counts into template counts and keeps the top n.
// Messages are fed heaviest first so templates do not depend on input order.
// On a drain error the exact counts are returned unchanged.
func Cluster(counts []model.MessageCount, n int) []model.MessageCount {
	m, err := NewMiner()
	if err != nil {
		return truncate(counts, n)
	}
	sorted := append([]model.MessageCount(nil), counts...)
	sortCounts(sorted)
	for _, mc := range sorted {
		if err := m.Add(mc.Message, mc.Count); err != nil {
			return truncate(counts, n)
		}
	}
	return m.Top(n)
}

func sortCounts(out []model.MessageCount) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
}

func truncate(counts []model.MessageCount, n int) []model.MessageCount {
	if n > 0 && len(counts) > n {
		return counts[:n]
	}
	return counts
}
