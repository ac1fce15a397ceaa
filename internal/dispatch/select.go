// Package dispatch places scan jobs on the least loaded eligible node.
package dispatch

import (
	"sort"

	"github.com/tOgg1/scanfleet/internal/models"
)

// Score weights.
const (
	CPUWeight    = 0.7
	MemoryWeight = 0.3
)

// Thresholds are inclusive upper bounds in percent.
type Thresholds struct {
	CPU    float64
	Memory float64
}

// DefaultThresholds returns the 85% overload limits.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 85, Memory: 85}
}

// Candidate is an eligible node and its score.
type Candidate struct {
	Node   *models.Node
	Sample *models.LoadSample
	Score  float64
}

// Score weights CPU over memory; lower is better.
func Score(sample *models.LoadSample) float64 {
	return CPUWeight*sample.CPUPercent + MemoryWeight*sample.MemoryPercent
}

// Eligible reports whether a node with this sample may take a job. A nil
// sample means the node is unknown and never eligible.
func Eligible(sample *models.LoadSample, limits Thresholds) bool {
	if sample == nil {
		return false
	}
	return sample.CPUPercent <= limits.CPU && sample.MemoryPercent <= limits.Memory
}

// Deployed reports whether a node in status runs an agent that can take
// jobs. Pending and deploying nodes never do, whatever their load.
func Deployed(status models.NodeStatus) bool {
	switch status {
	case models.NodeStatusOnline, models.NodeStatusOffline,
		models.NodeStatusOutdated, models.NodeStatusUpdating:
		return true
	}
	return false
}

// Rank filters nodes to the eligible ones and orders them best first: lowest
// score, then lowest id. samples must only hold non-expired samples.
func Rank(nodes []*models.Node, samples map[int64]*models.LoadSample, limits Thresholds) []Candidate {
	candidates := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		if !Deployed(node.Status) {
			continue
		}
		sample := samples[node.ID]
		if !Eligible(sample, limits) {
			continue
		}
		candidates = append(candidates, Candidate{Node: node, Sample: sample, Score: Score(sample)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].Node.ID < candidates[j].Node.ID
	})
	return candidates
}

// SelectNode returns the best eligible node, or false when none qualifies.
func SelectNode(nodes []*models.Node, samples map[int64]*models.LoadSample, limits Thresholds) (Candidate, bool) {
	ranked := Rank(nodes, samples, limits)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}
