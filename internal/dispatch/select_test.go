package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/scanfleet/internal/models"
)

func sample(id int64, cpu, mem float64) *models.LoadSample {
	return &models.LoadSample{NodeID: id, CPUPercent: cpu, MemoryPercent: mem}
}

func nodes(ids ...int64) []*models.Node {
	out := make([]*models.Node, len(ids))
	for i, id := range ids {
		out[i] = &models.Node{ID: id, Name: "node", Status: models.NodeStatusOnline}
	}
	return out
}

func TestSelectNodeLowestScoreWins(t *testing.T) {
	samples := map[int64]*models.LoadSample{
		1: sample(1, 50, 50),
		2: sample(2, 62, 62),
		3: sample(3, 38, 38),
	}

	best, ok := SelectNode(nodes(1, 2, 3), samples, DefaultThresholds())
	require.True(t, ok)
	require.Equal(t, int64(3), best.Node.ID)
	require.InDelta(t, 38, best.Score, 0.0001)
}

func TestSelectNodeTieBreaksOnLowestID(t *testing.T) {
	samples := map[int64]*models.LoadSample{
		9: sample(9, 10, 20),
		4: sample(4, 10, 20),
		7: sample(7, 10, 20),
	}

	for i := 0; i < 10; i++ {
		best, ok := SelectNode(nodes(9, 7, 4), samples, DefaultThresholds())
		require.True(t, ok)
		require.Equal(t, int64(4), best.Node.ID)
	}
}

func TestEligibility(t *testing.T) {
	limits := DefaultThresholds()
	tests := []struct {
		name   string
		sample *models.LoadSample
		want   bool
	}{
		{name: "no sample", sample: nil, want: false},
		{name: "idle", sample: sample(1, 0, 0), want: true},
		{name: "at threshold", sample: sample(1, 85, 85), want: true},
		{name: "cpu over", sample: sample(1, 85.1, 10), want: false},
		{name: "memory over", sample: sample(1, 10, 85.1), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Eligible(tt.sample, limits))
		})
	}
}

func TestRankExcludesOverloadedAndUnknown(t *testing.T) {
	samples := map[int64]*models.LoadSample{
		1: sample(1, 90, 10),
		2: sample(2, 20, 30),
		4: sample(4, 5, 95),
	}

	ranked := Rank(nodes(1, 2, 3, 4), samples, DefaultThresholds())
	require.Len(t, ranked, 1)
	require.Equal(t, int64(2), ranked[0].Node.ID)

	_, ok := SelectNode(nodes(1, 3, 4), samples, DefaultThresholds())
	require.False(t, ok)
}

func TestRankCustomThreshold(t *testing.T) {
	samples := map[int64]*models.LoadSample{1: sample(1, 60, 10)}

	_, ok := SelectNode(nodes(1), samples, Thresholds{CPU: 50, Memory: 50})
	require.False(t, ok)
	_, ok = SelectNode(nodes(1), samples, Thresholds{CPU: 60, Memory: 50})
	require.True(t, ok)
}

func TestScoreWeights(t *testing.T) {
	require.InDelta(t, 12.3*0.7+40.1*0.3, Score(sample(1, 12.3, 40.1)), 0.0001)
}

func TestRankSkipsUndeployedNodes(t *testing.T) {
	all := nodes(1, 2, 3, 4, 5, 6)
	all[0].Status = models.NodeStatusPending
	all[1].Status = models.NodeStatusDeploying
	all[2].Status = models.NodeStatusOffline
	all[3].Status = models.NodeStatusOutdated
	all[4].Status = models.NodeStatusUpdating

	samples := map[int64]*models.LoadSample{}
	for _, node := range all {
		samples[node.ID] = sample(node.ID, 1, 1)
	}

	var ids []int64
	for _, candidate := range Rank(all, samples, DefaultThresholds()) {
		ids = append(ids, candidate.Node.ID)
	}
	require.Equal(t, []int64{3, 4, 5, 6}, ids)
}

func TestDeployed(t *testing.T) {
	require.False(t, Deployed(models.NodeStatusPending))
	require.False(t, Deployed(models.NodeStatusDeploying))
	require.False(t, Deployed(""))
	require.True(t, Deployed(models.NodeStatusOnline))
}
