package campaign

import (
	"fmt"
	"log/slog"
	"math"

	"authguard/internal/schema"
)

// GrouperConfig configures the event grouping pass.
type GrouperConfig struct {
	// Eps is the neighborhood radius for density clustering.
	Eps float64 `yaml:"eps"`
	// MinSamples is the minimum neighborhood size to seed a cluster.
	MinSamples int `yaml:"min_samples"`
	// MinSamplesForClustering is the batch size below which the grouper
	// falls back to heuristic shared-IP grouping.
	MinSamplesForClustering int `yaml:"min_samples_for_clustering"`
}

// DefaultGrouperConfig returns grouping defaults.
func DefaultGrouperConfig() GrouperConfig {
	return GrouperConfig{
		Eps:                     2.0,
		MinSamples:              3,
		MinSamplesForClustering: 10,
	}
}

// Validate checks the configuration at construction time.
func (c *GrouperConfig) Validate() error {
	if c.Eps <= 0 {
		return fmt.Errorf("grouper eps must be positive")
	}
	if c.MinSamples <= 0 {
		return fmt.Errorf("grouper min_samples must be positive")
	}
	if c.MinSamplesForClustering <= 0 {
		return fmt.Errorf("grouper min_samples_for_clustering must be positive")
	}
	return nil
}

// Grouper partitions event batches into candidate campaign groups: a
// density clustering pass over featurized vectors for large batches, and
// heuristic shared-IP grouping for small ones or on clustering failure.
type Grouper struct {
	config     GrouperConfig
	featurizer *Featurizer
}

// NewGrouper creates a grouper.
func NewGrouper(cfg GrouperConfig, featurizer *Featurizer) (*Grouper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Grouper{config: cfg, featurizer: featurizer}, nil
}

// Group partitions a batch into groups keyed by group ID. Clustering noise
// points are discarded; heuristic grouping keeps every event.
func (g *Grouper) Group(events []*schema.CampaignEvent) map[string][]*schema.CampaignEvent {
	if len(events) == 0 {
		return map[string][]*schema.CampaignEvent{}
	}
	if len(events) < g.config.MinSamplesForClustering {
		return g.groupHeuristic(events)
	}

	groups, err := g.groupByDensity(events)
	if err != nil {
		slog.Warn("clustering failed, falling back to heuristic grouping", "error", err)
		return g.groupHeuristic(events)
	}
	return groups
}

// groupHeuristic groups events by shared client IP.
func (g *Grouper) groupHeuristic(events []*schema.CampaignEvent) map[string][]*schema.CampaignEvent {
	groups := make(map[string][]*schema.CampaignEvent)
	for _, ev := range events {
		key := g.featurizer.GroupingKey(ev)
		groups[key] = append(groups[key], ev)
	}
	return groups
}

// groupByDensity runs a DBSCAN pass over the featurized vectors: points
// mutually reachable within eps (Euclidean) form a cluster when at least
// MinSamples neighbors seed it; unclustered points are noise.
func (g *Grouper) groupByDensity(events []*schema.CampaignEvent) (map[string][]*schema.CampaignEvent, error) {
	vectors := make([][]float64, len(events))
	for i, ev := range events {
		vec := g.featurizer.Featurize(ev)
		if len(vec) != FeatureDim {
			return nil, fmt.Errorf("feature vector has dimension %d, want %d", len(vec), FeatureDim)
		}
		vectors[i] = vec
	}

	const (
		unvisited = 0
		noise     = -1
	)
	labels := make([]int, len(events))
	clusterID := 0

	for i := range events {
		if labels[i] != unvisited {
			continue
		}

		neighbors := g.regionQuery(vectors, i)
		if len(neighbors) < g.config.MinSamples {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Expand the cluster over the reachable frontier.
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == noise {
				labels[j] = clusterID
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID

			jNeighbors := g.regionQuery(vectors, j)
			if len(jNeighbors) >= g.config.MinSamples {
				queue = append(queue, jNeighbors...)
			}
		}
	}

	groups := make(map[string][]*schema.CampaignEvent)
	for i, ev := range events {
		if labels[i] == noise {
			continue
		}
		key := fmt.Sprintf("cluster:%d", labels[i])
		groups[key] = append(groups[key], ev)
	}
	return groups, nil
}

// regionQuery returns all points within eps of idx, the point itself
// included, matching the usual minPts counting convention.
func (g *Grouper) regionQuery(vectors [][]float64, idx int) []int {
	var neighbors []int
	for j := range vectors {
		if euclidean(vectors[idx], vectors[j]) <= g.config.Eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
