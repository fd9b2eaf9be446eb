package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/topology"
	"github.com/shardmig/shardmig/pkg/types"
)

// Build materializes an execution plan from an admitted request and a
// topology snapshot. The plan pins the snapshot version so a
// crash-resumed migration sees the same shard set it started on.
func Build(migrationID string, req *types.MigrationRequest, snap *topology.Snapshot) (*types.Plan, error) {
	if len(req.Steps) == 0 {
		return nil, errdefs.New(errdefs.ClassStructural, "EMPTY_REQUEST", "request has no steps")
	}

	steps := make(map[string]*types.RequestStep, len(req.Steps))
	for i := range req.Steps {
		step := &req.Steps[i]
		if _, dup := steps[step.ID]; dup {
			return nil, errdefs.New(errdefs.ClassStructural, "DUPLICATE_STEP", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		steps[step.ID] = step
	}

	deps, err := dependencyEdges(req.Steps, steps)
	if err != nil {
		return nil, err
	}

	levels, err := topoLevels(req.Steps, deps)
	if err != nil {
		return nil, err
	}

	depths := criticalDepths(req.Steps, deps)

	plan := &types.Plan{
		MigrationID:     migrationID,
		RequestID:       req.ID,
		StoreClass:      req.StoreClass,
		TopologyVersion: snap.Version,
	}

	for _, level := range levels {
		var stage types.Stage
		for _, stepID := range level {
			step := steps[stepID]
			expanded, err := expand(step, req.StoreClass, snap, depths[stepID], deps[stepID])
			if err != nil {
				return nil, err
			}
			stage.Steps = append(stage.Steps, expanded...)
		}
		plan.Stages = append(plan.Stages, stage)
	}

	digest, err := digestPlan(plan)
	if err != nil {
		return nil, err
	}
	plan.Digest = digest
	return plan, nil
}

// dependencyEdges resolves declared dependencies and adds the implicit
// schema-before-data edge: a data step depends on every schema step that
// writes the collection it reads.
func dependencyEdges(ordered []types.RequestStep, steps map[string]*types.RequestStep) (map[string][]string, error) {
	deps := make(map[string][]string, len(ordered))
	for i := range ordered {
		step := &ordered[i]
		seen := make(map[string]bool)
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, errdefs.New(errdefs.ClassStructural, "UNKNOWN_DEPENDENCY",
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
			if !seen[dep] {
				deps[step.ID] = append(deps[step.ID], dep)
				seen[dep] = true
			}
		}
		if step.Kind == types.StepKindData {
			for j := range ordered {
				other := &ordered[j]
				if other.Kind == types.StepKindSchema && other.Collection == step.Collection && !seen[other.ID] {
					deps[step.ID] = append(deps[step.ID], other.ID)
					seen[other.ID] = true
				}
			}
		}
	}
	return deps, nil
}

// topoLevels orders steps into topological levels using Kahn's
// algorithm. Steps within a level are independent and parallel-eligible.
// A cycle, including a self-dependency, fails admission.
func topoLevels(ordered []types.RequestStep, deps map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(ordered))
	dependents := make(map[string][]string)
	for i := range ordered {
		indegree[ordered[i].ID] = 0
	}
	for id, ds := range deps {
		for _, dep := range ds {
			if dep == id {
				return nil, errdefs.Wrap(errdefs.ErrPlanCycle, fmt.Errorf("step %q depends on itself", id))
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for i := range ordered {
		if indegree[ordered[i].ID] == 0 {
			frontier = append(frontier, ordered[i].ID)
		}
	}

	var levels [][]string
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		levels = append(levels, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if placed != len(ordered) {
		return nil, errdefs.ErrPlanCycle
	}
	return levels, nil
}

// criticalDepths computes the longest dependent chain above each step,
// so the orchestrator can bias dispatch toward the longest remaining
// critical path.
func criticalDepths(ordered []types.RequestStep, deps map[string][]string) map[string]int {
	dependents := make(map[string][]string)
	for id, ds := range deps {
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	memo := make(map[string]int, len(ordered))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		max := 0
		for _, dependent := range dependents[id] {
			if d := depth(dependent) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	for i := range ordered {
		depth(ordered[i].ID)
	}
	return memo
}

// expand fans a step out onto concrete shards. All-shards steps get one
// sub-step per shard in the snapshot; single-shard steps route by key.
func expand(step *types.RequestStep, class types.StoreClass, snap *topology.Snapshot, depth int, deps []string) ([]*types.PlanStep, error) {
	var shards []types.ShardID
	switch step.Scope {
	case types.StepScopeAllShards:
		shards = snap.Shards(class)
		if len(shards) == 0 {
			return nil, errdefs.Wrap(errdefs.ErrShardNotFound, fmt.Errorf("no shards for store class %s", class))
		}
	case types.StepScopeSingleShard:
		shard, err := snap.Route(step.RoutingKey, class)
		if err != nil {
			return nil, err
		}
		shards = []types.ShardID{shard}
	default:
		return nil, errdefs.New(errdefs.ClassStructural, "UNKNOWN_SCOPE", fmt.Sprintf("step %q has unknown scope %q", step.ID, step.Scope))
	}

	perShard := step.EstimatedItems
	if len(shards) > 1 && perShard > 0 {
		perShard = perShard / int64(len(shards))
	}

	out := make([]*types.PlanStep, 0, len(shards))
	for _, shard := range shards {
		out = append(out, &types.PlanStep{
			ID:                fmt.Sprintf("%s@%s", step.ID, shard),
			StepID:            step.ID,
			Kind:              step.Kind,
			Shard:             shard,
			Collection:        step.Collection,
			SchemaRef:         step.SchemaRef,
			Transformer:       step.Transformer,
			DependsOn:         deps,
			Depth:             depth,
			EstimatedItems:    perShard,
			MaxCountDeviation: step.MaxCountDeviation,
		})
	}
	return out, nil
}

// digestPlan hashes the canonical structure of a plan. Replanning the
// same request against the same topology yields the same digest.
func digestPlan(plan *types.Plan) (string, error) {
	type canonicalStep struct {
		ID        string   `json:"id"`
		Kind      string   `json:"kind"`
		Shard     string   `json:"shard"`
		Payload   string   `json:"payload"`
		DependsOn []string `json:"depends_on"`
	}
	type canonical struct {
		RequestID       string            `json:"request_id"`
		TopologyVersion uint64            `json:"topology_version"`
		Stages          [][]canonicalStep `json:"stages"`
	}

	c := canonical{RequestID: plan.RequestID, TopologyVersion: plan.TopologyVersion}
	for _, stage := range plan.Stages {
		var steps []canonicalStep
		for _, s := range stage.Steps {
			payload := s.SchemaRef
			if s.Kind == types.StepKindData {
				payload = s.Transformer
			}
			deps := append([]string(nil), s.DependsOn...)
			sort.Strings(deps)
			steps = append(steps, canonicalStep{
				ID:        s.ID,
				Kind:      string(s.Kind),
				Shard:     string(s.Shard),
				Payload:   payload,
				DependsOn: deps,
			})
		}
		sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
		c.Stages = append(c.Stages, steps)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
