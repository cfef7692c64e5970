package scheduler

import "github.com/trinity-platform/process-engine/domain/definition"

// depGraph is the combined depends_on + gateway-next DAG used for
// reachability analysis, built once per definition (it is immutable once
// published).
type depGraph struct {
	forward map[string][]string
	reverse map[string][]string
}

func buildGraph(def *definition.ProcessDefinition) *depGraph {
	g := &depGraph{forward: map[string][]string{}, reverse: map[string][]string{}}
	add := func(from, to string) {
		g.forward[from] = append(g.forward[from], to)
		g.reverse[to] = append(g.reverse[to], from)
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			add(dep, s.ID)
		}
		if s.Kind == definition.StepGateway && s.Gateway != nil {
			for _, c := range s.Gateway.Conditions {
				if c.Next != "" {
					add(s.ID, c.Next)
				}
			}
		}
	}
	return g
}

// ancestors returns every step id reachable backwards from id.
func (g *depGraph) ancestors(id string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), g.reverse[id]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.reverse[n]...)
	}
	return seen
}
