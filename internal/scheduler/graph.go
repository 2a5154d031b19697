package scheduler

import (
	"github.com/rotisserie/eris"
)

// Graph is a validated stage DAG.
type Graph struct {
	stages     map[string]*Stage
	dependents map[string][]string // stage -> stages depending on it
}

// NewGraph validates the stage set: unique names, known dependencies, at
// least one root, and no cycles.
func NewGraph(stages []Stage) (*Graph, error) {
	g := &Graph{
		stages:     make(map[string]*Stage, len(stages)),
		dependents: make(map[string][]string),
	}
	for i := range stages {
		st := &stages[i]
		if st.Name == "" {
			return nil, eris.New("scheduler: stage with empty name")
		}
		if st.Run == nil {
			return nil, eris.Errorf("scheduler: stage %s has no run function", st.Name)
		}
		if _, dup := g.stages[st.Name]; dup {
			return nil, eris.Errorf("scheduler: duplicate stage %s", st.Name)
		}
		g.stages[st.Name] = st
	}

	roots := 0
	for name, st := range g.stages {
		if len(st.DependsOn) == 0 {
			roots++
		}
		for _, dep := range st.DependsOn {
			if _, ok := g.stages[dep]; !ok {
				return nil, eris.Errorf("scheduler: stage %s depends on unknown stage %s", name, dep)
			}
			if dep == name {
				return nil, eris.Errorf("scheduler: stage %s depends on itself", name)
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	if len(g.stages) > 0 && roots == 0 {
		return nil, eris.New("scheduler: graph has no root stage")
	}

	// Kahn's algorithm; leftovers mean a cycle.
	indegree := make(map[string]int, len(g.stages))
	for name, st := range g.stages {
		indegree[name] = len(st.DependsOn)
	}
	queue := make([]string, 0, len(g.stages))
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.stages) {
		return nil, eris.New("scheduler: stage graph contains a cycle")
	}

	return g, nil
}

// Stages returns the stage names in the graph.
func (g *Graph) Stages() []string {
	out := make([]string, 0, len(g.stages))
	for name := range g.stages {
		out = append(out, name)
	}
	return out
}
