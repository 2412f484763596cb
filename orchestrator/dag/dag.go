// Package dag builds and validates the dependency graph between manifest
// groups. Nodes are groups; an ungrouped manifest forms a singleton node
// keyed by its external id. The graph is rebuilt from scratch on every
// seed or dependency mutation, never mutated in place.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itskum47/FlowForge/orchestrator/store"
)

// CyclicDependencyError names every group caught in a dependency cycle.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return "dag: cyclic dependency among groups: " + strings.Join(e.Members, ", ")
}

// Node is one vertex: a manifest group or a singleton for an ungrouped
// manifest.
type Node struct {
	Key        string // "group:<id>" or "manifest:<externalId>"
	Name       string
	GroupID    *int64  // nil for singletons
	Manifests  []int64 // manifest ids inside this node
	DependsOn  []string
	Dependents []string
}

// Graph is an immutable dependency graph over group nodes.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, keeps traversals deterministic
}

func groupKey(id int64) string       { return fmt.Sprintf("group:%d", id) }
func singletonKey(ext string) string { return "manifest:" + ext }

// Build assembles the group graph from the full manifest and group sets.
// An edge parent->child exists when any manifest in the child node depends
// on a manifest in the parent node; edges inside one node are dropped.
func Build(manifests []*store.Manifest, groups []*store.ManifestGroup) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node)}

	add := func(n *Node) *Node {
		if existing, ok := g.nodes[n.Key]; ok {
			return existing
		}
		g.nodes[n.Key] = n
		g.order = append(g.order, n.Key)
		return n
	}

	for _, grp := range groups {
		id := grp.ID
		add(&Node{Key: groupKey(id), Name: grp.Name, GroupID: &id})
	}

	byID := make(map[int64]*store.Manifest, len(manifests))
	nodeOf := make(map[int64]string, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
		var n *Node
		if m.ManifestGroupID != nil {
			n = g.nodes[groupKey(*m.ManifestGroupID)]
			if n == nil {
				return nil, fmt.Errorf("dag: manifest %q references unknown group %d", m.Name, *m.ManifestGroupID)
			}
		} else {
			n = add(&Node{Key: singletonKey(m.ExternalID), Name: m.Name})
		}
		n.Manifests = append(n.Manifests, m.ID)
		nodeOf[m.ID] = n.Key
	}

	seen := make(map[string]bool)
	for _, m := range manifests {
		if m.DependsOnManifestID == nil {
			continue
		}
		parent, ok := byID[*m.DependsOnManifestID]
		if !ok {
			return nil, fmt.Errorf("dag: manifest %q depends on unknown manifest %d", m.Name, *m.DependsOnManifestID)
		}
		parentKey, childKey := nodeOf[parent.ID], nodeOf[m.ID]
		if parentKey == childKey {
			continue // same-node edges carry no scheduling meaning
		}
		edge := parentKey + "->" + childKey
		if seen[edge] {
			continue
		}
		seen[edge] = true
		g.nodes[childKey].DependsOn = append(g.nodes[childKey].DependsOn, parentKey)
		g.nodes[parentKey].Dependents = append(g.nodes[parentKey].Dependents, childKey)
	}
	return g, nil
}

// Node returns the named vertex, or nil.
func (g *Graph) Node(key string) *Node { return g.nodes[key] }

// Len reports the vertex count.
func (g *Graph) Len() int { return len(g.nodes) }

// Validate runs Kahn's algorithm. Any vertex left with nonzero in-degree
// is part of a cycle and is reported by name.
func (g *Graph) Validate() error {
	indeg := make(map[string]int, len(g.nodes))
	for _, key := range g.order {
		indeg[key] = len(g.nodes[key].DependsOn)
	}

	var queue []string
	for _, key := range g.order {
		if indeg[key] == 0 {
			queue = append(queue, key)
		}
	}

	processed := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.nodes[key].Dependents {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(g.nodes) {
		return nil
	}
	var members []string
	for key, d := range indeg {
		if d > 0 {
			members = append(members, g.nodes[key].Name)
		}
	}
	sort.Strings(members)
	return &CyclicDependencyError{Members: members}
}

// Layers assigns each vertex the longest-path depth from the roots. Only
// valid on acyclic graphs; Validate first.
func (g *Graph) Layers() [][]string {
	if len(g.nodes) == 0 {
		return nil
	}
	depth := make(map[string]int, len(g.nodes))
	indeg := make(map[string]int, len(g.nodes))
	var queue []string
	for _, key := range g.order {
		indeg[key] = len(g.nodes[key].DependsOn)
		if indeg[key] == 0 {
			queue = append(queue, key)
			depth[key] = 0
		}
	}

	maxDepth := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, dep := range g.nodes[key].Dependents {
			if d := depth[key] + 1; d > depth[dep] {
				depth[dep] = d
				if d > maxDepth {
					maxDepth = d
				}
			}
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	layers := make([][]string, maxDepth+1)
	for _, key := range g.order {
		d := depth[key]
		layers[d] = append(layers[d], key)
	}
	return layers
}
