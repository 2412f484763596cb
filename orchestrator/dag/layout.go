package dag

import "sort"

// Placement positions one vertex for the dashboard renderer.
type Placement struct {
	Key           string   `json:"key"`
	Name          string   `json:"name"`
	Layer         int      `json:"layer"`
	Order         int      `json:"order"`
	ManifestCount int      `json:"manifest_count"`
	DependsOn     []string `json:"depends_on"`
}

// Layout is the layered rendering of the graph, one slice per depth.
type Layout struct {
	Layers [][]Placement `json:"layers"`
}

// Layout orders each layer by the barycenter of its parents' positions so
// edges cross as little as possible and the picture stays stable across
// rebuilds. Ties fall back to the node name, then the key, so renders are
// reproducible. Purely cosmetic; scheduling never reads it.
func (g *Graph) Layout() *Layout {
	layers := g.Layers()
	out := &Layout{Layers: make([][]Placement, len(layers))}

	byName := func(a, b string) bool {
		na, nb := g.nodes[a].Name, g.nodes[b].Name
		if na != nb {
			return na < nb
		}
		return a < b
	}

	pos := make(map[string]float64, len(g.nodes))
	for depth, layer := range layers {
		keys := append([]string(nil), layer...)
		if depth == 0 {
			sort.Slice(keys, func(i, j int) bool { return byName(keys[i], keys[j]) })
		} else {
			bary := make(map[string]float64, len(keys))
			for _, key := range keys {
				parents := g.nodes[key].DependsOn
				if len(parents) == 0 {
					bary[key] = 0
					continue
				}
				sum := 0.0
				for _, p := range parents {
					sum += pos[p]
				}
				bary[key] = sum / float64(len(parents))
			}
			sort.SliceStable(keys, func(i, j int) bool {
				if bary[keys[i]] != bary[keys[j]] {
					return bary[keys[i]] < bary[keys[j]]
				}
				return byName(keys[i], keys[j])
			})
		}

		placements := make([]Placement, len(keys))
		for i, key := range keys {
			pos[key] = float64(i)
			n := g.nodes[key]
			placements[i] = Placement{
				Key:           key,
				Name:          n.Name,
				Layer:         depth,
				Order:         i,
				ManifestCount: len(n.Manifests),
				DependsOn:     append([]string(nil), n.DependsOn...),
			}
		}
		out.Layers[depth] = placements
	}
	return out
}
