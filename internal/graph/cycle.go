package graph

// neighborFunc returns the nodes adjacent to node.
type neighborFunc func(node string) ([]string, error)

type visit struct {
	depth  int
	branch string
	parent string
}

// onCycle reports whether start lies on a cycle of length <= maxDepth.
//
// It runs a breadth-first search labelling every node with the neighbour of
// start it descends from. start is on a cycle exactly when some non-tree edge
// joins two different branches: the two tree paths plus that edge close a
// loop through start. The graph is bipartite, so adjacent nodes sit on
// depths of different parity and expanding nodes up to depth maxDepth/2-1
// finds every cycle of length <= maxDepth.
func onCycle(start string, neighbors neighborFunc, maxDepth int) (bool, error) {
	seen := map[string]visit{start: {}}
	frontier := []string{start}

	for depth := 0; depth < maxDepth/2 && len(frontier) > 0; depth++ {
		var next []string
		for _, u := range frontier {
			nbrs, err := neighbors(u)
			if err != nil {
				return false, err
			}
			uv := seen[u]

			for _, v := range nbrs {
				if v == uv.parent || v == start {
					continue
				}
				if vv, ok := seen[v]; ok {
					if u != start && vv.branch != uv.branch {
						return true, nil
					}
					continue
				}

				branch := uv.branch
				if u == start {
					branch = v
				}
				seen[v] = visit{depth: depth + 1, branch: branch, parent: u}
				next = append(next, v)
			}
		}
		frontier = next
	}
	return false, nil
}
