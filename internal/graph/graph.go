// Package graph derives route-to-route call edges from resolved API-call
// references and ranks routes by how central they are to the application.
package graph

import (
	"math"
	"sort"

	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

// BuildCallGraph returns one edge per (caller, callee, URL) triple: the page
// served by Caller issues a request to URL, which Callee handles. Callers and
// callees are route patterns. Edges are deduplicated and sorted.
func BuildCallGraph(ix *routes.Index) []model.CallEdge {
	type edgeKey struct{ caller, callee, url string }
	seen := make(map[edgeKey]struct{})

	var edges []model.CallEdge
	for _, r := range ix.Routes() {
		for _, ref := range r.APICalls() {
			if ref.Route == nil {
				continue
			}
			key := edgeKey{r.Pattern, ref.Route.Pattern, ref.URL}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			edges = append(edges, model.CallEdge{
				Caller: r.Pattern,
				Callee: ref.Route.Pattern,
				URL:    ref.URL,
			})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Caller != edges[j].Caller {
			return edges[i].Caller < edges[j].Caller
		}
		if edges[i].Callee != edges[j].Callee {
			return edges[i].Callee < edges[j].Callee
		}
		return edges[i].URL < edges[j].URL
	})

	return edges
}

// Callers returns, for each callee pattern, the sorted distinct patterns of
// the routes whose pages call it.
func Callers(edges []model.CallEdge) map[string][]string {
	sets := make(map[string]map[string]struct{})
	for _, e := range edges {
		if sets[e.Callee] == nil {
			sets[e.Callee] = make(map[string]struct{})
		}
		sets[e.Callee][e.Caller] = struct{}{}
	}
	out := make(map[string][]string, len(sets))
	for callee, set := range sets {
		out[callee] = sortedKeys(set)
	}
	return out
}

// Rank applies PageRank over the call graph and returns a score per route
// pattern. Routes called from many pages, or from well-connected pages,
// score highest. Without edges every pattern gets the same score.
func Rank(ix *routes.Index, edges []model.CallEdge) map[string]float64 {
	nodes := make(map[string]struct{})
	for _, r := range ix.Routes() {
		nodes[r.Pattern] = struct{}{}
	}
	if len(nodes) == 0 {
		return map[string]float64{}
	}

	if len(edges) == 0 {
		uniform := 1.0 / float64(len(nodes))
		ranks := make(map[string]float64, len(nodes))
		for n := range nodes {
			ranks[n] = uniform
		}
		return ranks
	}

	// Edge from caller to callee: the caller's page depends on the callee.
	outEdges := make(map[string][]string)
	outDegree := make(map[string]int)
	for _, e := range edges {
		if e.Caller == e.Callee {
			continue
		}
		nodes[e.Caller] = struct{}{}
		nodes[e.Callee] = struct{}{}
		outEdges[e.Caller] = append(outEdges[e.Caller], e.Callee)
		outDegree[e.Caller]++
	}

	return pageRank(nodes, outEdges, outDegree, 0.85, 100, 1e-6)
}

// ByRank orders routes by descending rank, keeping registration order
// between equal scores.
func ByRank(rs []*model.Route, ranks map[string]float64) []*model.Route {
	out := append([]*model.Route(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool {
		return ranks[out[i].Pattern] > ranks[out[j].Pattern]
	})
	return out
}

func pageRank(
	nodes map[string]struct{},
	outEdges map[string][]string,
	outDegree map[string]int,
	alpha float64,
	maxIter int,
	tol float64,
) map[string]float64 {
	n := len(nodes)
	rank := make(map[string]float64, n)
	initial := 1.0 / float64(n)
	for node := range nodes {
		rank[node] = initial
	}

	teleport := (1.0 - alpha) / float64(n)

	for iter := 0; iter < maxIter; iter++ {
		newRank := make(map[string]float64, n)

		// Dangling nodes spread their rank evenly.
		var danglingSum float64
		for node := range nodes {
			if outDegree[node] == 0 {
				danglingSum += rank[node]
			}
		}
		danglingContrib := alpha * danglingSum / float64(n)

		for node := range nodes {
			newRank[node] = teleport + danglingContrib
		}

		for src, targets := range outEdges {
			contrib := alpha * rank[src] / float64(outDegree[src])
			for _, tgt := range targets {
				newRank[tgt] += contrib
			}
		}

		var diff float64
		for node := range nodes {
			diff += math.Abs(newRank[node] - rank[node])
		}

		rank = newRank

		if diff < tol {
			break
		}
	}

	return rank
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
