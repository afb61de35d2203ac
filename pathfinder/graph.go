// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pathfinder

import (
	"container/heap"
	"math"

	"github.com/luxfi/router"
)

// pollEvery is how many settled nodes pass between cancellation checks.
const pollEvery = 256

// Distance is the Euclidean distance between a and b.
func Distance(a, b router.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func validate(points []router.Point, edges []router.Edge) *router.DevError {
	for i, e := range edges {
		if e.From < 0 || e.From >= len(points) || e.To < 0 || e.To >= len(points) {
			return router.Errorf("edge %d references a missing point", i).
				With("from", e.From).
				With("to", e.To).
				With("points", len(points))
		}
	}
	return nil
}

type neighbor struct {
	node   int
	weight float64
}

func adjacency(points []router.Point, edges []router.Edge) [][]neighbor {
	adj := make([][]neighbor, len(points))
	for _, e := range edges {
		w := Distance(points[e.From], points[e.To])
		adj[e.From] = append(adj[e.From], neighbor{node: e.To, weight: w})
		adj[e.To] = append(adj[e.To], neighbor{node: e.From, weight: w})
	}
	return adj
}

type item struct {
	node int
	dist float64
}

type queue []item

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// ShortestPath runs Dijkstra over the undirected graph whose edges weigh the
// distance between their points. The search polls sig and gives up with
// ErrAborted once it trips.
func ShortestPath(p router.ShortestPathParams, sig router.CancelSignal) (router.PathResult, error) {
	n := len(p.Points)
	if p.StartIdx < 0 || p.StartIdx >= n || p.EndIdx < 0 || p.EndIdx >= n {
		return router.PathResult{}, router.NewDevError("start or end index out of range").
			With("start_idx", p.StartIdx).
			With("end_idx", p.EndIdx).
			With("points", n)
	}
	if err := validate(p.Points, p.Edges); err != nil {
		return router.PathResult{}, err
	}

	adj := adjacency(p.Points, p.Edges)
	dist := make([]float64, n)
	prev := make([]int, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[p.StartIdx] = 0

	q := &queue{{node: p.StartIdx}}
	settled := 0
	for q.Len() > 0 {
		cur := heap.Pop(q).(item)
		if cur.dist > dist[cur.node] {
			continue
		}
		if cur.node == p.EndIdx {
			break
		}
		settled++
		if settled%pollEvery == 0 && sig.Tripped() {
			return router.PathResult{}, ErrAborted
		}
		for _, nb := range adj[cur.node] {
			if d := cur.dist + nb.weight; d < dist[nb.node] {
				dist[nb.node] = d
				prev[nb.node] = cur.node
				heap.Push(q, item{node: nb.node, dist: d})
			}
		}
	}

	if math.IsInf(dist[p.EndIdx], 1) {
		return router.PathResult{}, router.NewDevError("No path found").
			With("start_idx", p.StartIdx).
			With("end_idx", p.EndIdx)
	}
	var path []int
	for at := p.EndIdx; at != -1; at = prev[at] {
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return router.PathResult{Path: path, Distance: dist[p.EndIdx]}, nil
}

// Metrics summarizes the graph.
func Metrics(p router.GraphMetricsParams) (router.GraphMetrics, error) {
	if err := validate(p.Points, p.Edges); err != nil {
		return router.GraphMetrics{}, err
	}
	m := router.GraphMetrics{NodeCount: len(p.Points), EdgeCount: len(p.Edges)}
	for _, e := range p.Edges {
		m.TotalEdgeLength += Distance(p.Points[e.From], p.Points[e.To])
	}
	if m.EdgeCount > 0 {
		m.AvgEdgeLength = m.TotalEdgeLength / float64(m.EdgeCount)
	}
	return m, nil
}
