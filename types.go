// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

// Point is a 2D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two points by index.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ShortestPathParams are the parameters of find_shortest_path.
type ShortestPathParams struct {
	Points   []Point `json:"points"`
	Edges    []Edge  `json:"edges"`
	StartIdx int     `json:"start_idx"`
	EndIdx   int     `json:"end_idx"`
}

// PathResult is the result of find_shortest_path.
type PathResult struct {
	Path     []int   `json:"path"`
	Distance float64 `json:"distance"`
}

// GraphMetricsParams are the parameters of compute_graph_metrics.
type GraphMetricsParams struct {
	Points []Point `json:"points"`
	Edges  []Edge  `json:"edges"`
}

// GraphMetrics is the result of compute_graph_metrics.
type GraphMetrics struct {
	NodeCount       int     `json:"node_count"`
	EdgeCount       int     `json:"edge_count"`
	TotalEdgeLength float64 `json:"total_edge_length"`
	AvgEdgeLength   float64 `json:"avg_edge_length"`
}

// PingParams are the (empty) parameters of ping.
type PingParams struct{}

// Empty is the result of operations that carry no value.
type Empty struct{}
