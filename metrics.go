// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lux_router"

type metrics struct {
	calls      *prometheus.CounterVec
	aborts     *prometheus.CounterVec
	superseded prometheus.Counter
	responses  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	released   prometheus.Counter
}

// newMetrics builds the router collectors. The name becomes the "router"
// const label; routers sharing a registerer and a name share collectors.
func newMetrics(reg prometheus.Registerer, name string) (*metrics, error) {
	labels := prometheus.Labels{"router": name}
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "calls_total",
			Help:        "Calls dispatched, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "aborts_total",
			Help:        "Abort requests, by whether a live call was found.",
			ConstLabels: labels,
		}, []string{"result"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "superseded_total",
			Help:        "Calls cancelled because their id was reused.",
			ConstLabels: labels,
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "responses_total",
			Help:        "Responses handed to the sender, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dropped_total",
			Help:        "Responses dropped after the call terminated, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "released_total",
			Help:        "In-flight calls cancelled by releasing their reply context.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.aborts, err = register(reg, m.aborts); err != nil {
		return nil, err
	}
	if m.superseded, err = register(reg, m.superseded); err != nil {
		return nil, err
	}
	if m.responses, err = register(reg, m.responses); err != nil {
		return nil, err
	}
	if m.dropped, err = register(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.released, err = register(reg, m.released); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}
