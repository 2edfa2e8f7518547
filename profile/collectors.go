package profile

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "layout"

func namespaceOr(ns string) string {
	if ns == "" {
		return defaultNamespace
	}
	return ns
}

func registererOr(reg prom.Registerer) prom.Registerer {
	if reg == nil {
		return prom.DefaultRegisterer
	}
	return reg
}

// registerCollector registers collector, or returns the collector already
// registered under the same descriptor so two profilers can share a registry.
func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
