package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/bmksync/internal/bookmarks"
)

// newPrometheusRegistry builds a registry scoped to this process rather
// than using prometheus's global default registry, so repeated store opens
// in tests never collide on double registration.
func newPrometheusRegistry(store *bookmarks.Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(store.Metrics().Collectors()...)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
