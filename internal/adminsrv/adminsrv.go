// Package adminsrv is the server's additive admin/metrics HTTP surface: a
// liveness check and a Prometheus scrape endpoint, mounted alongside the
// protocol listener but never carrying protocol traffic itself.
package adminsrv

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirko-laruina/four-in-a-row/internal/registry"
)

// Stats is the queue-depth source the admin surface reads each scrape.
// *dispatcher.Dispatcher satisfies it; taking an interface keeps adminsrv
// from importing the dispatcher package, which itself imports adminsrv.
type Stats interface {
	QueueDepth() int
}

var usersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fourinarow_users_by_state",
	Help: "Connected users currently in each matchmaking state.",
}, []string{"state"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fourinarow_queue_depth",
	Help: "Current depth of the dispatcher's bounded work queue.",
})

var connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fourinarow_connections_total",
	Help: "Total accepted connections since process start.",
})

// ConnectionAccepted increments the accepted-connections counter. The
// dispatcher calls this once per successful accept.
func ConnectionAccepted() { connectionsTotal.Inc() }

// Handler builds the admin router. Reg and queue are read fresh on every
// /metrics scrape, matching registry.Stats' own "read-only snapshot" shape.
func Handler(reg *registry.Registry, queue Stats) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		stats := reg.Stats()
		usersByState.Reset()
		for state, count := range stats.ByState {
			usersByState.WithLabelValues(state.String()).Set(float64(count))
		}
		queueDepth.Set(float64(queue.QueueDepth()))
		promhttp.Handler().ServeHTTP(w, r)
	})

	return r
}
