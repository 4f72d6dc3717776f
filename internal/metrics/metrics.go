package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_ticks_ingested_total", Help: "Ticks read off the stream"},
		[]string{"underlying"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_ticks_dropped_total", Help: "Ticks dropped before hydration"},
		[]string{"reason"},
	)
	RecordsHydrated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_records_hydrated_total", Help: "Canonical records refreshed from ticks"},
		[]string{"underlying"},
	)
	EpochsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_epochs_built_total", Help: "Epoch transitions completed"},
		[]string{"underlying"},
	)
	ContractsNormalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_contracts_normalized_total", Help: "Contracts written into an epoch"},
		[]string{"family"},
	)
	ContractsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_contracts_skipped_total", Help: "Contracts dropped during normalization"},
		[]string{"family"},
	)
	BuilderCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_builder_cycles_total", Help: "Model builder cycles by outcome"},
		[]string{"family", "outcome"},
	)
	ModelsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_models_published_total", Help: "Finished models written to the bus"},
		[]string{"family"},
	)
	SpotFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "massive_spot_fetch_errors_total", Help: "Spot poll cycles skipped on fetch failure"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksIngested, TicksDropped, RecordsHydrated,
		EpochsBuilt, ContractsNormalized, ContractsSkipped,
		BuilderCycles, ModelsPublished, SpotFetchErrors,
	)
}

// Handler returns the scrape endpoint for mounting on the read surface.
func Handler() http.Handler {
	return promhttp.Handler()
}
