package dlsym

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors a Registry and Resolver update.
type Metrics struct {
	Parses             *prometheus.CounterVec
	TrieLookups        *prometheus.CounterVec
	SymtabFallbacks    prometheus.Counter
	AddressResolutions *prometheus.CounterVec
	RegisteredImages   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, if set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Parses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlsym_parses_total",
			Help: "Total number of image header walks",
		}, []string{"result"}),
		TrieLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlsym_trie_lookups_total",
			Help: "Total number of export trie lookups by name",
		}, []string{"result"}),
		SymtabFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlsym_symtab_fallbacks_total",
			Help: "Total number of name lookups answered by scanning the symbol table",
		}),
		AddressResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlsym_address_resolutions_total",
			Help: "Total number of address to symbol resolutions",
		}, []string{"result"}),
		RegisteredImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlsym_registered_images",
			Help: "Number of images currently in the registry",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Parses,
			m.TrieLookups,
			m.SymtabFallbacks,
			m.AddressResolutions,
			m.RegisteredImages,
		)
	}

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
