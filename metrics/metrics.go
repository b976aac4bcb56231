// Package metrics wraps github.com/rcrowley/go-metrics the way
// klaytn's own metrics package does: a package-level Enabled switch and
// thin NewRegisteredX helpers call sites use without touching the
// underlying registry directly (mirrored from node/sc/bridge_tx_pool.go's
// `metrics.NewRegisteredCounter("bridgeTxpool/refuse", nil)` usage).
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Enabled mirrors klaytn's metrics.Enabled switch; when false,
// NewRegisteredMeter returns a no-op meter without registering it.
// Counters and gauges are registered regardless of Enabled.
var Enabled = true

func NewRegisteredCounter(name string, r gometrics.Registry) gometrics.Counter {
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.NewRegisteredCounter(name, r)
}

func NewRegisteredMeter(name string, r gometrics.Registry) gometrics.Meter {
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	if !Enabled {
		return gometrics.NilMeter{}
	}
	return gometrics.NewRegisteredMeter(name, r)
}

func NewRegisteredGauge(name string, r gometrics.Registry) gometrics.Gauge {
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.NewRegisteredGauge(name, r)
}

type (
	Counter = gometrics.Counter
	Meter   = gometrics.Meter
	Gauge   = gometrics.Gauge
)
