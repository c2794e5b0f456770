package training

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Progress exposes the latest epoch results as Prometheus metrics. Only
// rank 0 serves it; the other ranks compute identical numbers anyway.
type Progress struct {
	registry *prometheus.Registry

	epochsTotal  prometheus.Counter
	epochSeconds prometheus.Gauge
	trainLoss    prometheus.Gauge
	valLoss      prometheus.Gauge
	trainMAE     prometheus.Gauge
	valMAE       prometheus.Gauge
	valRMSE      prometheus.Gauge
	bestValRMSE  prometheus.Gauge
}

// NewProgress creates a progress exporter with its own registry.
func NewProgress() *Progress {
	p := &Progress{registry: prometheus.NewRegistry()}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geco",
			Subsystem: "pretrain",
			Name:      name,
			Help:      help,
		})
		p.registry.MustRegister(g)
		return g
	}
	p.epochsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "geco",
		Subsystem: "pretrain",
		Name:      "epochs_total",
		Help:      "Completed epochs since process start.",
	})
	p.registry.MustRegister(p.epochsTotal)

	p.epochSeconds = gauge("epoch_seconds", "Wall-clock duration of the last epoch.")
	p.trainLoss = gauge("train_loss", "Mean training loss of the last epoch.")
	p.valLoss = gauge("val_loss", "Mean validation loss of the last epoch.")
	p.trainMAE = gauge("train_mae", "Training mean absolute count error of the last epoch.")
	p.valMAE = gauge("val_mae", "Validation mean absolute count error of the last epoch.")
	p.valRMSE = gauge("val_rmse", "Validation count RMSE of the last epoch.")
	p.bestValRMSE = gauge("best_val_rmse", "Best validation count RMSE seen so far.")
	return p
}

// Observe records one epoch summary.
func (p *Progress) Observe(s EpochSummary) {
	p.epochsTotal.Inc()
	p.epochSeconds.Set(s.Seconds)
	p.trainLoss.Set(s.TrainLoss)
	p.valLoss.Set(s.ValLoss)
	p.trainMAE.Set(s.TrainMAE)
	p.valMAE.Set(s.ValMAE)
	p.valRMSE.Set(s.ValRMSE)
	if s.Best {
		p.bestValRMSE.Set(s.ValRMSE)
	}
}

// Handler returns the scrape handler for this exporter's registry.
func (p *Progress) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve blocks serving /metrics on addr.
func (p *Progress) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	return http.ListenAndServe(addr, mux)
}
