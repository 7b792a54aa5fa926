// Package metrics defines the Prometheus instrumentation shared by the
// broadcaster and the miner.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the game's collectors, registered against one registry.
type Metrics struct {
	TransactionsBroadcast prometheus.Counter
	AwardsGranted         prometheus.Counter
	SubmissionsRejected   *prometheus.CounterVec
	HashesAttempted       prometheus.Counter
	HashRate              prometheus.Gauge
}

// New creates and registers the collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TransactionsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircoin_transactions_broadcast_total",
			Help: "Total number of transactions announced on the channel.",
		}),
		AwardsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircoin_awards_granted_total",
			Help: "Total number of transactions successfully mined.",
		}),
		SubmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircoin_submissions_rejected_total",
			Help: "Total number of rejected INV submissions.",
		}, []string{"reason"}),
		HashesAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircoin_hashes_attempted_total",
			Help: "Total number of hashes computed while mining.",
		}),
		HashRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ircoin_hash_rate",
			Help: "Hashes computed per second by the local miner.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.TransactionsBroadcast,
		m.AwardsGranted,
		m.SubmissionsRejected,
		m.HashesAttempted,
		m.HashRate,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ListenAndServe exposes the registry on addr under /metrics until the
// context is cancelled.
func ListenAndServe(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infow("metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
