package prometheus

import (
	"net/http"
	"time"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	log "github.com/sirupsen/logrus"
)

// NewMux routes /metrics to the application collectors.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", appstats.Handler())
	return mux
}

// ServePromMetrics exports the metrics on cfg.ListenAddress. It returns nil
// when the exporter is disabled.
func ServePromMetrics(cfg config.Prometheus) *http.Server {
	if !cfg.Enable {
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("prometheus exporter on %s: %v", cfg.ListenAddress, err)
		}
	}()

	log.Infof("Prometheus metrics exported on %s", cfg.ListenAddress)
	return srv
}
