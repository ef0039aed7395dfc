package app

import (
	"database/sql"
	"net/http"
	"time"

	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpDeps struct {
	log Logger
	cfg Config

	dbPool *pgxpool.Pool
	sqlDB  *sql.DB

	ws      *realtime.WSGateway
	api     *chatapi.Handler
	metrics *prometheus.Registry
}

func (d httpDeps) dbEnabled() bool { return d.dbPool != nil || d.sqlDB != nil }

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && !d.dbEnabled() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		var err error
		switch {
		case d.dbPool != nil:
			err = PingDB(r.Context(), d.dbPool, 2*time.Second)
		case d.sqlDB != nil:
			err = PingSQL(r.Context(), d.sqlDB, 2*time.Second)
		}
		if err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			d.log.Info("readyz.db.not_ready", "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.metrics, promhttp.HandlerOpts{}))
	}

	if d.api != nil {
		d.api.Register(mux)
	}

	if d.ws != nil {
		mux.HandleFunc("/ws", d.ws.HandleWS)
	}
}
