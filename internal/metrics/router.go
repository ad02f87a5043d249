package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler returns the HTTP routes: the Prometheus endpoint at the configured
// path, /stats with a JSON snapshot and /health.
func (c *Collector) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(c.logger))

	router.Method(http.MethodGet, c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	router.Get("/stats", c.statsHandler)
	router.Get("/stats/{component}", c.componentStatsHandler)
	router.Get("/health", c.healthHandler)
	return router
}

func (c *Collector) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(c.started).Seconds(),
		"components":     c.Snapshot(),
	})
}

func (c *Collector) componentStatsHandler(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	stats, ok := c.Snapshot()[component]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component " + component})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	failures := c.Health()
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unhealthy",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "dashperf"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())))
		})
	}
}
