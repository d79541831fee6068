package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HMasataka/tether/pkg/manager"
	"github.com/HMasataka/tether/pkg/scaling"
)

// StatsSource is what the HTTP surface reads from the manager
type StatsSource interface {
	GetStats() manager.Stats
	GetComprehensiveMetrics() manager.ComprehensiveMetrics
}

type health struct {
	Status            string `json:"status"`
	MemoryHealth      string `json:"memory_health"`
	ActiveConnections int    `json:"active_connections"`
	Scaling           string `json:"scaling,omitempty"`
}

func newRouter(m StatsSource, ws http.Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", ws)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			stats := m.GetStats()
			h := health{
				Status:            "ok",
				MemoryHealth:      stats.MemoryHealth,
				ActiveConnections: stats.ActiveConnections,
			}
			if cm := m.GetComprehensiveMetrics(); cm.Scaling != nil {
				h.Scaling = string(cm.Scaling.Status)
				if cm.Scaling.Status != scaling.StatusActive {
					h.Status = "degraded"
				}
			}
			if stats.MemoryHealth == manager.MemoryHealthHigh {
				h.Status = "degraded"
			}
			writeJSON(w, http.StatusOK, h)
		})

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.GetComprehensiveMetrics())
		})

		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// checkOrigin allows every origin when allowed is empty
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}
