// Package api exposes the pricing engine over HTTP for the presentation
// layer. All endpoints are read-only JSON; the engine never returns an
// error to price consumers, so handlers always answer 200 with a tagged
// value.
package api

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"silverfeed/internal/feed"
	"silverfeed/internal/logger"
)

const maxHistoryPoints = 168 // one week of hourly points

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// NewRouter sets up HTTP routes serving the pricing service.
func NewRouter(svc *feed.Service) *http.ServeMux {
	mux := http.NewServeMux()
	lg := logger.Component("api")

	mux.HandleFunc("/api/v1/price/global", func(w http.ResponseWriter, r *http.Request) {
		ctx := traced(r)
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		price := svc.GlobalPrice(ctx)
		lg.Info("served global price",
			append([]any{slog.String("source", string(price.Source))}, logger.LogWithTrace(ctx)...)...)
		json.NewEncoder(w).Encode(price)
	})

	mux.HandleFunc("/api/v1/price/shanghai", func(w http.ResponseWriter, r *http.Request) {
		ctx := traced(r)
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		price := svc.RegionalPrice(ctx)
		lg.Info("served regional price",
			append([]any{slog.String("source", string(price.Source))}, logger.LogWithTrace(ctx)...)...)
		json.NewEncoder(w).Encode(price)
	})

	mux.HandleFunc("/api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		ctx := traced(r)
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		n := feed.DefaultHistoryPoints
		if v := r.URL.Query().Get("points"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 || parsed > maxHistoryPoints {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "points must be an integer in [1, 168]",
				})
				return
			}
			n = parsed
		}

		current := svc.GlobalPrice(ctx)
		json.NewEncoder(w).Encode(svc.History(current.Price, n))
	})

	return mux
}

// traced attaches a request-scoped trace ID to the context.
func traced(r *http.Request) context.Context {
	return logger.WithTraceID(r.Context(), logger.GenerateTraceID("req", time.Now()))
}

// Server runs the public API over HTTP.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates an API server for the pricing service.
func NewServer(addr string, svc *feed.Service) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: NewRouter(svc),
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
