// Package server exposes the read surface over HTTP/JSON with chi,
// plus Prometheus metrics and a health endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpClear/internal/observability"
	"PerpClear/internal/query"
)

type Server struct {
	svc     *query.Service
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(svc *query.Service, metrics *observability.Metrics) *Server {
	return &Server{
		svc:     svc,
		metrics: metrics,
		log:     observability.NewLogger("server"),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.instrument("markets", s.handleMarkets))
		r.Get("/traders/{trader}/exposure", s.instrument("exposure", s.handleExposure))
		r.Get("/traders/{trader}/margin-fraction", s.instrument("margin_fraction", s.handleMarginFraction))
		r.Get("/traders/{trader}/positions", s.instrument("positions", s.handlePositions))
		r.Get("/traders/{trader}/liquidatable", s.instrument("liquidatable", s.handleLiquidatable))
		r.Get("/traders/{trader}/balances", s.instrument("balances", s.handleBalances))
		r.Get("/auctions/{asset}/price", s.instrument("auction_price", s.handleAuctionPrice))
		r.Get("/withdrawals/pending", s.instrument("withdrawals", s.handleWithdrawals))
	})

	return r
}

// instrument wraps a handler with request count and latency metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Markets(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderParam(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.NotionalPositionAndUnrealizedPnl(r.Context(), trader)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarginFraction(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderParam(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.MarginFraction(r.Context(), trader)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderParam(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.UserPositions(r.Context(), trader)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiquidatable(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderParam(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.IsLiquidatable(r.Context(), trader)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderParam(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.Balances(r.Context(), trader)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuctionPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	now := time.Now().Unix()
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "invalid now parameter", http.StatusBadRequest)
			return
		}
		now = parsed
	}
	resp, err := s.svc.AuctionPrice(r.Context(), asset, now)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.PendingWithdrawals(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	s.log.Debug().Err(err).Msg("query failed")
	writeError(w, err.Error(), http.StatusUnprocessableEntity)
}

func traderParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "trader")
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid trader address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
