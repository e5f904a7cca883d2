package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the API. limiter may be nil to disable throttling.
func NewRouter(h *Handler, limiter *RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(Instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(Authenticate)
	if limiter != nil {
		v1.Use(limiter.Handler)
	}
	v1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{username}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{username}/transactions", h.GetTransactions).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{username}/keys", h.RegisterKey).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{username}/payout-rules", h.CreatePayoutRules).Methods(http.MethodPost)
	v1.HandleFunc("/transactions", h.CreateTransaction).Methods(http.MethodPost)
	return r
}
