package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/fundledger/internal/auth"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// NewRouter mounts the public endpoints, the signed payment webhook and the
// bearer-protected /api/v1 surface.
func NewRouter(h *Handler, validator *auth.Validator) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/payments", h.PaymentWebhook).Methods(http.MethodPost)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(auth.Middleware(validator))

	apiV1.HandleFunc("/campaigns", h.CreateCampaign).Methods(http.MethodPost)
	apiV1.HandleFunc("/campaigns", h.ListCampaigns).Methods(http.MethodGet)
	apiV1.HandleFunc("/campaigns/{id}", h.GetCampaign).Methods(http.MethodGet)
	apiV1.HandleFunc("/campaigns/{id}", h.UpdateCampaign).Methods(http.MethodPatch)
	apiV1.HandleFunc("/campaigns/{id}/activate", h.ActivateCampaign).Methods(http.MethodPost)
	apiV1.HandleFunc("/campaigns/{id}/cancel", h.CancelCampaign).Methods(http.MethodPost)
	apiV1.HandleFunc("/campaigns/{id}/reconciliation", h.ReconcileCampaign).Methods(http.MethodGet)

	apiV1.HandleFunc("/campaigns/{id}/invitations", h.Invite).Methods(http.MethodPost)
	apiV1.HandleFunc("/campaigns/{id}/invitations", h.ListInvitations).Methods(http.MethodGet)
	apiV1.HandleFunc("/invitations/{id}/response", h.RespondInvitation).Methods(http.MethodPost)

	apiV1.HandleFunc("/campaigns/{id}/contributions", h.InitiateContribution).Methods(http.MethodPost)
	apiV1.HandleFunc("/campaigns/{id}/contributions", h.ListContributions).Methods(http.MethodGet)
	apiV1.HandleFunc("/receipts/{reference}", h.GetReceipt).Methods(http.MethodGet)
	apiV1.HandleFunc("/payments/{reference}/verify", h.VerifyPayment).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency under the matched route
// template so ids do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		if endpoint == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
