package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/21projects/greetings/internal/payment"
)

// SetupRoutes configures the router. Unknown routes and unsupported
// methods get the same uniform error body as every other failure.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", payment.ProofHeader},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusNotFound, "not found", "invalid resource URI")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", "unsupported method for resource URI")
	})

	r.Get("/health", h.HealthCheck)
	r.Get("/manifest", h.Manifest)
	r.Get("/client", h.Client)

	r.Get("/greetingcards/", h.ListCards)
	r.Get("/greetingcard/{id}", h.GetCard)
	r.Get("/greetings/", h.ListGreetings)
	r.Get("/greeting/{id}", h.GetGreeting)

	// The gate runs strictly before the handler decodes the body: an
	// unpaid request must cause no work at all.
	r.With(paymentGate(h.wallet)).Post("/greeting/", h.CreateGreeting)

	return r
}

// paymentGate rejects submissions lacking a verified payment proof with
// 402 and zero side effects. A nil wallet disables gating.
func paymentGate(wallet *payment.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if wallet == nil {
				next.ServeHTTP(w, req)
				return
			}
			proof := req.Header.Get(payment.ProofHeader)
			if err := wallet.Verify(req.Context(), proof); err != nil {
				respondError(w, http.StatusPaymentRequired, "payment required", err.Error())
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
