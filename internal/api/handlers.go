package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/21projects/greetings/internal/greeting"
	"github.com/21projects/greetings/internal/payment"
)

// Version is the service version reported by /manifest.
const Version = "1.0.0"

// Notifier pokes the background dispatcher after a submission so the
// delivery is picked up without waiting for the next poll tick.
type Notifier interface {
	Notify()
}

// Handlers carries every service handle the HTTP layer needs. It is
// constructed once at startup and shared by all requests; no handler
// reaches for ambient globals.
type Handlers struct {
	store      *greeting.Store
	wallet     *payment.Client // nil disables the payment gate
	dispatcher Notifier        // nil in tests without a dispatcher
	clientFile string
}

// NewHandlers creates the handler set.
func NewHandlers(store *greeting.Store, wallet *payment.Client, dispatcher Notifier, clientFile string) *Handlers {
	return &Handlers{
		store:      store,
		wallet:     wallet,
		dispatcher: dispatcher,
		clientFile: clientFile,
	}
}

// cardExport is the public representation of a greeting card.
type cardExport struct {
	Description string `json:"description"`
	Template    string `json:"template"`
	SelfURL     string `json:"self_url"`
}

// greetingExport is the public representation of a greeting. Message,
// title, and email are stored but never exported, in any view.
type greetingExport struct {
	CreatedAt time.Time `json:"created_at"`
	SelfURL   string    `json:"self_url"`
}

// HealthCheck reports liveness and verifies the store is reachable.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountGreetings(r.Context())
	if err != nil {
		log.Printf("[API] Health check store error: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "degraded",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"greetings": count,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Manifest describes the service: name, version, price, and endpoints.
func (h *Handlers) Manifest(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)

	var price int64
	if h.wallet != nil {
		price = h.wallet.MinAmount()
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":             "greetings",
		"version":          Version,
		"description":      "Send a greeting card to someone special",
		"payment_required": h.wallet != nil,
		"price":            price,
		"endpoints": []map[string]string{
			{"method": "GET", "path": base + "/greetingcards/"},
			{"method": "GET", "path": base + "/greetingcard/{id}"},
			{"method": "GET", "path": base + "/greetings/"},
			{"method": "GET", "path": base + "/greeting/{id}"},
			{"method": "POST", "path": base + "/greeting/"},
		},
	})
}

// Client serves the static example client page.
func (h *Handlers) Client(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, h.clientFile)
}

// ListCards returns the self URLs of every greeting card.
func (h *Handlers) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.store.ListCards(r.Context())
	if err != nil {
		respondInternalError(w, "listing cards", err)
		return
	}

	base := baseURL(r)
	urls := make([]string, 0, len(cards))
	for _, c := range cards {
		urls = append(urls, cardURL(base, c.ID))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"greetingcards": urls})
}

// GetCard returns one card export or 404.
func (h *Handlers) GetCard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondNotFound(w)
		return
	}

	card, err := h.store.GetCard(r.Context(), id)
	if err != nil {
		respondInternalError(w, "loading card", err)
		return
	}
	if card == nil {
		respondNotFound(w)
		return
	}

	respondJSON(w, http.StatusOK, cardExport{
		Description: card.Description,
		Template:    card.Template,
		SelfURL:     cardURL(baseURL(r), card.ID),
	})
}

// ListGreetings returns the self URLs of every greeting. Only URLs: no
// greeting content ever leaves the store through the read API.
func (h *Handlers) ListGreetings(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListGreetingIDs(r.Context())
	if err != nil {
		respondInternalError(w, "listing greetings", err)
		return
	}

	base := baseURL(r)
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		urls = append(urls, greetingURL(base, id))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"greetings": urls})
}

// GetGreeting returns the redacted export of one greeting or 404.
func (h *Handlers) GetGreeting(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondNotFound(w)
		return
	}

	g, err := h.store.GetGreeting(r.Context(), id)
	if err != nil {
		respondInternalError(w, "loading greeting", err)
		return
	}
	if g == nil {
		respondNotFound(w)
		return
	}

	respondJSON(w, http.StatusOK, greetingExport{
		CreatedAt: g.CreatedAt,
		SelfURL:   greetingURL(baseURL(r), g.ID),
	})
}

// CreateGreeting validates and persists a submission, then wakes the
// dispatcher. The 201 is returned only after the greeting and its
// pending delivery row are durably committed.
func (h *Handlers) CreateGreeting(w http.ResponseWriter, r *http.Request) {
	var sub greeting.Submission
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "bad request", fmt.Sprintf("malformed request body: %v", err))
		return
	}

	g, err := sub.Validate()
	if err != nil {
		respondValidationError(w, err)
		return
	}

	if err := h.store.CreateGreeting(r.Context(), g); err != nil {
		var verr *greeting.ValidationError
		if errors.As(err, &verr) {
			respondValidationError(w, err)
			return
		}
		respondInternalError(w, "storing greeting", err)
		return
	}

	if h.dispatcher != nil {
		h.dispatcher.Notify()
	}

	location := greetingURL(baseURL(r), g.ID)
	w.Header().Set("Location", location)
	respondJSON(w, http.StatusCreated, map[string]string{"Location": location})
}

// baseURL reconstructs the externally visible scheme and host for
// absolute self URLs.
func baseURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func cardURL(base string, id int64) string {
	return fmt.Sprintf("%s/greetingcard/%d", base, id)
}

func greetingURL(base string, id int64) string {
	return fmt.Sprintf("%s/greeting/%d", base, id)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errLabel, message string) {
	respondJSON(w, status, errorBody{Status: status, Error: errLabel, Message: message})
}

func respondNotFound(w http.ResponseWriter) {
	respondError(w, http.StatusNotFound, "not found", "invalid resource URI")
}

func respondValidationError(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, "bad request", err.Error())
}

// respondInternalError logs the real failure and returns an opaque 500.
func respondInternalError(w http.ResponseWriter, action string, err error) {
	log.Printf("[API] Error %s: %v", action, err)
	respondError(w, http.StatusInternalServerError, "internal error", "internal server error")
}
