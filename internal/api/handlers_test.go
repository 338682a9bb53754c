package api

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/21projects/greetings/internal/config"
	"github.com/21projects/greetings/internal/greeting"
	"github.com/21projects/greetings/internal/payment"
)

type countingNotifier struct {
	notified int
}

func (n *countingNotifier) Notify() { n.notified++ }

func newTestAPI(t *testing.T, wallet *payment.Client) (http.Handler, sqlmock.Sqlmock, *countingNotifier) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clientFile := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, os.WriteFile(clientFile, []byte("<html><body>greetings client</body></html>"), 0644))

	notifier := &countingNotifier{}
	h := NewHandlers(greeting.NewStore(db), wallet, notifier, clientFile)
	return SetupRoutes(h), mock, notifier
}

// acceptingWallet starts a stub wallet service that accepts any proof
// with the full configured amount.
func acceptingWallet(t *testing.T) *payment.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"valid": true, "amount": 1000}`))
	}))
	t.Cleanup(srv.Close)
	return payment.NewClient(config.PaymentConfig{
		Enabled: true, WalletURL: srv.URL, MinAmount: 1000, TimeoutSeconds: 2,
	})
}

func doRequest(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func expectInsert(mock sqlmock.Sqlmock, id int64, args ...driver.Value) {
	mock.ExpectBegin()
	insert := mock.ExpectQuery(`INSERT INTO greetings`)
	if len(args) > 0 {
		insert.WithArgs(args...)
	}
	insert.WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now().UTC()))
	mock.ExpectExec(`INSERT INTO greeting_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func freshFKViolation() error {
	return &pq.Error{Code: "23503", Message: "violates foreign key constraint"}
}

var sqlDownErr = errors.New("connection refused")

func TestCreateGreetingReturnsLocation(t *testing.T) {
	handler, mock, notifier := newTestAPI(t, nil)
	expectInsert(mock, 7, nil, "", "Happy Bday  ", "a@b.com")

	rec := doRequest(handler, http.MethodPost, "http://api.test/greeting/",
		`{"message": "Happy Bday!!", "email": "a@b.com"}`, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "http://api.test/greeting/7", rec.Header().Get("Location"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "http://api.test/greeting/7", body["Location"])
	assert.Equal(t, 1, notifier.notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateGreetingMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing message", `{"email": "a@b.com"}`, "message"},
		{"missing email", `{"message": "hi there"}`, "email"},
		{"empty body", `{}`, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, mock, notifier := newTestAPI(t, nil)

			rec := doRequest(handler, http.MethodPost, "/greeting/", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, 400, body.Status)
			assert.Contains(t, body.Message, tt.want)
			assert.Equal(t, 0, notifier.notified)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateGreetingRejectsUnknownFields(t *testing.T) {
	handler, _, notifier := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodPost, "/greeting/",
		`{"mesage": "typo", "email": "a@b.com"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown field")
	assert.Equal(t, 0, notifier.notified)
}

func TestCreateGreetingRejectsInvalidEmail(t *testing.T) {
	handler, _, _ := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodPost, "/greeting/",
		`{"message": "hi", "email": "not-an-address"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email")
}

func TestCreateGreetingDanglingCard(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO greetings`).
		WillReturnError(freshFKViolation())
	mock.ExpectRollback()

	rec := doRequest(handler, http.MethodPost, "/greeting/",
		`{"greeting_card": 99, "message": "hi", "email": "a@b.com"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "greeting_card")
}

func TestGetGreetingIsRedacted(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM greetings WHERE id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "title", "message", "email", "created_at"}).
			AddRow(int64(7), nil, "secret title", "secret message", "secret@example.com", created))

	rec := doRequest(handler, http.MethodGet, "http://api.test/greeting/7", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, 2)
	assert.Equal(t, "http://api.test/greeting/7", body["self_url"])
	assert.Equal(t, created.Format(time.RFC3339), body["created_at"])
}

func TestGetGreetingIdempotent(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "card_id", "title", "message", "email", "created_at"}).
			AddRow(int64(7), nil, "t", "m", "a@b.com", created)
	}
	mock.ExpectQuery(`FROM greetings WHERE id`).WillReturnRows(rows())
	mock.ExpectQuery(`FROM greetings WHERE id`).WillReturnRows(rows())

	first := doRequest(handler, http.MethodGet, "/greeting/7", "", nil)
	second := doRequest(handler, http.MethodGet, "/greeting/7", "", nil)

	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestGetGreetingNotFound(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectQuery(`FROM greetings WHERE id`).
		WithArgs(int64(999999)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "title", "message", "email", "created_at"}))

	rec := doRequest(handler, http.MethodGet, "/greeting/999999", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errorBody{Status: 404, Error: "not found", Message: "invalid resource URI"}, body)
}

func TestUnknownRouteNotFound(t *testing.T) {
	handler, _, _ := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodGet, "/no/such/route", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errorBody{Status: 404, Error: "not found", Message: "invalid resource URI"}, body)
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _, _ := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodDelete, "/greetings/", "", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 405, body.Status)
}

func TestListGreetings(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectQuery(`SELECT id FROM greetings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	rec := doRequest(handler, http.MethodGet, "http://api.test/greetings/", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{
		"http://api.test/greeting/1",
		"http://api.test/greeting/2",
	}, body["greetings"])
}

func TestListCards(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM greeting_cards ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "template", "created_at"}).
			AddRow(int64(1), "a generic greeting", "general", now).
			AddRow(int64(2), "a birthday greeting", "birthday", now))

	rec := doRequest(handler, http.MethodGet, "http://api.test/greetingcards/", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{
		"http://api.test/greetingcard/1",
		"http://api.test/greetingcard/2",
	}, body["greetingcards"])
}

func TestGetCard(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectQuery(`FROM greeting_cards WHERE id`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "template", "created_at"}).
			AddRow(int64(2), "a birthday greeting", "birthday", time.Now().UTC()))

	rec := doRequest(handler, http.MethodGet, "http://api.test/greetingcard/2", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body cardExport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, cardExport{
		Description: "a birthday greeting",
		Template:    "birthday",
		SelfURL:     "http://api.test/greetingcard/2",
	}, body)
}

func TestPaymentGateRejectsMissingProof(t *testing.T) {
	handler, mock, notifier := newTestAPI(t, acceptingWallet(t))

	rec := doRequest(handler, http.MethodPost, "/greeting/",
		`{"message": "hi", "email": "a@b.com"}`, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 402, body.Status)
	assert.Equal(t, "payment required", body.Error)

	// Zero side effects: no store calls, no dispatcher poke.
	assert.Equal(t, 0, notifier.notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentGateRejectsInvalidProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid": false, "reason": "already spent"}`))
	}))
	t.Cleanup(srv.Close)
	wallet := payment.NewClient(config.PaymentConfig{
		Enabled: true, WalletURL: srv.URL, MinAmount: 1000, TimeoutSeconds: 2,
	})

	handler, mock, _ := newTestAPI(t, wallet)

	rec := doRequest(handler, http.MethodPost, "/greeting/",
		`{"message": "hi", "email": "a@b.com"}`,
		map[string]string{payment.ProofHeader: "spent-token"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "already spent")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentGateAcceptsValidProof(t *testing.T) {
	handler, mock, notifier := newTestAPI(t, acceptingWallet(t))
	expectInsert(mock, 3)

	rec := doRequest(handler, http.MethodPost, "http://api.test/greeting/",
		`{"message": "Happy Bday!!", "email": "a@b.com"}`,
		map[string]string{payment.ProofHeader: "valid-token"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "http://api.test/greeting/3", rec.Header().Get("Location"))
	assert.Equal(t, 1, notifier.notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManifest(t *testing.T) {
	handler, _, _ := newTestAPI(t, acceptingWallet(t))

	rec := doRequest(handler, http.MethodGet, "http://api.test/manifest", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "greetings", body["name"])
	assert.Equal(t, true, body["payment_required"])
	assert.Equal(t, float64(1000), body["price"])
}

func TestManifestPaymentDisabled(t *testing.T) {
	handler, _, _ := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodGet, "/manifest", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["payment_required"])
	assert.Equal(t, float64(0), body["price"])
}

func TestClientPage(t *testing.T) {
	handler, _, _ := newTestAPI(t, nil)

	rec := doRequest(handler, http.MethodGet, "/client", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "greetings client")
}

func TestHealthCheck(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM greetings`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	rec := doRequest(handler, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHealthCheckDegradedOnStoreError(t *testing.T) {
	handler, mock, _ := newTestAPI(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM greetings`).
		WillReturnError(sqlDownErr)

	rec := doRequest(handler, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
