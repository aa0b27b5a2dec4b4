package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roadfix/internal/config"
	"roadfix/internal/directory"
	"roadfix/internal/domain"
	"roadfix/internal/fulfillment"
	"roadfix/internal/repository/sqlstore"
	"roadfix/internal/server"
)

const (
	secret = "test-secret"
	issuer = "roadfix-test"
)

type harness struct {
	t   *testing.T
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	cfg := &config.Config{}
	cfg.Server.Port = 0
	cfg.Server.PublicBaseURL = "https://roadfix.example"
	cfg.JWT.Secret = secret
	cfg.JWT.Issuer = issuer

	engine := fulfillment.New(db, directory.NewStoreDirectory(db.Repositories().Workshops), zap.NewNop(), fulfillment.Options{
		PublicBaseURL: cfg.Server.PublicBaseURL,
	})
	s := server.New(cfg, engine, db, zap.NewNop())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv}
}

func (h *harness) token(userID, role string) string {
	h.t.Helper()
	tok, err := server.IssueToken(secret, issuer, userID, role, time.Hour)
	require.NoError(h.t, err)
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil
func (h *harness) do(method, path, token string, body any, out any, headers ...string) *http.Response {
	h.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var here = domain.Location{Latitude: 12.9716, Longitude: 77.5946, Address: "MG Road"}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	var body map[string]string
	resp := h.do(http.MethodGet, "/healthz", "", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	t.Run("missing token", func(t *testing.T) {
		var e apiError
		resp := h.do(http.MethodGet, "/api/v1/requests", "", nil, &e)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", e.Error.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		tok, err := server.IssueToken("other-secret", issuer, "u1", domain.RoleCustomer, time.Hour)
		require.NoError(t, err)
		resp := h.do(http.MethodGet, "/api/v1/requests", tok, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		tok, err := server.IssueToken(secret, "someone-else", "u1", domain.RoleCustomer, time.Hour)
		require.NoError(t, err)
		resp := h.do(http.MethodGet, "/api/v1/requests", tok, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := server.IssueToken(secret, issuer, "u1", domain.RoleCustomer, -time.Minute)
		require.NoError(t, err)
		var e apiError
		resp := h.do(http.MethodGet, "/api/v1/requests", tok, nil, &e)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "token expired", e.Error.Message)
	})

	t.Run("role not permitted", func(t *testing.T) {
		var e apiError
		resp := h.do(http.MethodPost, "/api/v1/workshops", h.token("u1", domain.RoleCustomer),
			fulfillment.WorkshopInput{Name: "Nope", Location: here}, &e)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "forbidden", e.Error.Code)
	})

	t.Run("cookie", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/requests", nil)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: h.token("u1", domain.RoleCustomer)})
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestFulfillmentFlow(t *testing.T) {
	h := newHarness(t)

	customer := h.token("cust-1", domain.RoleCustomer)
	owner := h.token("owner-1", domain.RoleWorkshopOwner)
	rival := h.token("owner-2", domain.RoleWorkshopOwner)

	var ws, ws2 domain.Workshop
	resp := h.do(http.MethodPost, "/api/v1/workshops", owner, fulfillment.WorkshopInput{Name: "Indiranagar Auto Care", Location: here}, &ws)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.do(http.MethodPost, "/api/v1/workshops", rival, fulfillment.WorkshopInput{Name: "Koramangala Motors", Location: here}, &ws2)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var worker domain.Worker
	resp = h.do(http.MethodPost, "/api/v1/workshops/"+ws.ID+"/workers", owner,
		fulfillment.WorkerInput{UserID: "mech-1", Name: "Ravi"}, &worker)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, worker.IsAvailable)

	var req domain.ServiceRequest
	resp = h.do(http.MethodPost, "/api/v1/requests", customer, fulfillment.CreateRequestInput{
		Name:             "Flat tyre",
		Description:      "Stopped on the ring road",
		IssueDescription: "Rear left tyre punctured",
		Location:         &here,
	}, &req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.NotEmpty(t, req.TrackingCode)

	validUntil := time.Now().Add(time.Hour).UTC()
	var q1, q2 domain.Quotation
	resp = h.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/quotations", owner,
		fulfillment.QuotationInput{WorkshopID: ws.ID, ServiceCharges: 5000, SparePartsCost: 1200, ValidUntil: validUntil}, &q1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(6200), q1.TotalAmount)
	resp = h.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/quotations", rival,
		fulfillment.QuotationInput{WorkshopID: ws2.ID, ServiceCharges: 4500, ValidUntil: validUntil}, &q2)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var quotes []domain.Quotation
	resp = h.do(http.MethodGet, "/api/v1/requests/"+req.ID+"/quotations", customer, nil, &quotes)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, quotes, 2)

	resp = h.do(http.MethodPost, "/api/v1/quotations/"+q1.ID+"/accept", customer, nil, &req, "Idempotency-Key", "accept-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusAccepted, req.Status)
	require.NotNil(t, req.WorkshopID)
	assert.Equal(t, ws.ID, *req.WorkshopID)

	// replay with the same key is harmless
	resp = h.do(http.MethodPost, "/api/v1/quotations/"+q1.ID+"/accept", customer, nil, nil, "Idempotency-Key", "accept-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var e apiError
	resp = h.do(http.MethodPost, "/api/v1/quotations/"+q2.ID+"/accept", customer, nil, &e)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_accepted", e.Error.Code)

	resp = h.do(http.MethodPut, "/api/v1/requests/"+req.ID+"/worker", owner, map[string]any{"workerId": worker.ID}, &req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, req.AssignedWorkerID)
	assert.Equal(t, worker.ID, *req.AssignedWorkerID)

	var workers []domain.Worker
	resp = h.do(http.MethodGet, "/api/v1/workshops/"+ws.ID+"/workers?available=true", owner, nil, &workers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, workers)

	resp = h.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/transition", owner, map[string]string{"status": "IN_PROGRESS"}, &req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusInProgress, req.Status)

	eta := time.Now().Add(90 * time.Minute).UTC()
	resp = h.do(http.MethodPut, "/api/v1/requests/"+req.ID+"/eta", owner, map[string]any{"estimatedCompletion": eta}, &req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, req.EstimatedCompletion)
	assert.WithinDuration(t, eta, *req.EstimatedCompletion, time.Millisecond)

	resp = h.do(http.MethodPut, "/api/v1/requests/"+req.ID+"/eta", owner, map[string]any{"estimatedCompletion": time.Now().Add(-time.Hour)}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(http.MethodPut, "/api/v1/requests/"+req.ID+"/eta", rival, map[string]any{"estimatedCompletion": eta}, &e)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = h.do(http.MethodPut, "/api/v1/requests/"+req.ID+"/eta", customer, map[string]any{"estimatedCompletion": eta}, &e)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/transition", customer, map[string]string{"status": "CANCELLED"}, &e)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/v1/requests/"+req.ID+"/transition", owner,
		map[string]string{"status": "COMPLETED", "note": "tyre replaced"}, &req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCompleted, req.Status)
	assert.NotNil(t, req.CompletedAt)

	resp = h.do(http.MethodGet, "/api/v1/workshops/"+ws.ID+"/workers?available=true", owner, nil, &workers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, workers, 1)
	assert.Equal(t, worker.ID, workers[0].ID)

	var history []domain.StatusChange
	resp = h.do(http.MethodGet, "/api/v1/requests/"+req.ID+"/history", customer, nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var path []domain.RequestStatus
	for _, c := range history {
		path = append(path, c.ToStatus)
	}
	assert.Equal(t, []domain.RequestStatus{
		domain.StatusPending, domain.StatusQuoted, domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted,
	}, path)

	var view fulfillment.TrackingView
	resp = h.do(http.MethodGet, "/api/v1/track/"+req.TrackingCode, "", nil, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.True(t, view.HasWorker)
	require.NotNil(t, view.EstimatedAt)
	assert.WithinDuration(t, eta, *view.EstimatedAt, time.Millisecond)
}

func TestRequestErrors(t *testing.T) {
	h := newHarness(t)
	customer := h.token("cust-1", domain.RoleCustomer)

	t.Run("malformed body", func(t *testing.T) {
		var e apiError
		resp := h.do(http.MethodPost, "/api/v1/requests", customer, `{"name":`, &e)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_request", e.Error.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := h.do(http.MethodPost, "/api/v1/requests", customer, `{"name":"x","bogus":1}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing fields", func(t *testing.T) {
		resp := h.do(http.MethodPost, "/api/v1/requests", customer, fulfillment.CreateRequestInput{Location: &here}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing location", func(t *testing.T) {
		var e apiError
		resp := h.do(http.MethodPost, "/api/v1/requests", customer,
			`{"name":"Flat tyre","description":"Stuck","issueDescription":"Puncture"}`, &e)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, e.Error.Message, "location is required")
	})

	t.Run("unknown request", func(t *testing.T) {
		var e apiError
		resp := h.do(http.MethodGet, "/api/v1/requests/nope", customer, nil, &e)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", e.Error.Code)
	})

	t.Run("unknown tracking code", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/api/v1/track/0000000000", "", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/api/v1/requests?limit=-3", customer, nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("availability requires a value", func(t *testing.T) {
		resp := h.do(http.MethodPut, "/api/v1/workers/any/availability", customer, `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRequestLabel(t *testing.T) {
	h := newHarness(t)
	customer := h.token("cust-1", domain.RoleCustomer)

	var req domain.ServiceRequest
	resp := h.do(http.MethodPost, "/api/v1/requests", customer, fulfillment.CreateRequestInput{
		Name: "Dead battery", Description: "Won't start", IssueDescription: "Battery", Location: &here,
	}, &req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/requests/"+req.ID+"/label.png", customer, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))

	resp = h.do(http.MethodGet, "/api/v1/requests/"+req.ID+"/label.png", h.token("cust-2", domain.RoleCustomer), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSearchWorkshops(t *testing.T) {
	h := newHarness(t)
	owner := h.token("owner-1", domain.RoleWorkshopOwner)
	customer := h.token("cust-1", domain.RoleCustomer)

	near := here
	near.Latitude += 0.027
	far := here
	far.Latitude += 0.9

	var a, b domain.Workshop
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/workshops", owner, fulfillment.WorkshopInput{Name: "Near", Location: near}, &a).StatusCode)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/workshops", owner, fulfillment.WorkshopInput{Name: "Far", Location: far}, &b).StatusCode)

	type match struct {
		Workshop   domain.Workshop `json:"workshop"`
		DistanceKm *float64        `json:"distanceKm"`
	}

	var matches []match
	resp := h.do(http.MethodGet, "/api/v1/workshops/search?lat=12.9716&lon=77.5946&radiusKm=10", customer, nil, &matches)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID, matches[0].Workshop.ID)
	require.NotNil(t, matches[0].DistanceKm)
	assert.InDelta(t, 3.0, *matches[0].DistanceKm, 0.1)

	resp = h.do(http.MethodGet, "/api/v1/workshops/search?lat=12.9716&lon=77.5946&radiusKm=200", customer, nil, &matches)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, matches, 2)
	assert.Equal(t, a.ID, matches[0].Workshop.ID)

	// closing a workshop hides it from search
	resp = h.do(http.MethodPut, "/api/v1/workshops/"+a.ID+"/status", owner, map[string]string{"status": "CLOSED"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(http.MethodGet, "/api/v1/workshops/search?lat=12.9716&lon=77.5946&radiusKm=200", customer, nil, &matches)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, matches, 1)
	assert.Equal(t, b.ID, matches[0].Workshop.ID)

	resp = h.do(http.MethodGet, "/api/v1/workshops/search?lat=12.9716", customer, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackingPage(t *testing.T) {
	h := newHarness(t)
	customer := h.token("cust-1", domain.RoleCustomer)

	var req domain.ServiceRequest
	resp := h.do(http.MethodPost, "/api/v1/requests", customer, fulfillment.CreateRequestInput{
		Name: "Overheating", Description: "Steam from the bonnet", IssueDescription: "Coolant leak", Location: &here,
	}, &req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(http.MethodGet, "/track/"+req.TrackingCode, "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Request "+req.TrackingCode)
	assert.Contains(t, buf.String(), "Waiting for quotations")

	resp = h.do(http.MethodGet, "/track/ffffffffff", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
