package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vettrack/internal/model"
	"vettrack/internal/schema"
)

const trackingBody = `{
  "emergency": {
    "id": "em-1",
    "mode": "domicilio",
    "status": "ON-WAY",
    "location": {"lat": -33.44, "lng": -70.65, "address": "Av. Providencia 1234"},
    "conversationId": "conv-1",
    "manualAttempts": 1,
    "updatedAt": "2026-03-01T12:00:00Z"
  },
  "vet": {"id": "vet-7", "name": "Dra. Fuentes", "phone": "+56911112222"},
  "pet": {"id": "pet-3", "name": "Luna", "species": "dog"},
  "tracking": {"vetLocation": {"lat": "-33.45", "lng": -70.66}, "eta": "6", "distance": null, "autoValidated": false},
  "pricing": {"total": 38000, "currency": "CLP"}
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/", "token-123", zap.NewNop(),
		WithSchemas(schema.NewCompilerWithCache(8)),
		WithFetchLimit(time.Millisecond, 10),
	)
}

func TestClient_GetTracking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/emergencies/em-1/tracking", r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(trackingBody))
	})

	req, err := c.GetTracking(context.Background(), "em-1")
	require.NoError(t, err)

	assert.Equal(t, "em-1", req.ID)
	assert.Equal(t, model.ModeHome, req.Mode)
	assert.Equal(t, model.StatusOnWay, req.Status)
	assert.Equal(t, "Av. Providencia 1234", req.Location.Address)
	assert.Equal(t, "conv-1", req.ConversationID)
	assert.Equal(t, 1, req.ManualAttempts)
	require.NotNil(t, req.VetLocation)
	assert.Equal(t, model.Point{Lat: -33.45, Lng: -70.66}, *req.VetLocation)
	require.NotNil(t, req.ETAMinutes)
	assert.Equal(t, 6, *req.ETAMinutes)
	assert.Nil(t, req.ArrivalDistanceMeters)
	assert.Equal(t, "Dra. Fuentes", req.Vet.Name)
	assert.Equal(t, "Luna", req.Pet.Name)
	assert.Equal(t, 38000.0, req.Pricing.Total)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), req.UpdatedAt.UTC())
}

func TestClient_GetTrackingNullSections(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emergency":{"id":"em-1","status":"pending"},"vet":null,"pet":null,"tracking":null,"pricing":null}`))
	})

	req, err := c.GetTracking(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, req.Status)
	assert.Nil(t, req.Vet)
	assert.Nil(t, req.VetLocation)
	assert.Nil(t, req.Pricing)
}

func TestClient_GetTrackingInvalidShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emergency":{"status":"pending"}}`))
	})

	_, err := c.GetTracking(context.Background(), "em-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tracking response")
}

func TestClient_ExpandSearchError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/emergencies/em-1/expand-search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"expand_not_allowed","code":"max_radius","message":"Ya se alcanzó el radio máximo"}`))
	})

	err := c.ExpandSearch(context.Background(), "em-1")
	require.Error(t, err)

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusUnprocessableEntity, be.StatusCode)
	assert.Equal(t, "max_radius", be.Code)
	assert.Equal(t, "Ya se alcanzó el radio máximo", be.UserMessage())
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.ExpandSearch(context.Background(), "em-1")
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "Bad Gateway", be.Message)
}

func TestClient_ExpandSearchOK(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.ExpandSearch(context.Background(), "em-1"))
	assert.True(t, called)
}

func TestClient_FetchLimitHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(trackingBody))
	})
	WithFetchLimit(time.Hour, 1)(c)

	_, err := c.GetTracking(context.Background(), "em-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.GetTracking(ctx, "em-1")
	require.Error(t, err)
}
