package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgottula/track/pkg/buffer"
	"github.com/bgottula/track/pkg/query"
	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *buffer.Buffer) {
	t.Helper()
	schemas := schema.Default()
	buf := buffer.New(schemas, buffer.Config{Retention: time.Hour, EvictInterval: time.Second})
	engine := query.New(schemas, buf, nil, nil)
	return NewServer(":0", schemas, buf, engine), buf
}

func postAppend(t *testing.T, handler http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/append", bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAppendAndQuery(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	base := time.Unix(0, 0).UTC()
	for i := 0; i < 5; i++ {
		w := postAppend(t, handler, map[string]interface{}{
			"measurement": "error_optical",
			"timestamp":   base.Add(time.Duration(i) * 20 * time.Millisecond).Format(time.RFC3339Nano),
			"fields":      map[string]interface{}{"error_ra": float64(i), "error_dec": 0.5},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	url := fmt.Sprintf("/api/v1/query?measurement=error_optical&field=mean:error_ra:ra&from=%s&to=%s&interval=100ms&fill=null",
		base.Format(time.RFC3339Nano), base.Add(100*time.Millisecond).Format(time.RFC3339Nano))
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Series, 1)
	assert.Equal(t, "ra", result.Series[0].Name)
	require.Len(t, result.Series[0].Points, 1)
	assert.Equal(t, 2.0, result.Series[0].Points[0].Value, "mean of 0..4")
}

func TestAppendSchemaViolation(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	w := postAppend(t, handler, map[string]interface{}{
		"measurement": "error_optical",
		"fields":      map[string]interface{}{"bogus": 1.0},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAppendOutOfOrderConflict(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	base := time.Unix(1000, 0).UTC()
	w := postAppend(t, handler, map[string]interface{}{
		"measurement": "tracker",
		"timestamp":   base.Format(time.RFC3339Nano),
		"fields":      map[string]interface{}{"rate_ra": 1.0},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = postAppend(t, handler, map[string]interface{}{
		"measurement": "tracker",
		"timestamp":   base.Add(-time.Second).Format(time.RFC3339Nano),
		"fields":      map[string]interface{}{"rate_ra": 2.0},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQueryUnknownMeasurementNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/query?measurement=weather&field=mean:temp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryBadFieldSelector(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/query?measurement=tracker&field=rate_ra", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryInvalidRangeBadRequest(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	base := time.Unix(1000, 0).UTC()
	url := fmt.Sprintf("/api/v1/query?measurement=tracker&field=mean:rate_ra&from=%s&to=%s",
		base.Format(time.RFC3339Nano), base.Format(time.RFC3339Nano))
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
