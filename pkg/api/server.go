// Package api exposes the append and query surface over HTTP for external
// producers and the dashboard client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bgottula/track/pkg/buffer"
	"github.com/bgottula/track/pkg/query"
	"github.com/bgottula/track/pkg/schema"
	"github.com/bgottula/track/pkg/types"
)

// Server implements the HTTP API.
type Server struct {
	schemas *schema.Registry
	buf     *buffer.Buffer
	engine  *query.Engine
	addr    string
	server  *http.Server
}

// NewServer creates an API server bound to the given buffer and query
// engine.
func NewServer(addr string, schemas *schema.Registry, buf *buffer.Buffer, engine *query.Engine) *Server {
	return &Server{
		schemas: schemas,
		buf:     buf,
		engine:  engine,
		addr:    addr,
	}
}

// Handler returns the route mux, split out so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/append", s.handleAppend)
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// appendRequest is the wire form of a producer submission. Field values
// arrive untyped from JSON and are validated against the schema.
type appendRequest struct {
	Measurement string                 `json:"measurement"`
	Timestamp   time.Time              `json:"timestamp"`
	Fields      map[string]interface{} `json:"fields"`
}

// handleAppend accepts one sample from an external producer.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	fields, err := s.schemas.ValidateFields(req.Measurement, req.Fields)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.buf.Append(types.Sample{
		Measurement: req.Measurement,
		Timestamp:   req.Timestamp,
		Fields:      fields,
	})
	if err != nil {
		var oooErr *types.OutOfOrderError
		if errors.As(err, &oooErr) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// handleQuery serves an aggregation query. Fields are given as repeated
// "field" parameters of the form fn:name or fn:name:alias.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := r.URL.Query()

	measurement := params.Get("measurement")
	if measurement == "" {
		http.Error(w, "missing measurement parameter", http.StatusBadRequest)
		return
	}

	fields := make([]types.FieldAgg, 0, len(params["field"]))
	for _, raw := range params["field"] {
		fa, err := parseFieldAgg(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields = append(fields, fa)
	}
	if len(fields) == 0 {
		http.Error(w, "missing field parameter", http.StatusBadRequest)
		return
	}

	from, err := parseTime(params.Get("from"), time.Now().Add(-time.Minute))
	if err != nil {
		http.Error(w, "invalid from time", http.StatusBadRequest)
		return
	}
	to, err := parseTime(params.Get("to"), time.Now())
	if err != nil {
		http.Error(w, "invalid to time", http.StatusBadRequest)
		return
	}

	interval := 100 * time.Millisecond
	if raw := params.Get("interval"); raw != "" {
		interval, err = time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid interval", http.StatusBadRequest)
			return
		}
	}

	fill := types.FillNull
	if raw := params.Get("fill"); raw != "" {
		switch types.FillPolicy(raw) {
		case types.FillNull, types.FillNone:
			fill = types.FillPolicy(raw)
		default:
			http.Error(w, fmt.Sprintf("unknown fill policy %q", raw), http.StatusBadRequest)
			return
		}
	}

	req := &types.QueryRequest{
		Measurement: measurement,
		Fields:      fields,
		From:        from,
		To:          to,
		Interval:    interval,
		Fill:        fill,
	}

	result, err := s.engine.Query(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusForQueryError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// parseFieldAgg parses fn:field or fn:field:alias.
func parseFieldAgg(raw string) (types.FieldAgg, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return types.FieldAgg{}, fmt.Errorf("malformed field selector %q, want fn:field[:alias]", raw)
	}
	fa := types.FieldAgg{Fn: types.AggFunc(parts[0]), Field: parts[1]}
	if len(parts) == 3 {
		fa.Alias = parts[2]
	}
	return fa, nil
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func statusForQueryError(err error) int {
	var unknownMeasurement *types.UnknownMeasurementError
	var unknownField *types.UnknownFieldError
	var invalidRange *types.InvalidRangeError
	switch {
	case errors.As(err, &unknownMeasurement), errors.As(err, &unknownField):
		return http.StatusNotFound
	case errors.As(err, &invalidRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
