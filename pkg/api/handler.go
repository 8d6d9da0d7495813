package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

const (
	maxAffiliateIDLen = 255
	dateLayout        = "2006-01-02"
	statusAccepted    = "accepted"
)

// Handler provides HTTP endpoints for affiliate dashboards and event ingestion
type Handler struct {
	config   Config
	location *time.Location
}

// RegisterRoutes mounts the handler on mux under prefix:
//
//	GET  {prefix}/dashboard
//	GET  {prefix}/timeseries
//	GET  {prefix}/schema
//	POST {prefix}/events
//	POST {prefix}/signups
//
// Read endpoints are scoped to GetAffiliateID. Ingestion endpoints are meant
// for the application backend and should sit behind its own authentication.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimRight(prefix, "/")
	mux.HandleFunc("GET "+prefix+"/dashboard", h.GetDashboard)
	mux.HandleFunc("GET "+prefix+"/timeseries", h.GetTimeSeries)
	mux.HandleFunc("GET "+prefix+"/schema", h.GetSchema)
	mux.HandleFunc("POST "+prefix+"/events", h.PostEvent)
	mux.HandleFunc("POST "+prefix+"/signups", h.PostSignup)
}

// GetDashboard returns the schema, aggregates and time series for the
// requesting affiliate. Query parameters: start, end (YYYY-MM-DD or RFC3339),
// code (repeatable or comma-separated) and user.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	affiliateID, ok := h.affiliate(w, r)
	if !ok {
		return
	}
	query, err := h.parseQuery(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	report, err := h.config.Engine.Dashboard(r.Context(), affiliateID, query)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetTimeSeries returns only the daily series for the requesting affiliate
func (h *Handler) GetTimeSeries(w http.ResponseWriter, r *http.Request) {
	affiliateID, ok := h.affiliate(w, r)
	if !ok {
		return
	}
	query, err := h.parseQuery(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	report, err := h.config.Engine.Dashboard(r.Context(), affiliateID, query)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TimeSeriesResponse{
		AffiliateID: affiliateID,
		Schema:      report.Schema,
		Points:      report.TimeSeries,
	})
}

// GetSchema returns the union schema of the requesting affiliate's codes
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	affiliateID, ok := h.affiliate(w, r)
	if !ok {
		return
	}

	schema, err := h.config.Engine.Schema(r.Context(), affiliateID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SchemaResponse{AffiliateID: affiliateID, Events: schema})
}

// PostEvent ingests one raw event payload, named or lifecycle, in the same
// shape accepted from storage.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var payload map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid payload: %w", err), http.StatusBadRequest)
		return
	}

	ev, ok := goaffiliate.DecodeEvent(payload)
	if !ok {
		h.handleError(w, r, fmt.Errorf("%w: missing type or timestamp", goaffiliate.ErrInvalidEvent), http.StatusBadRequest)
		return
	}

	if err := h.config.Engine.AppendEvent(r.Context(), ev.UserID, ev); err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: statusAccepted, ID: ev.ID})
}

// PostSignup attributes a user to a referral code. The first attribution wins.
func (h *Handler) PostSignup(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req SignupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid payload: %w", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.CodeID) == "" {
		h.handleError(w, r, fmt.Errorf("code_id is required"), http.StatusBadRequest)
		return
	}

	at := h.config.Engine.Config().Now()
	if req.At != nil {
		at = *req.At
	}
	if err := h.config.Engine.RecordSignup(r.Context(), req.CodeID, req.UserID, at); err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: statusAccepted})
}

// affiliate extracts and validates the affiliate ID, writing the error response itself
func (h *Handler) affiliate(w http.ResponseWriter, r *http.Request) (string, bool) {
	affiliateID := strings.TrimSpace(h.config.GetAffiliateID(r))
	if affiliateID == "" {
		h.handleError(w, r, fmt.Errorf("affiliate ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(affiliateID) > maxAffiliateIDLen {
		h.handleError(w, r, fmt.Errorf("invalid affiliate ID format"), http.StatusBadRequest)
		return "", false
	}
	return affiliateID, true
}

// parseQuery reads the dashboard filters from the URL
func (h *Handler) parseQuery(r *http.Request) (goaffiliate.DashboardQuery, error) {
	values := r.URL.Query()
	var q goaffiliate.DashboardQuery

	if s := strings.TrimSpace(values.Get("start")); s != "" {
		t, err := h.parseDate(s)
		if err != nil {
			return q, fmt.Errorf("invalid start: %w", err)
		}
		q.Range.Start = &t
	}
	if s := strings.TrimSpace(values.Get("end")); s != "" {
		t, err := h.parseDate(s)
		if err != nil {
			return q, fmt.Errorf("invalid end: %w", err)
		}
		q.Range.End = &t
	}
	if err := q.Range.Validate(); err != nil {
		return q, err
	}

	for _, v := range values["code"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				q.CodeIDs = append(q.CodeIDs, id)
			}
		}
	}
	q.UserID = strings.TrimSpace(values.Get("user"))
	return q, nil
}

// parseDate accepts calendar dates in the engine's location and RFC3339 instants
func (h *Handler) parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, s, h.location); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, fmt.Errorf("payload too large"), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		h.handleError(w, r, fmt.Errorf("failed to read body: %w", err), http.StatusBadRequest)
		return nil, false
	}
	if buf.Len() == 0 {
		h.handleError(w, r, fmt.Errorf("empty body"), http.StatusBadRequest)
		return nil, false
	}
	return buf.Bytes(), true
}

// handleEngineError maps engine and storage errors onto HTTP status codes
func (h *Handler) handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, goaffiliate.ErrInvalidRange),
		errors.Is(err, goaffiliate.ErrInvalidEvent),
		errors.Is(err, goaffiliate.ErrInvalidCode):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, goaffiliate.ErrCodeNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, goaffiliate.ErrCodeNotOwned):
		h.handleError(w, r, err, http.StatusForbidden)
	case errors.Is(err, goaffiliate.ErrCircuitOpen),
		errors.Is(err, goaffiliate.ErrStorageUnavailable):
		h.handleError(w, r, err, http.StatusServiceUnavailable)
	default:
		h.config.Logger.Error("api request failed",
			goaffiliate.Field{Key: "path", Value: r.URL.Path},
			goaffiliate.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, errors.New("internal error"), http.StatusInternalServerError)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", goaffiliate.Field{Key: "error", Value: err.Error()})
	}
}
