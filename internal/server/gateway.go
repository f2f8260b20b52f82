package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"MarginLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errBadRequest = errors.New("bad request")

type route struct {
	method  string
	pattern string
	handler func(r *http.Request, params map[string]string) (interface{}, error)
}

func registerRoutes(mux *runtime.ServeMux, deps *ServerDeps) error {
	h := &handlers{qs: deps.QueryService, snapshotter: deps.Snapshotter}
	routes := []route{
		{http.MethodGet, "/v1/traders/{trader}", h.getTrader},
		{http.MethodGet, "/v1/traders/{trader}/journals", h.listJournals},
		{http.MethodGet, "/v1/traders/{trader}/closed_positions", h.listClosedPositions},
		{http.MethodGet, "/v1/positions/{id}", h.getPosition},
		{http.MethodGet, "/v1/pools/{pool}", h.getPool},
		{http.MethodGet, "/v1/safety/{subject}/{subject_id}", h.listSafetyTransitions},
		{http.MethodGet, "/v1/status", h.getStatus},
		{http.MethodPost, "/v1/admin/verify_integrity", h.verifyIntegrity},
		{http.MethodPost, "/v1/admin/snapshot", h.takeSnapshot},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, serve(rt.handler)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func serve(fn func(r *http.Request, params map[string]string) (interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := fn(r, params)
		if err != nil {
			writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type handlers struct {
	qs          *query.QueryService
	snapshotter SnapshotTaker
}

func (h *handlers) getTrader(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := parseUUID(params["trader"])
	if err != nil {
		return nil, err
	}
	return h.qs.GetTrader(r.Context(), trader)
}

func (h *handlers) listJournals(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := parseUUID(params["trader"])
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before %q", errBadRequest, raw)
		}
		before = &seq
	}
	entries, err := h.qs.GetJournalHistory(r.Context(), trader, limit, before)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"journals": nonNil(entries)}, nil
}

func (h *handlers) listClosedPositions(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := parseUUID(params["trader"])
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	closed, err := h.qs.GetClosedPositions(r.Context(), trader, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"positions": nonNil(closed)}, nil
}

func (h *handlers) getPosition(r *http.Request, params map[string]string) (interface{}, error) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: position id %q", errBadRequest, params["id"])
	}
	return h.qs.GetPosition(r.Context(), id)
}

func (h *handlers) getPool(r *http.Request, params map[string]string) (interface{}, error) {
	pool, err := strconv.ParseUint(params["pool"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: pool id %q", errBadRequest, params["pool"])
	}
	return h.qs.GetPool(r.Context(), uint32(pool))
}

func (h *handlers) listSafetyTransitions(r *http.Request, params map[string]string) (interface{}, error) {
	subject := params["subject"]
	if subject != "trader" && subject != "pool" {
		return nil, fmt.Errorf("%w: subject %q", errBadRequest, subject)
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	transitions, err := h.qs.GetSafetyTransitions(r.Context(), subject, params["subject_id"], limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"transitions": nonNil(transitions)}, nil
}

func (h *handlers) getStatus(r *http.Request, _ map[string]string) (interface{}, error) {
	return h.qs.GetSystemStatus(r.Context())
}

func (h *handlers) verifyIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	return h.qs.VerifyIntegrity(r.Context())
}

func (h *handlers) takeSnapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	if h.snapshotter == nil {
		return nil, errors.New("snapshots disabled")
	}
	if err := h.snapshotter.Take(r.Context()); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: trader %q", errBadRequest, s)
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", errBadRequest, key, raw)
	}
	return v, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
