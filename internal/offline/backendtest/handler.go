package backendtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/fieldkit/offsync/internal/offline/transport"
)

// Handler serves the backend over the transport's HTTP protocol.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", b.handleHealth)
	mux.HandleFunc("POST /v1/mutations", b.authorized(b.handleMutation))
	mux.HandleFunc("GET /v1/entities/{type}/{id}", b.authorized(b.handleGet))
	mux.HandleFunc("GET /v1/entities/{type}", b.authorized(b.handleQuery))
	return mux
}

func (b *Backend) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		token := b.token
		b.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, transport.ErrorBody{Code: "unauthorized", Message: "missing or invalid token"})
			return
		}
		next(w, r)
	}
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := b.reachable(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Backend) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, transport.ErrorBody{Code: "bad_request", Message: err.Error()})
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.MutationID = key
	}
	if ifMatch := strings.TrimSpace(r.Header.Get("If-Match")); ifMatch != "" {
		rev, err := strconv.ParseInt(strings.Trim(ifMatch, `"`), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, transport.ErrorBody{Code: "bad_if_match", Message: err.Error()})
			return
		}
		req.BaseRevision = rev
	}
	if req.MutationID == "" {
		writeError(w, http.StatusBadRequest, transport.ErrorBody{Code: "missing_idempotency_key", Message: "mutation id is required"})
		return
	}

	snap, err := b.Send(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := b.Get(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (b *Backend) handleQuery(w http.ResponseWriter, r *http.Request) {
	items, err := b.Query(r.Context(), r.PathValue("type"), r.URL.Query().Get("q"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.QueryResult{Items: items})
}

func writeFailure(w http.ResponseWriter, err error) {
	var conflict *transport.ConflictError
	if errors.As(err, &conflict) {
		writeError(w, http.StatusConflict, transport.ErrorBody{
			Code:    "revision_mismatch",
			Message: conflict.Error(),
			Current: conflict.Server,
		})
		return
	}
	var te *transport.Error
	if errors.As(err, &te) {
		if te.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())))
		}
		writeError(w, te.StatusCode, transport.ErrorBody{Code: te.Code, Message: te.Message})
		return
	}
	writeError(w, http.StatusInternalServerError, transport.ErrorBody{Code: "internal", Message: err.Error()})
}

func writeError(w http.ResponseWriter, status int, body transport.ErrorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
