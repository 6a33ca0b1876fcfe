package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/store"
)

// StepRunner executes an expensive step invocation after the idempotency
// cache has missed. Implementations must be safe to call concurrently.
type StepRunner interface {
	Run(ctx context.Context, stepType, userID string, request map[string]any) (map[string]any, error)
}

// StepFunc adapts a function to StepRunner.
type StepFunc func(ctx context.Context, stepType, userID string, request map[string]any) (map[string]any, error)

func (f StepFunc) Run(ctx context.Context, stepType, userID string, request map[string]any) (map[string]any, error) {
	return f(ctx, stepType, userID, request)
}

// handleStep guards a step invocation behind the idempotency cache. The
// caller supplies a key via the Idempotency-Key header; retries with the
// same key and payload replay the cached response, retries with the same
// key but a different payload are rejected.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	stepType := chi.URLParam(r, "stepType")
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		http.Error(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}

	var request map[string]any
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	hash, err := store.RequestHash(request)
	if err != nil {
		http.Error(w, "unhashable request", http.StatusBadRequest)
		return
	}

	cached, err := s.store.CheckStep(r.Context(), userID, key, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "idempotency key reused with a different request", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cached != nil {
		w.Header().Set("Idempotency-Replayed", "true")
		writeJSON(w, cached.StatusCode, cached.ResponseBody)
		return
	}

	if s.steps == nil {
		http.Error(w, fmt.Sprintf("no runner for step %q", stepType), http.StatusNotImplemented)
		return
	}
	response, err := s.steps.Run(r.Context(), stepType, userID, request)
	if err != nil {
		// Failures are not cached; the caller may retry with the same key.
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := s.store.FinalizeStep(r.Context(), models.StepInvocation{
		IdempotencyKey: key,
		UserID:         userID,
		StepType:       stepType,
		RequestHash:    hash,
		ResponseBody:   response,
		StatusCode:     http.StatusOK,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
