package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pcl-labs/mediaflow/internal/models"
)

// RequestHash computes the content hash of the semantically relevant request
// fields. encoding/json marshals map keys in sorted order, which gives a
// canonical serialization without a hand-rolled key sort.
func RequestHash(fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal request fields: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CheckStep looks up a cached invocation for (key, user). It returns nil when
// no record exists, the cached record on a hash match, and ErrConflict when
// the key was reused with a different request hash.
func (s *Store) CheckStep(ctx context.Context, userID, key, requestHash string) (*models.StepInvocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, user_id, step_type, request_hash, response_body, status_code, created_at
		FROM step_invocations
		WHERE idempotency_key = $1 AND user_id = $2
	`, key, userID)

	var inv models.StepInvocation
	var respJSON []byte
	err := row.Scan(&inv.IdempotencyKey, &inv.UserID, &inv.StepType, &inv.RequestHash,
		&respJSON, &inv.StatusCode, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query step invocation: %w", err)
	}
	if len(respJSON) > 0 {
		if err := json.Unmarshal(respJSON, &inv.ResponseBody); err != nil {
			return nil, fmt.Errorf("unmarshal cached response: %w", err)
		}
	}
	if inv.RequestHash != requestHash {
		return nil, fmt.Errorf("idempotency key %q reused with a different request: %w", key, ErrConflict)
	}
	return &inv, nil
}

// FinalizeStep persists the first successful result for (key, user). The
// response body is sanitized before storage since the cache doubles as a
// durable audit log. A concurrent first-writer wins; later writes are no-ops.
func (s *Store) FinalizeStep(ctx context.Context, inv models.StepInvocation) error {
	sanitized := sanitizeResponse(inv.ResponseBody)
	respJSON, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("marshal response body: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_invocations (idempotency_key, user_id, step_type, request_hash, response_body, status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (idempotency_key, user_id) DO NOTHING
	`, inv.IdempotencyKey, inv.UserID, inv.StepType, inv.RequestHash, respJSON, inv.StatusCode)
	if err != nil {
		return fmt.Errorf("insert step invocation: %w", err)
	}
	return nil
}

// Field names matching any of these fragments are redacted before the
// response body is cached. Matching runs on a lowercased key with separators
// stripped, so "Api-Key", "api_key", and "apiKey" all hit "apikey".
var secretFragments = []string{"token", "secret", "password", "apikey", "authorization", "cookie", "credential"}

func sanitizeResponse(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if secretLikeKey(k) {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizeResponse(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func secretLikeKey(key string) bool {
	normalized := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(key))
	for _, frag := range secretFragments {
		if strings.Contains(normalized, frag) {
			return true
		}
	}
	return false
}
