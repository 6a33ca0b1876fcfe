package store

import (
	"testing"
)

func TestRequestHashCanonical(t *testing.T) {
	a, err := RequestHash(map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := RequestHash(map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Fatalf("hash must be independent of field order: %s vs %s", a, b)
	}

	c, err := RequestHash(map[string]any{"a": 1, "b": 3})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == c {
		t.Fatalf("different requests must not collide")
	}
}

func TestSanitizeResponseRedactsSecrets(t *testing.T) {
	got := sanitizeResponse(map[string]any{
		"result":        "ok",
		"access_token":  "abc123",
		"Api-Key":       "xyz",
		"refresh-token": "rrr",
		"nested": map[string]any{
			"password": "hunter2",
			"count":    7,
		},
	})

	if got["result"] != "ok" {
		t.Fatalf("non-secret field was altered: %v", got["result"])
	}
	if got["access_token"] != "[redacted]" {
		t.Fatalf("token not redacted: %v", got["access_token"])
	}
	if got["Api-Key"] != "[redacted]" {
		t.Fatalf("api key not redacted: %v", got["Api-Key"])
	}
	if got["refresh-token"] != "[redacted]" {
		t.Fatalf("hyphenated token not redacted: %v", got["refresh-token"])
	}
	nested := got["nested"].(map[string]any)
	if nested["password"] != "[redacted]" {
		t.Fatalf("nested secret not redacted: %v", nested["password"])
	}
	if nested["count"] != 7 {
		t.Fatalf("nested non-secret was altered: %v", nested["count"])
	}
}

func TestSanitizeResponseNil(t *testing.T) {
	if sanitizeResponse(nil) != nil {
		t.Fatalf("nil body must stay nil")
	}
}
