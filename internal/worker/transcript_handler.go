package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/store"
)

// VersionStore is the slice of the persistence layer the document-producing
// handlers drive.
type VersionStore interface {
	CreateDocument(ctx context.Context, userID, title string) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	GetVersion(ctx context.Context, id string) (models.DocumentVersion, error)
	CreateVersion(ctx context.Context, documentID, userID string, content store.VersionContent, retry store.VersionRetry) (models.DocumentVersion, error)
	SetLatestVersion(ctx context.Context, documentID string, expectedVersionID *string, newVersionID string) (bool, error)
}

// TranscriptHandler runs ingest_transcript jobs: fetch a transcript, split it
// into timed segments, and store it as the next version of a document.
type TranscriptHandler struct {
	cfg        config.Config
	httpClient *http.Client
	versions   VersionStore
}

type transcriptJobPayload struct {
	SourceURL  string `json:"source_url"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

// NewTranscriptHandler builds the handler.
func NewTranscriptHandler(cfg config.Config, versions VersionStore) *TranscriptHandler {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TranscriptHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		versions:   versions,
	}
}

// Handle fetches and ingests one transcript.
func (h *TranscriptHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	payload, err := decodeTranscriptPayload(job)
	if err != nil {
		return nil, Terminal(err)
	}

	report(ctx, models.Progress{Stage: "fetch", Total: 2})
	text, err := h.fetch(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	segments := splitSegments(text)
	if len(segments) == 0 {
		return nil, Terminal(errors.New("transcript is empty"))
	}

	doc, err := h.resolveDocument(ctx, job.UserID, payload)
	if err != nil {
		return nil, err
	}

	report(ctx, models.Progress{Stage: "store", Total: 2, Processed: 1})
	ver, err := h.versions.CreateVersion(ctx, doc.ID, job.UserID, store.VersionContent{
		Format: "transcript",
		Body:   map[string]any{"segments": segments},
		Frontmatter: map[string]any{
			"source_url":    payload.SourceURL,
			"segment_count": len(segments),
		},
	}, store.VersionRetry{
		Attempts: h.cfg.VersionRaceAttempts,
		Base:     h.cfg.BackoffBase,
		Cap:      h.cfg.BackoffCap,
	})
	if err != nil {
		if errors.Is(err, store.ErrContention) {
			return nil, err
		}
		return nil, Terminal(err)
	}

	if err := AdvanceLatestVersion(ctx, h.versions, doc, ver); err != nil {
		return nil, err
	}

	return map[string]any{
		"document_id":   doc.ID,
		"version_id":    ver.ID,
		"version":       ver.Version,
		"segment_count": len(segments),
	}, nil
}

// AdvanceLatestVersion moves the document's latest pointer to ver with a
// compare-and-swap loop. Losing the race to a newer version is fine: the
// pointer must never regress, so the newer pointer stands and we stop.
func AdvanceLatestVersion(ctx context.Context, versions VersionStore, doc models.Document, ver models.DocumentVersion) error {
	expected := doc.LatestVersionID
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := versions.SetLatestVersion(ctx, doc.ID, expected, ver.ID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		fresh, err := versions.GetDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		if fresh.LatestVersionID != nil {
			current, err := versions.GetVersion(ctx, *fresh.LatestVersionID)
			if err != nil {
				return err
			}
			if current.Version >= ver.Version {
				return nil
			}
		}
		expected = fresh.LatestVersionID
	}
	return fmt.Errorf("advance latest version for %s: %w", doc.ID, store.ErrContention)
}

func (h *TranscriptHandler) resolveDocument(ctx context.Context, userID string, payload transcriptJobPayload) (models.Document, error) {
	if payload.DocumentID != "" {
		doc, err := h.versions.GetDocument(ctx, payload.DocumentID)
		if errors.Is(err, store.ErrNotFound) {
			return models.Document{}, Terminal(err)
		}
		return doc, err
	}
	title := payload.Title
	if title == "" {
		title = "Transcript " + time.Now().UTC().Format("2006-01-02")
	}
	return h.versions.CreateDocument(ctx, userID, title)
}

func (h *TranscriptHandler) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", Terminal(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", Terminal(fmt.Errorf("fetch transcript: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("fetch transcript: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(body), nil
}

func decodeTranscriptPayload(job models.Job) (transcriptJobPayload, error) {
	var payload transcriptJobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	return payload, nil
}

// splitSegments turns raw transcript text into one segment per non-empty
// line, which matches both plain text and the line-per-cue export format.
func splitSegments(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if trimmed := strings.TrimSpace(l); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
