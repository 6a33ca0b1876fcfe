package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/store"
)

// ContentGenerator produces structured content from a prompt and source
// material. Implementations wrap whatever text-generation backend the
// deployment uses; the pipeline only needs the contract.
type ContentGenerator interface {
	Generate(ctx context.Context, prompt string, source map[string]any) (map[string]any, error)
}

// GenerateHandler runs generate_content jobs: feed source material to the
// generator and store the result as the next version of a document.
type GenerateHandler struct {
	cfg       config.Config
	generator ContentGenerator
	versions  VersionStore
}

type generateJobPayload struct {
	DocumentID string         `json:"document_id"`
	Prompt     string         `json:"prompt"`
	Source     map[string]any `json:"source"`
}

// NewGenerateHandler builds the handler.
func NewGenerateHandler(cfg config.Config, generator ContentGenerator, versions VersionStore) *GenerateHandler {
	return &GenerateHandler{cfg: cfg, generator: generator, versions: versions}
}

// Handle produces one generated content version.
func (h *GenerateHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	payload, err := decodeGeneratePayload(job)
	if err != nil {
		return nil, Terminal(err)
	}

	doc, err := h.versions.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Terminal(err)
		}
		return nil, err
	}

	report(ctx, models.Progress{Stage: "generate", Total: 2})
	body, err := h.generator.Generate(ctx, payload.Prompt, payload.Source)
	if err != nil {
		// Generator backends flag unretryable requests themselves; everything
		// else is assumed to be a momentary outage.
		return nil, fmt.Errorf("generate content: %w", err)
	}

	report(ctx, models.Progress{Stage: "store", Total: 2, Processed: 1})
	ver, err := h.versions.CreateVersion(ctx, doc.ID, job.UserID, store.VersionContent{
		Format:      "markdown",
		Body:        body,
		Frontmatter: map[string]any{"prompt": payload.Prompt},
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
		"document_id": doc.ID,
		"version_id":  ver.ID,
		"version":     ver.Version,
	}, nil
}

func decodeGeneratePayload(job models.Job) (generateJobPayload, error) {
	var payload generateJobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" {
		return payload, errors.New("document_id is required")
	}
	if payload.Prompt == "" {
		return payload, errors.New("prompt is required")
	}
	return payload, nil
}
