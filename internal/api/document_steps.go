package api

import (
	"context"
	"fmt"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/store"
)

// DocumentSteps runs the built-in step types backed by the document store.
// Steps are expensive enough to sit behind the idempotency cache but cheap
// enough to run synchronously in the request.
type DocumentSteps struct {
	store Store
	cfg   config.Config
}

// NewDocumentSteps builds the runner.
func NewDocumentSteps(st Store, cfg config.Config) *DocumentSteps {
	return &DocumentSteps{store: st, cfg: cfg}
}

// Run dispatches one step invocation.
func (d *DocumentSteps) Run(ctx context.Context, stepType, userID string, request map[string]any) (map[string]any, error) {
	switch stepType {
	case "import_document":
		return d.importDocument(ctx, userID, request)
	default:
		return nil, fmt.Errorf("unknown step type %q", stepType)
	}
}

// importDocument creates a document with its first version in one step, so a
// retried import never produces a second document.
func (d *DocumentSteps) importDocument(ctx context.Context, userID string, request map[string]any) (map[string]any, error) {
	title, _ := request["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	format, _ := request["format"].(string)
	if format == "" {
		format = "markdown"
	}
	body, _ := request["body"].(map[string]any)

	doc, err := d.store.CreateDocument(ctx, userID, title)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	ver, err := d.store.CreateVersion(ctx, doc.ID, userID, store.VersionContent{
		Format: format,
		Body:   body,
	}, store.VersionRetry{
		Attempts: d.cfg.VersionRaceAttempts,
		Base:     d.cfg.BackoffBase,
		Cap:      d.cfg.BackoffCap,
	})
	if err != nil {
		return nil, fmt.Errorf("create first version: %w", err)
	}
	if _, err := d.store.SetLatestVersion(ctx, doc.ID, nil, ver.ID); err != nil {
		return nil, fmt.Errorf("set latest version: %w", err)
	}

	return map[string]any{
		"document_id": doc.ID,
		"version_id":  ver.ID,
		"version":     ver.Version,
	}, nil
}
