package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pcl-labs/mediaflow/internal/backoff"
	"github.com/pcl-labs/mediaflow/internal/models"
)

// VersionContent is the immutable payload of a new document version.
type VersionContent struct {
	Format      string
	Body        map[string]any
	Frontmatter map[string]any
}

// VersionRetry bounds the optimistic retry loop in CreateVersion.
type VersionRetry struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// CreateDocument inserts a document with no versions yet.
func (s *Store) CreateDocument(ctx context.Context, userID, title string) (models.Document, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, userID, title, now)
	if err != nil {
		return models.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return models.Document{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, latest_version_id, created_at, updated_at
		FROM documents WHERE id = $1
	`, id)
	var doc models.Document
	err := row.Scan(&doc.ID, &doc.UserID, &doc.Title, &doc.LatestVersionID, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// CreateVersion inserts the next version for a document. The version number
// is computed inside the INSERT itself (max+1), so two concurrent writers
// race on the (document_id, version) unique constraint rather than on a
// read-then-write window. The loser retries with backoff and a fresh version
// id; exhausting the budget returns ErrContention.
func (s *Store) CreateVersion(ctx context.Context, documentID, userID string, content VersionContent, retry VersionRetry) (models.DocumentVersion, error) {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if content.Format == "" {
		content.Format = "markdown"
	}
	bodyJSON, frontJSON, err := marshalVersionContent(content)
	if err != nil {
		return models.DocumentVersion{}, err
	}

	var lastErr error
	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Delay(retry.Base, retry.Cap, attempt-1)); err != nil {
				return models.DocumentVersion{}, err
			}
		}

		id := uuid.New().String()
		row := s.pool.QueryRow(ctx, `
			INSERT INTO document_versions (id, document_id, user_id, version, format, body, frontmatter, created_at)
			SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, NOW()
			FROM document_versions WHERE document_id = $2
			RETURNING version, created_at
		`, id, documentID, userID, content.Format, bodyJSON, frontJSON)

		ver := models.DocumentVersion{
			ID:          id,
			DocumentID:  documentID,
			UserID:      userID,
			Format:      content.Format,
			Body:        content.Body,
			Frontmatter: content.Frontmatter,
		}
		err := row.Scan(&ver.Version, &ver.CreatedAt)
		if err == nil {
			return ver, nil
		}
		if !IsUniqueViolation(err) {
			return models.DocumentVersion{}, fmt.Errorf("insert version: %w", err)
		}
		lastErr = err
	}
	return models.DocumentVersion{}, fmt.Errorf("create version for %s after %d attempts: %w (%v)",
		documentID, retry.Attempts, ErrContention, lastErr)
}

// SetLatestVersion advances the document's latest-version pointer only if it
// still holds the value the caller last observed. A false return means a
// concurrent writer advanced the pointer first; the caller must re-read and
// decide whether to retry. The pointer never regresses.
func (s *Store) SetLatestVersion(ctx context.Context, documentID string, expectedVersionID *string, newVersionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET latest_version_id = $3, updated_at = NOW()
		WHERE id = $1 AND latest_version_id IS NOT DISTINCT FROM $2
	`, documentID, expectedVersionID, newVersionID)
	if err != nil {
		return false, fmt.Errorf("update latest version pointer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetVersion fetches one version row by id.
func (s *Store) GetVersion(ctx context.Context, id string) (models.DocumentVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, user_id, version, format, body, frontmatter, created_at
		FROM document_versions WHERE id = $1
	`, id)
	var v models.DocumentVersion
	var bodyJSON, frontJSON []byte
	err := row.Scan(&v.ID, &v.DocumentID, &v.UserID, &v.Version, &v.Format, &bodyJSON, &frontJSON, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentVersion{}, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DocumentVersion{}, fmt.Errorf("scan version: %w", err)
	}
	if err := unmarshalMaybe(bodyJSON, &v.Body); err != nil {
		return models.DocumentVersion{}, err
	}
	if err := unmarshalMaybe(frontJSON, &v.Frontmatter); err != nil {
		return models.DocumentVersion{}, err
	}
	return v, nil
}

// ListVersions returns a document's versions in ascending version order.
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, user_id, version, format, body, frontmatter, created_at
		FROM document_versions WHERE document_id = $1 ORDER BY version ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		var v models.DocumentVersion
		var bodyJSON, frontJSON []byte
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.UserID, &v.Version, &v.Format, &bodyJSON, &frontJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := unmarshalMaybe(bodyJSON, &v.Body); err != nil {
			return nil, err
		}
		if err := unmarshalMaybe(frontJSON, &v.Frontmatter); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalVersionContent(content VersionContent) (body, frontmatter []byte, err error) {
	if content.Body == nil {
		content.Body = map[string]any{}
	}
	body, err = json.Marshal(content.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal version body: %w", err)
	}
	if content.Frontmatter != nil {
		frontmatter, err = json.Marshal(content.Frontmatter)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal frontmatter: %w", err)
		}
	}
	return body, frontmatter, nil
}

func unmarshalMaybe(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}
