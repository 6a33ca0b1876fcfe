package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/store"
)

type fakeVersionStore struct {
	docs     map[string]models.Document
	versions map[string]models.DocumentVersion
	nextVer  int

	// swapResults, when non-empty, overrides the outcome of successive
	// SetLatestVersion calls to simulate lost races.
	swapResults []bool
	swapCalls   int
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{
		docs:     map[string]models.Document{},
		versions: map[string]models.DocumentVersion{},
	}
}

func (f *fakeVersionStore) CreateDocument(_ context.Context, userID, title string) (models.Document, error) {
	id := fmt.Sprintf("doc-%d", len(f.docs)+1)
	doc := models.Document{ID: id, UserID: userID, Title: title}
	f.docs[id] = doc
	return doc, nil
}

func (f *fakeVersionStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return models.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeVersionStore) GetVersion(_ context.Context, id string) (models.DocumentVersion, error) {
	ver, ok := f.versions[id]
	if !ok {
		return models.DocumentVersion{}, store.ErrNotFound
	}
	return ver, nil
}

func (f *fakeVersionStore) CreateVersion(_ context.Context, documentID, userID string, content store.VersionContent, _ store.VersionRetry) (models.DocumentVersion, error) {
	f.nextVer++
	ver := models.DocumentVersion{
		ID:          fmt.Sprintf("ver-%d", f.nextVer),
		DocumentID:  documentID,
		UserID:      userID,
		Version:     f.nextVer,
		Format:      content.Format,
		Body:        content.Body,
		Frontmatter: content.Frontmatter,
	}
	f.versions[ver.ID] = ver
	return ver, nil
}

func (f *fakeVersionStore) SetLatestVersion(_ context.Context, documentID string, expected *string, newVersionID string) (bool, error) {
	if f.swapCalls < len(f.swapResults) {
		ok := f.swapResults[f.swapCalls]
		f.swapCalls++
		if !ok {
			return false, nil
		}
	}
	doc := f.docs[documentID]
	if !pointerEqual(doc.LatestVersionID, expected) {
		return false, nil
	}
	doc.LatestVersionID = &newVersionID
	f.docs[documentID] = doc
	return true, nil
}

func pointerEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func TestTranscriptHandlerIngests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("first line\n\n  second line  \nthird line\n"))
	}))
	defer server.Close()

	versions := newFakeVersionStore()
	h := NewTranscriptHandler(config.Config{VersionRaceAttempts: 3}, versions)

	job := models.Job{ID: "j1", UserID: "u1", Payload: map[string]any{
		"source_url": server.URL,
		"title":      "Episode 12",
	}}
	output, err := h.Handle(context.Background(), job, noProgress)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if output["segment_count"] != 3 {
		t.Fatalf("expected 3 segments, got %v", output["segment_count"])
	}

	docID := output["document_id"].(string)
	doc := versions.docs[docID]
	if doc.LatestVersionID == nil {
		t.Fatalf("latest version pointer was not advanced")
	}
	ver := versions.versions[*doc.LatestVersionID]
	if ver.Format != "transcript" {
		t.Fatalf("unexpected format %q", ver.Format)
	}
	want := []string{"first line", "second line", "third line"}
	if !reflect.DeepEqual(ver.Body["segments"], want) {
		t.Fatalf("segments = %v, want %v", ver.Body["segments"], want)
	}
}

func TestTranscriptHandlerEmptySourceIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("\n \n"))
	}))
	defer server.Close()

	h := NewTranscriptHandler(config.Config{}, newFakeVersionStore())
	job := models.Job{ID: "j1", UserID: "u1", Payload: map[string]any{"source_url": server.URL}}
	_, err := h.Handle(context.Background(), job, noProgress)
	if err == nil || !IsTerminal(err) {
		t.Fatalf("empty transcript must fail terminally, got %v", err)
	}
}

func TestTranscriptHandlerUnknownDocumentIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("some text"))
	}))
	defer server.Close()

	h := NewTranscriptHandler(config.Config{}, newFakeVersionStore())
	job := models.Job{ID: "j1", UserID: "u1", Payload: map[string]any{
		"source_url":  server.URL,
		"document_id": "missing",
	}}
	_, err := h.Handle(context.Background(), job, noProgress)
	if err == nil || !IsTerminal(err) {
		t.Fatalf("unknown document must fail terminally, got %v", err)
	}
}

func TestAdvanceLatestVersionRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	versions := newFakeVersionStore()
	doc, _ := versions.CreateDocument(ctx, "u1", "doc")
	ver, _ := versions.CreateVersion(ctx, doc.ID, "u1", store.VersionContent{Format: "markdown"}, store.VersionRetry{})

	// First CAS loses, the re-read shows no newer version, second CAS wins.
	versions.swapResults = []bool{false, true}

	if err := AdvanceLatestVersion(ctx, versions, doc, ver); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got := versions.docs[doc.ID].LatestVersionID
	if got == nil || *got != ver.ID {
		t.Fatalf("pointer not advanced, got %v", got)
	}
}

func TestAdvanceLatestVersionNeverRegresses(t *testing.T) {
	ctx := context.Background()
	versions := newFakeVersionStore()
	doc, _ := versions.CreateDocument(ctx, "u1", "doc")
	older, _ := versions.CreateVersion(ctx, doc.ID, "u1", store.VersionContent{Format: "markdown"}, store.VersionRetry{})
	newer, _ := versions.CreateVersion(ctx, doc.ID, "u1", store.VersionContent{Format: "markdown"}, store.VersionRetry{})

	// A concurrent writer already advanced to the newer version.
	if ok, _ := versions.SetLatestVersion(ctx, doc.ID, nil, newer.ID); !ok {
		t.Fatalf("setup swap failed")
	}

	if err := AdvanceLatestVersion(ctx, versions, doc, older); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got := versions.docs[doc.ID].LatestVersionID
	if got == nil || *got != newer.ID {
		t.Fatalf("pointer regressed to %v, want %s", got, newer.ID)
	}
}

func TestSplitSegments(t *testing.T) {
	got := splitSegments("a\n\n  b \nc")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitSegments = %v, want %v", got, want)
	}
}
