package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistermc/attach-images/internal/importer"
	"github.com/twistermc/attach-images/internal/scan"
)

const testExport = `{
  "documents": [
    {"id": 10, "type": "post", "title": "Hello", "permalink": "https://example.com/hello",
     "content": "<p>Intro</p>\n<img src=\"https://example.com/wp-content/uploads/2024/01/photo.jpg\">"},
    {"id": 11, "type": "page", "title": "About", "content": "none",
     "meta": [{"key": "_hero", "value": "banner.png"}]}
  ],
  "attachments": [
    {"id": 5, "title": "photo", "url": "https://example.com/wp-content/uploads/2024/01/photo.jpg"},
    {"id": 7, "title": "lonely", "url": "https://example.com/wp-content/uploads/2024/03/lonely.gif"},
    {"id": 8, "title": "banner", "url": "https://example.com/wp-content/uploads/2024/02/banner.png"},
    {"id": 9, "title": "owned", "url": "https://example.com/wp-content/uploads/2024/02/owned.png", "parent_id": 10}
  ]
}`

type harness struct {
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dataDir: t.TempDir()}

	exportPath := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(exportPath, []byte(testExport), 0o600))

	out, err := h.run(t, "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Import Complete ===")
	assert.Contains(t, out, "New:           2")
	assert.Contains(t, out, "Attachments:   4")
	return h
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--data-dir", h.dataDir, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScanDryRunThenAttach(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Orphaned attachments: 3")

	reportPath := filepath.Join(t.TempDir(), "report.json")
	out, err = h.run(t, "scan", "--dry-run", "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Scan Complete ===")
	assert.Contains(t, out, "Would attach:  2")
	assert.Contains(t, out, "Not found:     1")
	assert.Contains(t, out, "Batch 1: 3/3 processed (100%)")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report scan.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.True(t, report.DryRun)
	require.Len(t, report.Details, 3)
	assert.Equal(t, scan.StatusWouldAttach, report.Details[0].Status)
	assert.Equal(t, int64(10), report.Details[0].PostID)
	assert.Equal(t, scan.StatusNotFound, report.Details[1].Status)
	assert.Equal(t, int64(11), report.Details[2].PostID, "matched through metadata")

	out, err = h.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Orphaned attachments: 3", "dry run leaves parents alone")
	assert.Contains(t, out, "Cached results (db):  3")

	out, err = h.run(t, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "Attached:      2")

	out, err = h.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Orphaned attachments: 1")

	out, err = h.run(t, "clear-cache")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 3 cached entries")
}

func TestScanAttachesEveryMatchingOrphan(t *testing.T) {
	const n = 12

	var export importer.Export
	for i := int64(1); i <= n; i++ {
		url := fmt.Sprintf("https://example.com/wp-content/uploads/2024/05/shot-%02d.jpg", i)
		export.Documents = append(export.Documents, importer.ExportDocument{
			ID: 100 + i, Type: "post", Title: fmt.Sprintf("Post %d", i),
			Content: fmt.Sprintf(`<img src="%s">`, url),
		})
		export.Attachments = append(export.Attachments, importer.ExportAttachment{
			ID: i, Title: fmt.Sprintf("shot-%02d", i), URL: url,
		})
	}
	data, err := json.Marshal(export)
	require.NoError(t, err)

	h := &harness{dataDir: t.TempDir()}
	exportPath := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(exportPath, data, 0o600))
	_, err = h.run(t, "import", exportPath)
	require.NoError(t, err)

	out, err := h.run(t, "scan", "--limit", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "=== Scan Complete ===")
	assert.Contains(t, out, fmt.Sprintf("Attached:      %d", n))
	assert.Contains(t, out, fmt.Sprintf("Batch 4: %d/%d processed (100%%)", n, n))

	out, err = h.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Orphaned attachments: 0")
}

func TestBatchCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "batch", "--dry-run", "--limit", "2")
	require.NoError(t, err)

	var res scan.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.TotalOrphaned)
	assert.Equal(t, 2, res.BatchCount)
	assert.True(t, res.HasMore)
	assert.Equal(t, 2, res.NextOffset)
	assert.Equal(t, []int64{5, 7}, res.ProcessedIDs)

	out, err = h.run(t, "batch", "--limit", "2", "--processed-ids", "5,7")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []int64{8}, res.ProcessedIDs)
	assert.Equal(t, 1, res.Attached)
	assert.False(t, res.HasMore)

	_, err = h.run(t, "batch", "--limit", "501")
	assert.Error(t, err)
}

func TestLookupCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "lookup", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Parent: none")
	assert.Contains(t, out, "1. https://example.com/wp-content/uploads/2024/01/photo.jpg")
	assert.Contains(t, out, "Referenced by 10: Hello")
	assert.Contains(t, out, "https://example.com/hello")

	out, err = h.run(t, "lookup", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "No referencing post or page found")

	_, err = h.run(t, "lookup", "404")
	assert.Error(t, err)
	_, err = h.run(t, "lookup", "abc")
	assert.Error(t, err)
}

func TestReindexAndBleveSearch(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "Index contains 2 documents")

	t.Setenv("ATTACH_IMAGES_SEARCH_BACKEND", "bleve")
	out, err = h.run(t, "lookup", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "Referenced by 11: About")

	out, err = h.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Search backend:       bleve")
	assert.Contains(t, out, "Documents in index:   2")
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("ATTACH_IMAGES_CACHE_BACKEND", "memcached")
	h := &harness{dataDir: t.TempDir()}

	_, err := h.run(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.backend")
}
