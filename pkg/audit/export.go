package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quorumlabs/trustplane/pkg/store"
)

var (
	// ErrEmptyJobID is returned when a pack is requested without a job id.
	ErrEmptyJobID = errors.New("audit: job id is empty")
	// ErrStoreNotConfigured is returned when the exporter has no store.
	ErrStoreNotConfigured = errors.New("audit: store not configured")
)

const packFormatVersion = "1"

// Exporter assembles offline evidence packs from the verifier's store.
type Exporter struct {
	store store.Store
	now   func() time.Time
}

// NewExporter creates an Exporter over the given store.
func NewExporter(st store.Store) *Exporter {
	return &Exporter{store: st, now: time.Now}
}

// Pack is a generated evidence archive. Checksum is the sha256 hex of the
// archive bytes, computed at generation time so a recipient can verify the
// pack arrived intact.
type Pack struct {
	JobID    string
	Archive  []byte
	Checksum string
}

type packManifest struct {
	JobID         string    `json:"job_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	FormatVersion string    `json:"format_version"`
	OutputCount   int       `json:"output_count"`
	ChainLength   int       `json:"chain_length"`
}

// GeneratePack collects a job's output records and chain into a zip archive
// of outputs.json, chain.json, and manifest.json.
func (e *Exporter) GeneratePack(ctx context.Context, jobID string) (*Pack, error) {
	if e == nil || e.store == nil {
		return nil, ErrStoreNotConfigured
	}
	if jobID == "" {
		return nil, ErrEmptyJobID
	}

	outputs, err := e.store.OutputsForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: collect outputs failed: %w", err)
	}
	chain, err := e.store.ChainForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: collect chain failed: %w", err)
	}

	manifest := packManifest{
		JobID:         jobID,
		GeneratedAt:   e.now().UTC(),
		FormatVersion: packFormatVersion,
		OutputCount:   len(outputs),
		ChainLength:   len(chain),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name    string
		content any
	}{
		{"manifest.json", manifest},
		{"outputs.json", outputs},
		{"chain.json", chain},
	}
	for _, f := range files {
		if err := writePackFile(zw, f.name, f.content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: finalize archive failed: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Pack{
		JobID:    jobID,
		Archive:  buf.Bytes(),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func writePackFile(zw *zip.Writer, name string, content any) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal %s failed: %w", name, err)
	}
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("audit: create %s failed: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("audit: write %s failed: %w", name, err)
	}
	return nil
}
