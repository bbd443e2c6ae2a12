package runner

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"time"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
)

// FileRunner executes File steps against the blob store. CSV is handled
// in-process; the Excel format tag is rejected here because XLSX parsing
// lives outside the core.
type FileRunner struct {
	blobs blob.Store
}

func NewFileRunner(blobs blob.Store) *FileRunner {
	return &FileRunner{blobs: blobs}
}

func (r *FileRunner) Execute(ctx context.Context, step *domain.Step, jc *domain.JobContext) (any, error) {
	cfg := step.File

	if cfg.Format != domain.FormatCSV {
		return nil, domain.Errorf(domain.KindStep, false, "file format %q not supported in this build", cfg.Format)
	}

	switch cfg.Op {
	case domain.FileRead:
		return r.read(ctx, cfg, jc)
	case domain.FileWrite:
		return r.write(ctx, cfg, jc)
	default:
		return nil, domain.Errorf(domain.KindValidation, false, "unsupported file op %q", cfg.Op)
	}
}

func (r *FileRunner) read(ctx context.Context, cfg *domain.FileStep, jc *domain.JobContext) (any, error) {
	data, err := r.blobs.Get(ctx, cfg.SourcePath)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, true, fmt.Errorf("read %s: %w", cfg.SourcePath, err))
	}

	reader := csv.NewReader(bytes.NewReader(data))
	if cfg.Delimiter != "" {
		reader.Comma = rune(cfg.Delimiter[0])
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, domain.Errorf(domain.KindStep, false, "parse csv %s: %v", cfg.SourcePath, err)
	}
	if len(records) == 0 {
		return nil, domain.Errorf(domain.KindStep, false, "csv %s is empty", cfg.SourcePath)
	}

	// First record is the header; remaining rows become keyed objects so
	// later steps can reference individual fields.
	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}

	rowCount := len(rows)
	jc.Files = append(jc.Files, domain.FileMetadata{
		Path:      cfg.SourcePath,
		Filename:  path.Base(cfg.SourcePath),
		SizeBytes: int64(len(data)),
		MimeType:  "text/csv",
		RowCount:  &rowCount,
		CreatedAt: time.Now().UTC(),
	})

	return map[string]any{
		"columns":   header,
		"rows":      rows,
		"row_count": rowCount,
	}, nil
}

func (r *FileRunner) write(ctx context.Context, cfg *domain.FileStep, jc *domain.JobContext) (any, error) {
	content, ok := cfg.Options["content"]
	if !ok {
		return nil, domain.Errorf(domain.KindValidation, false, "file write requires a content option")
	}

	data := []byte(content)
	if err := r.blobs.Put(ctx, cfg.DestPath, data); err != nil {
		return nil, domain.NewError(domain.KindStorage, true, fmt.Errorf("write %s: %w", cfg.DestPath, err))
	}

	jc.Files = append(jc.Files, domain.FileMetadata{
		Path:      cfg.DestPath,
		Filename:  path.Base(cfg.DestPath),
		SizeBytes: int64(len(data)),
		MimeType:  "text/csv",
		CreatedAt: time.Now().UTC(),
	})

	return map[string]any{
		"path":       cfg.DestPath,
		"size_bytes": len(data),
	}, nil
}
