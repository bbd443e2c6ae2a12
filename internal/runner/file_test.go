package runner

import (
	"context"
	"testing"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
)

func fileStep(cfg *domain.FileStep) *domain.Step {
	return &domain.Step{ID: "file", Type: domain.StepFile, File: cfg}
}

func newFileEnv(t *testing.T) (*FileRunner, blob.Store) {
	t.Helper()
	fs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	return NewFileRunner(fs), fs
}

func TestFileRunnerReadCSV(t *testing.T) {
	r, fs := newFileEnv(t)
	ctx := context.Background()

	csvData := []byte("name,amount\nalice,10\nbob,20\n")
	if err := fs.Put(ctx, "imports/orders.csv", csvData); err != nil {
		t.Fatalf("put: %v", err)
	}

	jc := domain.NewJobContext("j1", "e1")
	out, err := r.Execute(ctx, fileStep(&domain.FileStep{
		Op:         domain.FileRead,
		Format:     domain.FormatCSV,
		SourcePath: "imports/orders.csv",
	}), jc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	m := out.(map[string]any)
	if m["row_count"] != 2 {
		t.Fatalf("expected 2 rows, got %v", m["row_count"])
	}
	rows := m["rows"].([]map[string]any)
	if rows[0]["name"] != "alice" || rows[1]["amount"] != "20" {
		t.Fatalf("rows not keyed by header: %v", rows)
	}

	if len(jc.Files) != 1 {
		t.Fatalf("expected file metadata recorded, got %d entries", len(jc.Files))
	}
	meta := jc.Files[0]
	if meta.Filename != "orders.csv" || meta.SizeBytes != int64(len(csvData)) {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.RowCount == nil || *meta.RowCount != 2 {
		t.Fatalf("row count not recorded: %+v", meta)
	}
}

func TestFileRunnerReadCustomDelimiter(t *testing.T) {
	r, fs := newFileEnv(t)
	ctx := context.Background()

	fs.Put(ctx, "data.csv", []byte("a;b\n1;2\n"))

	out, err := r.Execute(ctx, fileStep(&domain.FileStep{
		Op:         domain.FileRead,
		Format:     domain.FormatCSV,
		Delimiter:  ";",
		SourcePath: "data.csv",
	}), domain.NewJobContext("j1", "e1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rows := out.(map[string]any)["rows"].([]map[string]any)
	if rows[0]["b"] != "2" {
		t.Fatalf("delimiter not honored: %v", rows)
	}
}

func TestFileRunnerReadMissingBlob(t *testing.T) {
	r, _ := newFileEnv(t)

	_, err := r.Execute(context.Background(), fileStep(&domain.FileStep{
		Op:         domain.FileRead,
		Format:     domain.FormatCSV,
		SourcePath: "nowhere.csv",
	}), domain.NewJobContext("j1", "e1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindStorage {
		t.Fatalf("expected storage_error, got %s", domain.KindOf(err))
	}
	if !domain.IsRetryable(err) {
		t.Fatal("blob store trouble should be retryable")
	}
}

func TestFileRunnerWrite(t *testing.T) {
	r, fs := newFileEnv(t)
	ctx := context.Background()
	jc := domain.NewJobContext("j1", "e1")

	out, err := r.Execute(ctx, fileStep(&domain.FileStep{
		Op:       domain.FileWrite,
		Format:   domain.FormatCSV,
		DestPath: "exports/report.csv",
		Options:  map[string]string{"content": "id,total\n1,30\n"},
	}), jc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.(map[string]any)["path"] != "exports/report.csv" {
		t.Fatalf("unexpected output: %v", out)
	}

	data, err := fs.Get(ctx, "exports/report.csv")
	if err != nil {
		t.Fatalf("get written blob: %v", err)
	}
	if string(data) != "id,total\n1,30\n" {
		t.Fatalf("content mismatch: %q", data)
	}
	if len(jc.Files) != 1 || jc.Files[0].Filename != "report.csv" {
		t.Fatalf("metadata not recorded: %+v", jc.Files)
	}
}

func TestFileRunnerWriteWithoutContent(t *testing.T) {
	r, _ := newFileEnv(t)

	_, err := r.Execute(context.Background(), fileStep(&domain.FileStep{
		Op:       domain.FileWrite,
		Format:   domain.FormatCSV,
		DestPath: "out.csv",
	}), domain.NewJobContext("j1", "e1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation_error, got %s", domain.KindOf(err))
	}
}

func TestFileRunnerRejectsExcel(t *testing.T) {
	r, _ := newFileEnv(t)

	_, err := r.Execute(context.Background(), fileStep(&domain.FileStep{
		Op:         domain.FileRead,
		Format:     domain.FormatExcel,
		SourcePath: "book.xlsx",
	}), domain.NewJobContext("j1", "e1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsRetryable(err) {
		t.Fatal("unsupported format must not be retryable")
	}
}
