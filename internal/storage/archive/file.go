package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

// FileWriter writes blob rows to one Parquet file.
// It is not safe for concurrent use.
type FileWriter struct {
	path   string
	file   *os.File
	writer *parquet.GenericWriter[BlobRow]
	rows   int64
	closed bool
}

// CreateFile creates path, and its directory if needed.
func CreateFile(path string, c Compression) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &FileWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[BlobRow](f, parquet.Compression(c.codec())),
	}, nil
}

// Write appends items.
func (w *FileWriter) Write(items []*types.Item) error {
	if len(items) == 0 {
		return nil
	}
	if w.closed {
		return fmt.Errorf("archive file %s: %w", w.path, errors.ErrClosed)
	}

	rows := make([]BlobRow, len(items))
	for i, it := range items {
		rows[i] = ItemToRow(it)
	}

	n, err := w.writer.Write(rows)
	w.rows += int64(n)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// Flush writes buffered rows out as a row group.
func (w *FileWriter) Flush() error {
	if w.closed {
		return nil
	}
	return w.writer.Flush()
}

// Close writes the footer and closes the file.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// Rows returns the number of rows written.
func (w *FileWriter) Rows() int64 {
	return w.rows
}

// Path returns the file path.
func (w *FileWriter) Path() string {
	return w.path
}

// ReadFile reads every blob from a closed archive file.
func ReadFile(path string) ([]types.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[BlobRow](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	rows := make([]BlobRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n < len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	items := make([]types.Item, n)
	for i := 0; i < n; i++ {
		items[i] = RowToItem(&rows[i])
	}
	return items, nil
}
