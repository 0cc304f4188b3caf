// Package backup writes store snapshots to files and S3-compatible object
// storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/datakit/internal/store"
)

// Format identifies the snapshot encoding.
const Format = "datakit-snapshot/v1"

// Document is the encoded form of a snapshot.
type Document struct {
	Format    string         `json:"format"`
	CreatedAt time.Time      `json:"created_at"`
	Snapshot  store.Snapshot `json:"snapshot"`
}

// Result describes a written backup.
type Result struct {
	Records int
	Seq     int64
	Bytes   int
	Path    string // set by ToFile
	Bucket  string // set by ToS3
	Key     string // set by ToS3
}

// Encode renders snap as indented JSON. Store and record order follow the
// snapshot, which the coordinator exports in a stable order.
func Encode(snap store.Snapshot, createdAt time.Time) ([]byte, error) {
	doc := Document{Format: Format, CreatedAt: createdAt.UTC(), Snapshot: snap}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("backup: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a document written by Encode.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("backup: decode: %w", err)
	}
	if doc.Format != Format {
		return Document{}, fmt.Errorf("backup: unsupported format %q", doc.Format)
	}
	return doc, nil
}

// DefaultKey names a snapshot object: <prefix>datakit-<seq>-<UTC timestamp>.json.
func DefaultKey(prefix string, snap store.Snapshot, now time.Time) string {
	return fmt.Sprintf("%sdatakit-%06d-%s.json", prefix, snap.Seq, now.UTC().Format("20060102T150405Z"))
}

// ToFile exports coord and writes the snapshot to path. The file is written
// to a temporary sibling first and renamed into place.
func ToFile(ctx context.Context, coord *store.Coordinator, path string) (Result, error) {
	snap, err := coord.Export(ctx)
	if err != nil {
		return Result{}, err
	}
	data, err := Encode(snap, time.Now())
	if err != nil {
		return Result{}, err
	}
	if err := writeAtomic(path, data); err != nil {
		return Result{}, err
	}
	return Result{Records: snap.Count(), Seq: snap.Seq, Bytes: len(data), Path: path}, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"-*.tmp")
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}
