package types

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Artifact is an opaque uploadable input.
// Open may be called more than once (validate then start).
// Implementations must be comparable; pointer types are.
type Artifact interface {
	// Name is the file name sent to the backend.
	Name() string
	// Open returns a fresh reader over the artifact content.
	Open() (io.ReadCloser, error)
}

// FileArtifact is an artifact backed by a file on disk.
type FileArtifact struct {
	Path string
}

// NewFileArtifact returns an artifact for the file at path.
func NewFileArtifact(path string) *FileArtifact {
	return &FileArtifact{Path: path}
}

// Name returns the base name of the file.
func (a *FileArtifact) Name() string { return filepath.Base(a.Path) }

// Open opens the file.
func (a *FileArtifact) Open() (io.ReadCloser, error) { return os.Open(a.Path) }

// BytesArtifact is an in-memory artifact.
type BytesArtifact struct {
	name string
	data []byte
}

// NewBytesArtifact returns an in-memory artifact.
func NewBytesArtifact(name string, data []byte) *BytesArtifact {
	return &BytesArtifact{name: name, data: data}
}

// Name returns the artifact name.
func (a *BytesArtifact) Name() string { return a.name }

// Open returns a reader over a shared, read-only view of the bytes.
func (a *BytesArtifact) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

var (
	_ Artifact = (*FileArtifact)(nil)
	_ Artifact = (*BytesArtifact)(nil)
)
