// Package storage is a blob store for run exports, backed by a filesystem or by GCS
package storage

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Swarchal/scPortrait/pipeline/config"
	"github.com/cyclopcam/logs"
)

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// Location of the blob, for log messages and for the result DB
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open creates the blob store described by cfg.
// If cfg is empty, the store is a filesystem rooted at defaultRoot.
func Open(log logs.Log, cfg config.StorageConfig, defaultRoot string) (Storage, error) {
	switch {
	case cfg.GCS != nil:
		return NewStorageGCS(log, cfg.GCS.Bucket, cfg.GCS.Prefix, cfg.GCS.Public)
	case cfg.Filesystem != nil:
		return NewStorageFS(log, cfg.Filesystem.Root)
	default:
		return NewStorageFS(log, defaultRoot)
	}
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "..") {
		return fmt.Errorf("Invalid file name '%v'", name)
	}
	return nil
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
