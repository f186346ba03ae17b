// Package file persists Collector output as one file per group
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-sif/collect"
	"github.com/sirupsen/logrus"
)

// CheckpointSuffix is appended to a destination to name its checkpoint file
const CheckpointSuffix = ".partial"

// Sink writes serialized Documents to files. Files are replaced atomically, so that
// readers never observe a partially written output.
type Sink struct {
	logger logrus.FieldLogger
}

// New creates a file Sink
func New(logger logrus.FieldLogger) *Sink {
	return &Sink{logger: logger}
}

// WriteFinal writes doc to destination, and removes any checkpoint left for it
func (s *Sink) WriteFinal(ctx context.Context, doc collect.Document, destination string) error {
	if err := s.write(ctx, doc, destination); err != nil {
		return err
	}
	if err := os.Remove(destination + CheckpointSuffix); err != nil && !os.IsNotExist(err) {
		s.logger.WithField("action", "write_final").Warnf("Unable to remove checkpoint %s: %v", destination+CheckpointSuffix, err)
	}
	s.logger.WithField("action", "write_final").Debugf("Wrote %s", destination)
	return nil
}

// WriteCheckpoint writes doc next to destination, to be replaced by the final output
func (s *Sink) WriteCheckpoint(ctx context.Context, doc collect.Document, destination string) error {
	return s.write(ctx, doc, destination+CheckpointSuffix)
}

func (s *Sink) write(ctx context.Context, doc collect.Document, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := doc.ToBytes()
	if err != nil {
		return fmt.Errorf("Unable to serialize output for %s: %v", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("Unable to create directory %s: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("Unable to create temporary file for %s: %v", path, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("Unable to write %s: %v", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("Unable to sync %s: %v", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("Unable to close %s: %v", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("Unable to move output into place at %s: %v", path, err)
	}
	return nil
}

// Read loads a Document written by a file Sink, using prototype's FromBytes
func Read(path string, prototype collect.Document) (collect.Document, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return prototype.FromBytes(buf)
}
