// Package bolt persists Collector output in a bbolt database, keyed by destination. A single
// database can hold the output of every group in a job.
package bolt

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-sif/collect"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	finalBucket      = []byte("final")
	checkpointBucket = []byte("checkpoints")
)

// Sink stores serialized Documents in a bbolt database
type Sink struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

// Open opens (or creates) the database at path
func Open(path string, logger logrus.FieldLogger) (*Sink, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{finalBucket, checkpointBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Sink{db: db, logger: logger}, nil
}

// WriteFinal stores doc under destination, and drops its checkpoint
func (s *Sink) WriteFinal(ctx context.Context, doc collect.Document, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := doc.ToBytes()
	if err != nil {
		return fmt.Errorf("serialize output for %q: %w", destination, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(finalBucket).Put([]byte(destination), buf); err != nil {
			return err
		}
		return tx.Bucket(checkpointBucket).Delete([]byte(destination))
	})
	if err != nil {
		return fmt.Errorf("store output for %q: %w", destination, err)
	}
	s.logger.WithField("action", "write_final").Debugf("Stored %d bytes under %s", len(buf), destination)
	return nil
}

// WriteCheckpoint stores a partial result under destination
func (s *Sink) WriteCheckpoint(ctx context.Context, doc collect.Document, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := doc.ToBytes()
	if err != nil {
		return fmt.Errorf("serialize checkpoint for %q: %w", destination, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(destination), buf)
	})
}

// Read loads the final output stored under destination
func (s *Sink) Read(destination string, prototype collect.Document) (collect.Document, error) {
	return s.read(finalBucket, destination, prototype)
}

// ReadCheckpoint loads the latest checkpoint stored under destination
func (s *Sink) ReadCheckpoint(destination string, prototype collect.Document) (collect.Document, error) {
	return s.read(checkpointBucket, destination, prototype)
}

func (s *Sink) read(bucket []byte, destination string, prototype collect.Document) (collect.Document, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(destination))
		if v == nil {
			return fmt.Errorf("no %s output stored under %q", bucket, destination)
		}
		// v is only valid within the transaction
		buf = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prototype.FromBytes(buf)
}

// Destinations lists the destinations with final output, in order
func (s *Sink) Destinations() ([]string, error) {
	var res []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(finalBucket).ForEach(func(k, v []byte) error {
			res = append(res, string(k))
			return nil
		})
	})
	sort.Strings(res)
	return res, err
}

// Close closes the database
func (s *Sink) Close() error {
	return s.db.Close()
}
