// Package jsonfile is the default persistence backend: a plain JSON file at
// a configured path, written with a full overwrite as the reference
// behavior in SPEC_FULL.md §4.3 permits (write-to-temp-then-rename is
// allowed but not required).
package jsonfile

import (
	"context"
	"os"
)

// Store implements peerdir.Store against a single file path.
type Store struct {
	path string
	perm os.FileMode
}

// New returns a Store writing to path. perm defaults to 0o600 when zero.
func New(path string, perm os.FileMode) *Store {
	if perm == 0 {
		perm = 0o600
	}
	return &Store{path: path, perm: perm}
}

func (s *Store) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (s *Store) Save(_ context.Context, data []byte) error {
	return os.WriteFile(s.path, data, s.perm)
}

func (s *Store) Close() error { return nil }
