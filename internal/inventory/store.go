// Package inventory keeps the fleet's device manifest as YAML inside a git
// repository so every change to the fleet is versioned.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// Store is an inventory directory: the manifest plus its repository
type Store struct {
	Manifest  *Manifest
	Snapshots *DeviceSnapshots

	dir    string
	repo   *Repository
	author Author
}

// Open opens the inventory in dir, creating the directory and repository
// on first use
func Open(dir string, author Author) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inventory directory: %w", err)
	}

	repo, err := OpenOrInitRepository(dir)
	if err != nil {
		return nil, err
	}

	manifest, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	return &Store{
		Manifest:  manifest,
		Snapshots: NewDeviceSnapshots(dir),
		dir:       dir,
		repo:      repo,
		author:    author,
	}, nil
}

// Dir returns the inventory directory
func (s *Store) Dir() string {
	return s.dir
}

// RemoveDevice drops id from the manifest together with its snapshot
// folder. It reports whether the manifest listed the device.
func (s *Store) RemoveDevice(id string) (bool, error) {
	if err := s.Snapshots.Remove(id); err != nil {
		return false, err
	}
	return s.Manifest.RemoveDevice(id), nil
}

// Save writes the manifest without committing
func (s *Store) Save() error {
	return s.Manifest.Save()
}

// Commit saves the manifest and commits it. An unchanged manifest produces
// no commit and an empty hash.
func (s *Store) Commit(message string) (string, error) {
	if err := s.Manifest.Save(); err != nil {
		return "", err
	}
	return s.repo.CommitAll(message, s.author)
}

// HasChanges reports uncommitted changes in the inventory directory
func (s *Store) HasChanges() (bool, error) {
	return s.repo.HasChanges()
}

// History returns up to n inventory commits, newest first
func (s *Store) History(n int) ([]*object.Commit, error) {
	return s.repo.GetLog(n)
}
