// Package storage lays out job artifacts on the local filesystem.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	stagingDir = "staging"
	outputDir  = "output"
)

// ErrOutsideRoot is returned for paths that resolve outside the store.
var ErrOutsideRoot = errors.New("path escapes store root")

// Store maps job ids to staging and output files under one root.
// Staging files hold downloads; output files hold finished results.
type Store struct {
	root string
}

// New creates a Store rooted at dir.
func New(dir string) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// OutputDir returns the directory holding finished outputs.
func (s *Store) OutputDir() string {
	return filepath.Join(s.root, outputDir)
}

// EnsureDirs creates the directory layout and empties staging. Staged
// files left from a previous run belong to jobs that will never resume.
func (s *Store) EnsureDirs() error {
	staging := filepath.Join(s.root, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	for _, dir := range []string{staging, s.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// StagingPath returns where the download of job id is kept.
func (s *Store) StagingPath(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, stagingDir, id+".src"), nil
}

// OutputPath returns where the result of job id is written.
func (s *Store) OutputPath(id, ext string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if ext == "" || strings.ContainsAny(ext, `/\.`) {
		return "", fmt.Errorf("invalid extension %q", ext)
	}
	return filepath.Join(s.OutputDir(), id+"."+ext), nil
}

// Confine resolves path and checks that it stays under the store root,
// following symlinks.
func (s *Store) Confine(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrOutsideRoot, path)
	}

	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve store root: %w", err)
		}
		realRoot = s.root
	}

	target := filepath.Clean(path)
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		// not there yet, resolve the parent instead
		dir, derr := filepath.EvalSymlinks(filepath.Dir(target))
		if derr != nil {
			dir = filepath.Dir(target)
		}
		real = filepath.Join(dir, filepath.Base(target))
	}

	if !within(realRoot, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return real, nil
}

// Exists reports whether path is a regular file inside the store.
func (s *Store) Exists(path string) bool {
	real, err := s.Confine(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(real)
	return err == nil && info.Mode().IsRegular()
}

// RemoveStaging deletes the download of job id.
func (s *Store) RemoveStaging(id string) error {
	path, err := s.StagingPath(id)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// Discard deletes every file that belongs to job id.
func (s *Store) Discard(id string) error {
	if err := s.RemoveStaging(id); err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(s.OutputDir(), id+".*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		errs = append(errs, removeIfExists(m))
	}
	return errors.Join(errs...)
}

// Prune deletes finished outputs last modified before cutoff and returns
// the removed paths.
func (s *Store) Prune(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.OutputDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.Contains(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.OutputDir(), e.Name())
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}

func validID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", id, err)
	}
	if u.String() != id {
		return fmt.Errorf("invalid job id %q: not in canonical form", id)
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
