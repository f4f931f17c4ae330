//go:build !windows

package fetch

import "github.com/google/renameio/v2"

type pendingFile interface {
	Write(p []byte) (int, error)
	CloseAtomicallyReplace() error
	Cleanup() error
}

// newPendingFile creates a temporary file next to path that replaces it
// atomically and durably on commit.
func newPendingFile(path string) (pendingFile, error) {
	return renameio.NewPendingFile(path)
}
