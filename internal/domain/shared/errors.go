// Package shared provides core domain types and errors used across the
// application.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Concrete failures wrap one of these so
// callers can classify them with errors.Is.
var (
	// ErrConfig indicates malformed or ambiguous rule or configuration input.
	// A scan never starts when configuration fails.
	ErrConfig = errors.New("configuration error")

	// ErrScan indicates a chunk producer failed mid-walk. Partial results are
	// discarded when this is returned.
	ErrScan = errors.New("scan error")

	// ErrGitLocal indicates the target path is not a usable git repository.
	ErrGitLocal = errors.New("local git error")

	// ErrGitRemote indicates a failure reaching a remote, including clones of
	// rules repositories.
	ErrGitRemote = errors.New("remote git error")

	// ErrBranchNotFound is returned when a requested branch does not exist.
	ErrBranchNotFound = fmt.Errorf("%w: branch not found", ErrGitLocal)

	// ErrCommitNotFound is returned when a revision names no commit.
	ErrCommitNotFound = fmt.Errorf("%w: commit not found", ErrGitLocal)
)

// Wrap annotates err with kind unless err already carries it.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
