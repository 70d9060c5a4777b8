package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// CLI clones repositories with the git binary.
type CLI struct {
	// Depth limits the clone history. Zero clones everything.
	Depth int
}

// Clone clones url into dir.
func (c CLI) Clone(ctx context.Context, url, dir string) error {
	args := []string{"clone", "--quiet"}
	if c.Depth > 0 {
		args = append(args, fmt.Sprintf("--depth=%d", c.Depth))
	}
	args = append(args, url, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: git clone failed: %w: %s", shared.ErrGitRemote, err, stderr.String())
	}
	return nil
}
