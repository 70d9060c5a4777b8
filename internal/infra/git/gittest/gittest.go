// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Repo is a scratch repository rooted in a test temp dir.
type Repo struct {
	t    *testing.T
	Dir  string
	tick int
}

// New initializes an empty repository on branch main. The test is skipped
// when git is not installed.
func New(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	r := &Repo{t: t, Dir: t.TempDir()}
	r.Git("init", "--quiet")
	r.Git("symbolic-ref", "HEAD", "refs/heads/main")
	return r
}

// Git runs a git command in the repository and returns its trimmed stdout.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	return r.gitInput("", args...)
}

func (r *Repo) gitInput(stdin string, args ...string) string {
	r.t.Helper()

	full := append([]string{"-c", "commit.gpgsign=false", "-c", "core.hooksPath=/dev/null"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+r.Dir,
	)
	if r.tick > 0 {
		date := "@" + itoa(1_700_000_000+r.tick*60) + " +0000"
		cmd.Env = append(cmd.Env, "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	}

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	out, err := cmd.CombinedOutput()
	require.NoError(r.t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// Write creates or replaces files relative to the repository root.
func (r *Repo) Write(files map[string]string) {
	r.t.Helper()
	for name, body := range files {
		path := filepath.Join(r.Dir, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(r.t, os.WriteFile(path, []byte(body), 0o644))
	}
}

// Commit writes files, stages everything and commits. It returns the new
// commit hash.
func (r *Repo) Commit(msg string, files map[string]string) string {
	r.t.Helper()
	r.Write(files)
	r.Git("add", "-A")
	r.tick++
	r.Git("commit", "--quiet", "--allow-empty", "-m", msg)
	return r.Git("rev-parse", "HEAD")
}

// Stage writes files and adds them to the index without committing.
func (r *Repo) Stage(files map[string]string) {
	r.t.Helper()
	r.Write(files)
	r.Git("add", "-A")
}

// AmbiguousCommitPrefix writes unreferenced-by-branch commits under
// refs/noise until two of them share a four character hash prefix and returns
// that prefix.
func (r *Repo) AmbiguousCommitPrefix() string {
	r.t.Helper()

	const n = 2000
	var stream strings.Builder
	for i := range n {
		msg := fmt.Sprintf("noise %d\n", i)
		fmt.Fprintf(&stream, "commit refs/noise/commits\ncommitter Test <test@example.com> 1700000000 +0000\ndata %d\n%s\n", len(msg), msg)
	}
	r.gitInput(stream.String(), "fast-import", "--quiet")

	seen := make(map[string]bool, n)
	for _, hash := range strings.Fields(r.Git("rev-list", "refs/noise/commits")) {
		prefix := hash[:4]
		if seen[prefix] {
			return prefix
		}
		seen[prefix] = true
	}
	r.t.Fatal("no colliding commit prefix generated")
	return ""
}

func itoa(n int) string {
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
