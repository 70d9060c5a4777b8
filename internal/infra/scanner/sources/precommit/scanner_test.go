package precommit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakscan/internal/config"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/internal/infra/git/gittest"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

func newTestScanner(dir string, opts config.Options) *Scanner {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewScanner(dir, opts, nil, log, noop.NewTracerProvider().Tracer("test"))
}

func collect(t *testing.T, s *Scanner) ([]*domain.Chunk, error) {
	t.Helper()
	var chunks []*domain.Chunk
	for c, err := range s.Chunks(context.Background()) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func TestChunksStagedChanges(t *testing.T) {
	tr := gittest.New(t)
	tr.Commit("init", map[string]string{"existing.py": "name = 'app'\n", "old.txt": "bye\n"})

	tr.Git("rm", "--quiet", "old.txt")
	tr.Stage(map[string]string{
		"new.py":      "password = 'hunter2'\n",
		"existing.py": "name = 'app'\ntoken = 'abc'\n",
	})
	tr.Write(map[string]string{"unstaged.py": "not staged\n"})

	chunks, err := collect(t, newTestScanner(tr.Dir, config.Default()))
	require.NoError(t, err)

	byPath := make(map[string]*domain.Chunk)
	for _, c := range chunks {
		byPath[c.FilePath()] = c
		assert.True(t, c.IsDiff())
		assert.Empty(t, c.Metadata())
	}
	require.Len(t, byPath, 2)
	assert.Contains(t, byPath["new.py"].Contents(), "+password = 'hunter2'\n")
	assert.Contains(t, byPath["existing.py"].Contents(), "+token = 'abc'\n")
}

func TestChunksFromSubdirectory(t *testing.T) {
	tr := gittest.New(t)
	tr.Commit("init", map[string]string{"pkg/lib.go": "package pkg\n"})
	tr.Stage(map[string]string{"root.txt": "staged at the root\n"})

	chunks, err := collect(t, newTestScanner(filepath.Join(tr.Dir, "pkg"), config.Default()))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "root.txt", chunks[0].FilePath())
}

func TestChunksScanFilenames(t *testing.T) {
	tr := gittest.New(t)
	tr.Commit("init", map[string]string{"README": "hi\n"})
	tr.Stage(map[string]string{"id_rsa.txt": "key\n"})

	opts := config.Default()
	opts.ScanFilenames = true
	chunks, err := collect(t, newTestScanner(tr.Dir, opts))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Contents(), "b/id_rsa.txt")
}

func TestChunksSubmoduleBump(t *testing.T) {
	const (
		oldPin = "d0c3160c9a4b7e2f1a8d5c6b3e9f0a1b2c3d4e5f"
		newPin = "c7feb4ed1b2a3c4d5e6f708192a3b4c5d6e7f809"
	)
	tr := gittest.New(t)
	tr.Write(map[string]string{
		".gitmodules": "[submodule \"sub\"]\n\tpath = vendor/sub\n\turl = https://example.invalid/sub.git\n",
		"README":      "hi\n",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(tr.Dir, "vendor", "sub"), 0o755))
	tr.Git("add", ".gitmodules", "README")
	tr.Git("update-index", "--add", "--cacheinfo", "160000,"+oldPin+",vendor/sub")
	tr.Git("commit", "--quiet", "-m", "init")

	tr.Git("update-index", "--cacheinfo", "160000,"+newPin+",vendor/sub")
	tr.Write(map[string]string{"app.py": "name = 'app'\n"})
	tr.Git("add", "app.py")

	tests := []struct {
		name    string
		include bool
		want    []string
	}{
		{name: "submodules_excluded", want: []string{"app.py"}},
		{name: "submodules_included", include: true, want: []string{"app.py", "vendor/sub"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.Default()
			opts.Git.IncludeSubmodules = tt.include

			chunks, err := collect(t, newTestScanner(tr.Dir, opts))
			require.NoError(t, err)

			var paths []string
			for _, c := range chunks {
				paths = append(paths, c.FilePath())
			}
			assert.ElementsMatch(t, tt.want, paths)
		})
	}
}

func TestChunksErrors(t *testing.T) {
	gittest.New(t)

	_, err := collect(t, newTestScanner(t.TempDir(), config.Default()))
	assert.ErrorIs(t, err, shared.ErrGitLocal)

	tr := gittest.New(t)
	tr.Commit("init", map[string]string{"README": "hi\n"})
	s := newTestScanner(tr.Dir, config.Default())
	_, err = collect(t, s)
	require.NoError(t, err)
	_, err = collect(t, s)
	assert.ErrorIs(t, err, domain.ErrChunksConsumed)
}
