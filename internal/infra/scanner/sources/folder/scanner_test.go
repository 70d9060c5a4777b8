package folder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	appscanning "github.com/ahrav/leakscan/internal/app/scanning"
	"github.com/ahrav/leakscan/internal/config"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

type skipPrefix string

func (p skipPrefix) ShouldScan(path string) bool { return !strings.HasPrefix(path, string(p)) }

func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, body, 0o644))
	}
	return root
}

func newTestScanner(target string, opts config.Options, filter domain.PathFilter) *Scanner {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewScanner(target, opts, filter, log, noop.NewTracerProvider().Tracer("test"))
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

func paths(chunks []*domain.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.FilePath())
	}
	return out
}

func TestChunksWalk(t *testing.T) {
	root := writeTree(t, map[string][]byte{
		"a.txt":            []byte("alpha"),
		"sub/b.txt":        []byte("bravo"),
		"sub/deep/c.txt":   []byte("charlie"),
		"vendor/lib.txt":   []byte("vendored"),
		"image.bin":        {0xff, 0xfe, 0x00, 0x01},
		"sub/utf8_ok.json": []byte(`{"name": "héllo"}`),
	})

	tests := []struct {
		name    string
		recurse bool
		filter  domain.PathFilter
		want    []string
	}{
		{
			name:    "recursive",
			recurse: true,
			want:    []string{"a.txt", "sub/b.txt", "sub/deep/c.txt", "sub/utf8_ok.json", "vendor/lib.txt"},
		},
		{
			name:    "top_level_only",
			recurse: false,
			want:    []string{"a.txt"},
		},
		{
			name:    "path_filter",
			recurse: true,
			filter:  skipPrefix("sub/"),
			want:    []string{"a.txt", "vendor/lib.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.Default()
			opts.Folder.Recurse = tt.recurse

			chunks, err := collect(t, newTestScanner(root, opts, tt.filter))
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths(chunks))
			for _, c := range chunks {
				assert.False(t, c.IsDiff())
				assert.Empty(t, c.Metadata())
			}
		})
	}
}

func TestChunksContents(t *testing.T) {
	root := writeTree(t, map[string][]byte{"conf/app.cfg": []byte("token=abc\n")})

	opts := config.Default()
	chunks, err := collect(t, newTestScanner(root, opts, nil))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "token=abc\n", chunks[0].Contents())

	opts.ScanFilenames = true
	chunks, err = collect(t, newTestScanner(root, opts, nil))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "conf/app.cfg\ntoken=abc\n", chunks[0].Contents())
}

func TestChunksRespectGitignore(t *testing.T) {
	root := writeTree(t, map[string][]byte{
		".gitignore":    []byte("*.log\nbuild/\n"),
		"app.log":       []byte("log line"),
		"build/out.txt": []byte("artifact"),
		"keep.txt":      []byte("keep"),
		".git/config":   []byte("[core]"),
	})

	opts := config.Default()
	opts.Folder.RespectGitignore = true
	chunks, err := collect(t, newTestScanner(root, opts, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{".gitignore", "keep.txt"}, paths(chunks))

	opts.Folder.RespectGitignore = false
	chunks, err = collect(t, newTestScanner(root, opts, nil))
	require.NoError(t, err)
	assert.Len(t, chunks, 5)
}

func TestChunksUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := writeTree(t, map[string][]byte{"a.txt": []byte("ok"), "locked.txt": []byte("secret")})
	require.NoError(t, os.Chmod(filepath.Join(root, "locked.txt"), 0o000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "locked.txt"), 0o644) })

	_, err := collect(t, newTestScanner(root, config.Default(), nil))
	assert.ErrorIs(t, err, shared.ErrScan)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestChunksErrors(t *testing.T) {
	_, err := collect(t, newTestScanner(filepath.Join(t.TempDir(), "missing"), config.Default(), nil))
	assert.ErrorIs(t, err, shared.ErrScan)

	s := newTestScanner(writeTree(t, map[string][]byte{"a.txt": []byte("a")}), config.Default(), nil)
	_, err = collect(t, s)
	require.NoError(t, err)
	_, err = collect(t, s)
	assert.ErrorIs(t, err, domain.ErrChunksConsumed)
}

func TestChunksStopEarly(t *testing.T) {
	root := writeTree(t, map[string][]byte{"a.txt": []byte("a"), "b.txt": []byte("b")})
	s := newTestScanner(root, config.Default(), nil)

	var got []string
	for c, err := range s.Chunks(context.Background()) {
		require.NoError(t, err)
		got = append(got, c.FilePath())
		break
	}
	assert.Equal(t, []string{"a.txt"}, got)
}

func TestScanFolderFindsHighEntropy(t *testing.T) {
	const digest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	root := writeTree(t, map[string][]byte{
		"checksums.txt": []byte("sha256 = " + digest + "\nshort = deadb\n"),
	})

	opts := config.Default()
	opts.Regex = false
	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	filter, err := appscanning.NewPathFilter(opts, log)
	require.NoError(t, err)
	metrics, err := appscanning.NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	src := NewScanner(root, opts, filter, log, noop.NewTracerProvider().Tracer("test"))
	scanner, err := appscanning.NewScanner(src, nil, opts, filter, log, noop.NewTracerProvider().Tracer("test"), metrics)
	require.NoError(t, err)

	issues, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, domain.IssueTypeEntropy, issues[0].Type())
	assert.Equal(t, digest, issues[0].MatchedString())
	assert.Equal(t, "checksums.txt", issues[0].Chunk().FilePath())
}
