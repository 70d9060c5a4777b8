package git

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/internal/infra/git/gittest"
)

func TestParseLog(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Commit
		wantErr bool
	}{
		{
			name:  "empty",
			input: "",
		},
		{
			name: "two_commits",
			input: "bbb\x00aaa\x001700000120\x00second\n\nbody\n\x1e\n" +
				"aaa\x00\x001700000060\x00first\n\x1e\n",
			want: []Commit{
				{Hash: "bbb", Parents: []string{"aaa"}, Time: time.Unix(1700000120, 0).UTC(), Message: "second\n\nbody\n"},
				{Hash: "aaa", Parents: []string{}, Time: time.Unix(1700000060, 0).UTC(), Message: "first\n"},
			},
		},
		{
			name:  "merge_parents",
			input: "ccc\x00aaa bbb\x001700000000\x00merge\n\x1e",
			want: []Commit{
				{Hash: "ccc", Parents: []string{"aaa", "bbb"}, Time: time.Unix(1700000000, 0).UTC(), Message: "merge\n"},
			},
		},
		{
			name:    "missing_fields",
			input:   "aaa\x00\x1e",
			wantErr: true,
		},
		{
			name:    "bad_time",
			input:   "aaa\x00\x00yesterday\x00msg\x1e",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLog(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].Hash, got[i].Hash)
				assert.ElementsMatch(t, tt.want[i].Parents, got[i].Parents)
				assert.Equal(t, tt.want[i].Time, got[i].Time)
				assert.Equal(t, tt.want[i].Message, got[i].Message)
			}
		})
	}
}

const sampleDiff = `diff --git a/config.py b/config.py
index 1111111..2222222 100644
--- a/config.py
+++ b/config.py
@@ -1,2 +1,2 @@ def main():
 name = "app"
-token = "old"
+token = "new"
diff --git a/removed.txt b/removed.txt
deleted file mode 100644
index 3333333..0000000
--- a/removed.txt
+++ /dev/null
@@ -1 +0,0 @@
-gone
diff --git a/logo.png b/logo.png
new file mode 100644
index 0000000..4444444
Binary files /dev/null and b/logo.png differ
`

func TestParseDiff(t *testing.T) {
	diffs, err := ParseDiff(strings.NewReader(sampleDiff))
	require.NoError(t, err)
	require.Len(t, diffs, 3)

	cfg := diffs[0]
	assert.Equal(t, "config.py", cfg.Path)
	assert.False(t, cfg.IsBinary)
	assert.False(t, cfg.IsDelete)
	assert.Equal(t, "@@ -1,2 +1,2 @@ def main():\n name = \"app\"\n-token = \"old\"\n+token = \"new\"\n", cfg.Body)
	assert.Contains(t, cfg.Header, "+++ b/config.py")

	removed := diffs[1]
	assert.Equal(t, "removed.txt", removed.Path)
	assert.True(t, removed.IsDelete)

	logo := diffs[2]
	assert.Equal(t, "logo.png", logo.Path)
	assert.True(t, logo.IsBinary)
}

const noNewlineDiff = `diff --git a/k.txt b/k.txt
index 1111111..2222222 100644
--- a/k.txt
+++ b/k.txt
@@ -1 +1 @@
-key=oldvalue
\ No newline at end of file
+key=newvalue
\ No newline at end of file
`

func TestParseDiffMissingTrailingNewline(t *testing.T) {
	diffs, err := ParseDiff(strings.NewReader(noNewlineDiff))
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	want := "@@ -1,1 +1,1 @@\n" +
		"-key=oldvalue\n\\ No newline at end of file\n" +
		"+key=newvalue\n\\ No newline at end of file\n"
	assert.Equal(t, want, diffs[0].Body)
}

func TestRepoDiffMissingTrailingNewline(t *testing.T) {
	ctx := context.Background()
	tr := gittest.New(t)
	c1 := tr.Commit("first", map[string]string{"k.txt": "key=oldvalue"})
	c2 := tr.Commit("second", map[string]string{"k.txt": "key=newvalue"})

	repo, err := Open(ctx, tr.Dir)
	require.NoError(t, err)
	diffs, err := repo.Diff(ctx, c1, c2)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	lines := strings.Split(strings.TrimSuffix(diffs[0].Body, "\n"), "\n")
	assert.Contains(t, lines, "-key=oldvalue")
	assert.Contains(t, lines, "+key=newvalue")
}

func TestRepoHistory(t *testing.T) {
	ctx := context.Background()
	tr := gittest.New(t)
	c1 := tr.Commit("first", map[string]string{"a.txt": "one\n"})
	c2 := tr.Commit("second\n\nwith body", map[string]string{"a.txt": "two\n", "b.txt": "bee\n"})
	tr.Git("branch", "feature")

	repo, err := Open(ctx, tr.Dir)
	require.NoError(t, err)
	assert.False(t, repo.IsBare())

	branches, err := repo.Branches(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feature"}, branches)

	ref, err := repo.ResolveBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", ref)

	_, err = repo.ResolveBranch(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrBranchNotFound)
	assert.ErrorIs(t, err, shared.ErrGitLocal)

	commits, err := repo.Commits(ctx, ref, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, c2, commits[0].Hash)
	assert.Equal(t, []string{c1}, commits[0].Parents)
	assert.Equal(t, "second\n\nwith body\n", commits[0].Message)
	assert.Equal(t, c1, commits[1].Hash)

	limited, err := repo.Commits(ctx, ref, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	diffs, err := repo.Diff(ctx, c1, c2)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "a.txt", diffs[0].Path)
	assert.Contains(t, diffs[0].Body, "-one\n+two\n")
	assert.Equal(t, "b.txt", diffs[1].Path)

	empty, err := repo.EmptyTree(ctx)
	require.NoError(t, err)
	root, err := repo.Diff(ctx, empty, c1)
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Contains(t, root[0].Body, "+one\n")

	shallow, err := repo.IsShallow(ctx)
	require.NoError(t, err)
	assert.False(t, shallow)
}

func TestResolveCommit(t *testing.T) {
	ctx := context.Background()
	tr := gittest.New(t)
	c1 := tr.Commit("first", map[string]string{"a.txt": "one\n"})
	ambiguous := tr.AmbiguousCommitPrefix()

	repo, err := Open(ctx, tr.Dir)
	require.NoError(t, err)

	tests := []struct {
		name    string
		rev     string
		want    string
		wantErr error
	}{
		{name: "full_hash", rev: c1, want: c1},
		{name: "short_hash", rev: c1[:10], want: c1},
		{name: "branch", rev: "main", want: c1},
		{name: "unknown", rev: "0000000000000000000000000000000000000000", wantErr: shared.ErrCommitNotFound},
		{name: "ambiguous_prefix", rev: ambiguous, wantErr: shared.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ResolveCommit(ctx, tt.rev)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubmodules(t *testing.T) {
	ctx := context.Background()
	tr := gittest.New(t)
	tr.Commit("init", map[string]string{"README": "hi\n"})

	repo, err := Open(ctx, tr.Dir)
	require.NoError(t, err)

	paths, err := repo.Submodules(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)

	tr.Write(map[string]string{".gitmodules": "[submodule \"vendor/lib\"]\n\tpath = vendor/lib\n\turl = https://example.invalid/lib.git\n"})
	paths, err = repo.Submodules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/lib"}, paths)
}

func TestOpenNotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	_, err := Open(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, shared.ErrGitLocal)
}
