// Package scanning defines the data flowing through a secret scan: the
// chunks of text produced by a source, the issues detected in them, and the
// contract every chunk source satisfies.
package scanning

import "maps"

// Metadata keys attached to chunks produced from git history.
const (
	MetaCommitHash    = "commit_hash"
	MetaCommitMessage = "commit_message"
	MetaCommitTime    = "commit_time"
	MetaBranch        = "branch"
)

// Chunk is one unit of scannable text, such as the diff of one file in one
// commit or the contents of one file on disk. Chunks are immutable.
type Chunk struct {
	contents string
	filePath string
	metadata map[string]any
	isDiff   bool
}

// NewChunk creates a Chunk. isDiff marks unified diff bodies, whose first
// character on each line is a diff marker rather than file content.
func NewChunk(contents, filePath string, metadata map[string]any, isDiff bool) *Chunk {
	return &Chunk{
		contents: contents,
		filePath: filePath,
		metadata: maps.Clone(metadata),
		isDiff:   isDiff,
	}
}

func (c *Chunk) Contents() string { return c.contents }
func (c *Chunk) FilePath() string { return c.filePath }
func (c *Chunk) IsDiff() bool     { return c.isDiff }

// Metadata returns a copy of the reporting metadata.
func (c *Chunk) Metadata() map[string]any { return maps.Clone(c.metadata) }
