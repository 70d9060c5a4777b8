package shared

import "fmt"

// SourceType identifies the kind of content a scan walks. It is attached to
// telemetry so scans of different sources can be told apart.
type SourceType string

const (
	// SourceTypeGitHistory walks every commit diff reachable from a
	// repository's branches.
	SourceTypeGitHistory SourceType = "git_history"

	// SourceTypeFolder reads the current contents of a filesystem tree.
	SourceTypeFolder SourceType = "folder"

	// SourceTypePreCommit reads the changes staged in a repository's index.
	SourceTypePreCommit SourceType = "pre_commit"
)

func (s SourceType) String() string { return string(s) }

// ParseSourceType converts a string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceTypeGitHistory, SourceTypeFolder, SourceTypePreCommit:
		return SourceType(s), nil
	default:
		return "", fmt.Errorf("unknown source type %q", s)
	}
}
