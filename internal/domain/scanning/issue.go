package scanning

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// IssueType identifies which detector produced an Issue.
type IssueType string

const (
	IssueTypeEntropy IssueType = "High Entropy"
	IssueTypeRegEx   IssueType = "Regular Expression Match"
)

// Signature returns the stable identifier of a finding: the hex encoded
// BLAKE2s-256 digest of "<matched>$$<filePath>". Signatures are compatible
// with allow-lists produced by earlier tooling and must never change.
func Signature(matched, filePath string) string {
	sum := blake2s.Sum256([]byte(matched + "$$" + filePath))
	return hex.EncodeToString(sum[:])
}

// Issue is a single finding. Issues are never mutated after creation; the
// signature is computed on first use and cached.
type Issue struct {
	issueType     IssueType
	matchedString string
	detail        string
	chunk         *Chunk

	sigOnce   sync.Once
	signature string
}

// NewIssue creates an Issue referencing chunk. detail carries the rule name
// for regex findings and is empty for entropy findings.
func NewIssue(issueType IssueType, matched string, chunk *Chunk, detail string) *Issue {
	return &Issue{
		issueType:     issueType,
		matchedString: matched,
		detail:        detail,
		chunk:         chunk,
	}
}

func (i *Issue) Type() IssueType       { return i.issueType }
func (i *Issue) MatchedString() string { return i.matchedString }
func (i *Issue) Detail() string        { return i.detail }
func (i *Issue) Chunk() *Chunk         { return i.chunk }

// Signature returns the cached signature of the issue.
func (i *Issue) Signature() string {
	i.sigOnce.Do(func() {
		i.signature = Signature(i.matchedString, i.chunk.filePath)
	})
	return i.signature
}

// Report is the external representation of an Issue.
type Report struct {
	IssueType     IssueType      `json:"issue_type"`
	IssueDetail   string         `json:"issue_detail,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	MatchedString string         `json:"matched_string"`
	Signature     string         `json:"signature"`
	FilePath      string         `json:"file_path"`
	Metadata      map[string]any `json:"-"`
}

// MarshalJSON flattens the chunk metadata into the top level object so commit
// fields sit next to the finding fields.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Metadata) == 0 {
		return base, nil
	}

	merged := make(map[string]any, len(r.Metadata)+6)
	for k, v := range r.Metadata {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Report builds the external representation. compact omits the chunk body and
// metadata.
func (i *Issue) Report(compact bool) Report {
	r := Report{
		IssueType:     i.issueType,
		IssueDetail:   i.detail,
		MatchedString: i.matchedString,
		Signature:     i.Signature(),
		FilePath:      i.chunk.filePath,
	}
	if !compact {
		r.Diff = i.chunk.contents
		r.Metadata = i.chunk.Metadata()
	}
	return r
}
