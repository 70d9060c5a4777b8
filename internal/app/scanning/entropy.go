package scanning

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	regexp "github.com/wasilibs/go-re2"

	domain "github.com/ahrav/leakscan/internal/domain/scanning"
)

// Alphabets used for entropy analysis.
const (
	Base64Charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=_-"
	HexCharset    = "0123456789abcdefABCDEF"

	base64Bits = 6.0
	hexBits    = 4.0
)

var (
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/=_-]+`)
	hexRun    = regexp.MustCompile(`[0-9A-Fa-f]+`)
)

// CalculateEntropy returns the Shannon entropy of data over the symbols of
// charset that occur in it. Characters outside charset add to the length but
// contribute no probability mass.
func CalculateEntropy(data, charset string) float64 {
	if data == "" {
		return 0
	}

	counts := make(map[rune]int)
	for _, r := range data {
		if strings.ContainsRune(charset, r) {
			counts[r]++
		}
	}

	n := float64(utf8.RuneCountInString(data))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// scaledLimit converts a sensitivity percentage into an entropy threshold for
// an alphabet carrying bits of information per character.
func scaledLimit(sensitivity int, bits float64) float64 {
	return float64(sensitivity) / 100 * bits
}

// ScanEntropy reports substrings of chunk that look random enough to be a
// secret. Each non-empty line is split into words; maximal base64 and hex runs
// longer than the minimum length are measured against their alphabet's limit.
func (s *Scanner) ScanEntropy(ctx context.Context, chunk *domain.Chunk) []*domain.Issue {
	var issues []*domain.Issue
	for _, line := range strings.Split(chunk.Contents(), "\n") {
		if line == "" {
			continue
		}

		// Diff bodies start every line with a marker that is not file content.
		// The marker is remembered for the first word only, to recognize
		// signatures generated before markers were stripped.
		analyze, prefix := line, ""
		if chunk.IsDiff() {
			prefix, analyze = line[:1], line[1:]
		}

		for _, word := range strings.Fields(analyze) {
			for _, str := range s.entropyCandidates(base64Run, word) {
				if issue := s.evaluateEntropy(ctx, chunk, analyze, str, Base64Charset, s.b64Limit, prefix); issue != nil {
					issues = append(issues, issue)
				}
			}
			for _, str := range s.entropyCandidates(hexRun, word) {
				if issue := s.evaluateEntropy(ctx, chunk, analyze, str, HexCharset, s.hexLimit, prefix); issue != nil {
					issues = append(issues, issue)
				}
			}
			prefix = ""
		}
	}
	return issues
}

func (s *Scanner) entropyCandidates(re *regexp.Regexp, word string) []string {
	var out []string
	for _, str := range re.FindAllString(word, -1) {
		if len(str) > s.opts.MinEntropyLength {
			out = append(out, str)
		}
	}
	return out
}

func (s *Scanner) evaluateEntropy(
	ctx context.Context,
	chunk *domain.Chunk,
	line, str, charset string,
	limit float64,
	prefix string,
) *domain.Issue {
	path := chunk.FilePath()
	if s.SignatureIsExcluded(str, path) {
		return nil
	}
	if CalculateEntropy(str, charset) <= limit {
		return nil
	}
	if s.entropyStringIsExcluded(str, line, path) {
		s.logger.Debug(ctx, "line containing entropy was excluded", "path", path, "line", line)
		return nil
	}
	if prefix != "" && s.SignatureIsExcluded(prefix+str, path) {
		s.logger.Warn(ctx, "excluded signature is deprecated, replace it with the current signature",
			"path", path,
			"deprecated_signature", s.signature(prefix+str, path),
			"signature", s.signature(str, path),
		)
		return nil
	}
	return domain.NewIssue(domain.IssueTypeEntropy, str, chunk, "")
}

func (s *Scanner) entropyStringIsExcluded(str, line, path string) bool {
	for _, r := range s.entropyExclusions {
		if r.Excludes(str, line, path) {
			return true
		}
	}
	return false
}
