package request

import (
	"fmt"
	"strings"
	"time"
)

// MaxBranchLength is the longest branch name accepted.
const MaxBranchLength = 256

var disallowedBranchSubstrings = []string{
	";", "/.", "..", "~", "^", ":", "*", "?", "[", "//", "@{", "\\",
}

// ValidBranch reports whether name looks like a usable git ref name. This
// follows the rules of git-check-ref-format without invoking git.
func ValidBranch(name string) bool {
	if name == "" || len(name) > MaxBranchLength {
		return false
	}

	for _, d := range disallowedBranchSubstrings {
		if strings.Contains(name, d) {
			return false
		}
	}

	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, ".") || name == "@" {
		return false
	}

	for _, part := range strings.Split(name, "/") {
		if strings.HasSuffix(part, ".lock") {
			return false
		}
	}

	return true
}

// SanitizeBranch keeps ASCII letters and digits only, lowercased. The
// result is safe as a path component and as part of a container name.
func SanitizeBranch(name string) string {
	var b strings.Builder

	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}

	return b.String()
}

// NormalizeBranch returns the sanitized branch salted with the submission
// time, and for remote submissions the signature timestamp, so repeated
// submissions of one branch never collide.
func NormalizeBranch(name string, remote bool, signatureTS int64, now time.Time) string {
	sanitized := SanitizeBranch(name)

	if remote {
		return fmt.Sprintf("%s-%d-%d", sanitized, signatureTS, now.Unix())
	}

	return fmt.Sprintf("%s-local-%d", sanitized, now.Unix())
}
