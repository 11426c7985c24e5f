package workspace

import (
	"fmt"
	"strings"
)

// maxBranchLen bounds generated branch names so suffix probing never
// produces refs that some hosts reject.
const maxBranchLen = 60

// SanitizeIdentifier makes an identifier safe for branch names and
// filesystem paths.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// BranchName derives the deterministic branch name for an issue:
// "<prefix>/issue-<number>-<slug>". The same issue always maps to the same
// name, which is what makes collision strategies meaningful.
func BranchName(prefix string, number int, title string) string {
	name := fmt.Sprintf("issue-%d", number)
	if prefix != "" {
		name = strings.TrimSuffix(prefix, "/") + "/" + name
	}
	if slug := slugify(title); slug != "" {
		name = name + "-" + slug
	}
	if len(name) > maxBranchLen {
		name = strings.TrimRight(name[:maxBranchLen], "-")
	}
	return name
}

// SuffixedName appends the collision-probe ordinal ("name-2", "name-3").
func SuffixedName(name string, ordinal int) string {
	return fmt.Sprintf("%s-%d", name, ordinal)
}

// WorktreeDirName flattens a branch name into a directory name.
func WorktreeDirName(branch string) string {
	return SanitizeIdentifier(branch)
}

// slugify lowercases a title and reduces it to dash-separated alphanumeric
// runs.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
