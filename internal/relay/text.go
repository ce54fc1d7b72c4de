package relay

import (
	"regexp"
	"strings"
)

// Thresholds for duplicate matching. Very short messages ("ok", "+1")
// produce too many false positives to be worth fuzzy-matching at all;
// containment only kicks in once there is enough text to be meaningful.
const (
	minDuplicateLen   = 5
	minContainmentLen = 10
)

// NormalizeText collapses all whitespace runs to single spaces and trims.
// Duplicate comparison always happens over normalized text.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	attachmentHeaderRe = regexp.MustCompile(`(?im)^\s*attachments?\s*:`)
	bracketLinkRe      = regexp.MustCompile(`^\[[^\]]*\]\([^)]*\)$`)
	angleURLRe         = regexp.MustCompile(`^<[a-zA-Z][a-zA-Z0-9+.-]*://[^>]*>$`)
	bareURLRe          = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`)
)

// StripAttachmentSection removes a trailing "Attachments: ..." block so
// attachment metadata differences don't defeat duplicate detection. The
// block is only stripped when everything after the header looks like
// attachment references (bracket links, angle-bracket URLs or bare URLs).
func StripAttachmentSection(s string) string {
	loc := attachmentHeaderRe.FindStringIndex(s)
	if loc == nil {
		return s
	}

	// An inline reference may follow the header on the same line; every
	// subsequent line must be a reference too, or the block is real text
	// and stays.
	tail := s[loc[1]:]
	for _, line := range strings.Split(tail, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !isAttachmentRef(line) {
			return s
		}
	}

	return strings.TrimRight(s[:loc[0]], " \t\n")
}

func isAttachmentRef(s string) bool {
	return bracketLinkRe.MatchString(s) || angleURLRe.MatchString(s) || bareURLRe.MatchString(s)
}

// LooksLikeAttachmentRef reports whether a quoted block is an attachment
// reference rather than message text; such quotes never become threaded
// replies.
func LooksLikeAttachmentRef(s string) bool {
	norm := strings.TrimSpace(s)
	if attachmentHeaderRe.MatchString(norm) {
		return true
	}
	return isAttachmentRef(norm)
}

// IsDuplicate compares candidate text against an existing message, both
// already on the target platform side. Comparison runs over normalized,
// attachment-stripped text:
//
//   - exact match → duplicate
//   - both ≥10 chars, one contains the other, and the longer is at most
//     maxRatio× the shorter → duplicate (formatting-only echoes)
//   - candidate under 5 chars → never a duplicate
func IsDuplicate(candidate, existing string, maxRatio float64) bool {
	c := NormalizeText(StripAttachmentSection(candidate))
	e := NormalizeText(StripAttachmentSection(existing))

	if len(c) < minDuplicateLen {
		return false
	}

	if c == e {
		return true
	}

	if len(c) < minContainmentLen || len(e) < minContainmentLen {
		return false
	}

	longer, shorter := c, e
	if len(e) > len(c) {
		longer, shorter = e, c
	}
	if !strings.Contains(longer, shorter) {
		return false
	}
	return float64(len(longer)) <= maxRatio*float64(len(shorter))
}

// ExtractQuotedReply splits candidate text that begins with one or more
// quote-prefixed lines into the quoted block and the remaining reply.
// Returns ok=false when the text doesn't start with a quote.
func ExtractQuotedReply(s string) (quoted, remainder string, ok bool) {
	lines := strings.Split(s, "\n")

	var quotedLines []string
	i := 0
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, ">") {
			break
		}
		quotedLines = append(quotedLines, strings.TrimSpace(strings.TrimPrefix(trimmed, ">")))
	}

	if len(quotedLines) == 0 {
		return "", "", false
	}

	quoted = strings.TrimSpace(strings.Join(quotedLines, "\n"))
	remainder = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	return quoted, remainder, true
}
