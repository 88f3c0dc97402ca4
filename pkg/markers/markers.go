// Package markers tokenizes the marker grammars embedded in document text:
// cloze deletions, task lines, agent blocks, and wikilinks. Each grammar is
// a small single-pass scanner. Tasks are line-oriented; clozes and agent
// blocks scan the full text and may span lines. No regular expressions.
//
// Ids embedded in text are tokens of the form ^<prefix>-<12 hex>, e.g.
// ^c-0f3a9b21c4de. Scanners parse them; minting belongs to callers.
package markers

// Id prefixes per grammar.
const (
	ClozeIDPrefix = "c"
	TaskIDPrefix  = "t"
	AgentIDPrefix = "a"
)

// idHexLen is the number of hex digits after the prefix dash.
const idHexLen = 12

// scanner is the shared cursor over a document.
type scanner struct {
	text string
	n    int
}

// ParseIDToken parses an id token like "^c-0f3a9b21c4de" for the given
// prefix. It returns the id without the caret ("c-0f3a9b21c4de") and
// whether tok was a well-formed token.
func ParseIDToken(tok, prefix string) (string, bool) {
	// ^ + prefix + - + 12 hex
	want := 1 + len(prefix) + 1 + idHexLen
	if len(tok) != want || tok[0] != '^' {
		return "", false
	}
	if tok[1:1+len(prefix)] != prefix || tok[1+len(prefix)] != '-' {
		return "", false
	}
	for i := 2 + len(prefix); i < len(tok); i++ {
		c := tok[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return tok[1:], true
}

// ValidID reports whether id (without caret) is well-formed for prefix.
func ValidID(id, prefix string) bool {
	_, ok := ParseIDToken("^"+id, prefix)
	return ok
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// lastToken returns the final whitespace-separated token of s and the byte
// offset where it starts, or ("", -1) when s is blank.
func lastToken(s string) (string, int) {
	end := len(s)
	for end > 0 && isSpace(s[end-1]) {
		end--
	}
	if end == 0 {
		return "", -1
	}
	start := end
	for start > 0 && !isSpace(s[start-1]) {
		start--
	}
	return s[start:end], start
}

// trimSpace is strings.TrimSpace restricted to ASCII whitespace, kept local
// so payload trimming matches the tokenizer's own notion of a space.
func trimSpace(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}
