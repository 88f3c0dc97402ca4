package markers

import "strings"

// AgentMark is one fenced agent block:
//
//	:::agent directive ^a-...
//	body
//	:::
//
// The opening fence must start a line; the body runs until a line holding
// only ":::" and is preserved verbatim. An unclosed fence is ignored.
type AgentMark struct {
	Start     int
	End       int
	ID        string
	Directive string
	Body      string
}

// Span returns the byte range the block covers in the scanned text.
func (m AgentMark) Span() (start, end int) { return m.Start, m.End }

// CarriedID returns the id parsed from the opening fence, empty when
// unminted.
func (m AgentMark) CarriedID() string { return m.ID }

// Render produces the canonical block with id embedded on the opening fence.
func (m AgentMark) Render(id string) string {
	line := ":::agent"
	if m.Directive != "" {
		line += " " + m.Directive
	}
	line += " ^" + id

	if m.Body == "" {
		return line + "\n:::"
	}
	return line + "\n" + m.Body + "\n:::"
}

// ScanAgents scans the full text for agent blocks in document order.
func ScanAgents(text string) []AgentMark {
	s := scanner{text: text, n: len(text)}
	var marks []AgentMark
	i := 0

	for i < s.n {
		next := strings.Index(text[i:], ":::agent")
		if next == -1 {
			break
		}
		i += next

		// Fences only open at the start of a line.
		if i > 0 && text[i-1] != '\n' {
			i += len(":::agent")
			continue
		}

		if m := s.tryAgent(i); m != nil {
			marks = append(marks, *m)
			i = m.End
			continue
		}
		i += len(":::agent")
	}

	return marks
}

func (s *scanner) tryAgent(start int) *AgentMark {
	openEnd := strings.IndexByte(s.text[start:], '\n')
	if openEnd == -1 {
		// No line after the fence, so no body and no close.
		return nil
	}
	openEnd += start

	rest := s.text[start+len(":::agent") : openEnd]
	if rest != "" && rest[0] != ' ' {
		// Longer word, e.g. ":::agents".
		return nil
	}

	id := ""
	directive := rest
	if tok, at := lastToken(rest); at >= 0 {
		if parsed, ok := ParseIDToken(tok, AgentIDPrefix); ok {
			id = parsed
			directive = rest[:at]
		}
	}
	directive = trimSpace(directive)

	// Find the closing fence line.
	lineStart := openEnd + 1
	for lineStart <= s.n {
		rel := strings.IndexByte(s.text[lineStart:], '\n')
		lineEnd := s.n
		if rel != -1 {
			lineEnd = lineStart + rel
		}

		line := s.text[lineStart:lineEnd]
		if strings.TrimRight(line, " \t\r") == ":::" {
			body := strings.TrimSuffix(s.text[openEnd+1:lineStart], "\n")
			return &AgentMark{
				Start:     start,
				End:       lineEnd,
				ID:        id,
				Directive: directive,
				Body:      body,
			}
		}

		if rel == -1 {
			break
		}
		lineStart = lineEnd + 1
	}

	return nil
}
