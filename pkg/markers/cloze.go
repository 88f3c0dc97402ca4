package markers

import "strings"

// ClozeMark is one {{...}} occurrence. Payload may span lines. ID is empty
// for a marker that has not been assigned one yet.
type ClozeMark struct {
	Start   int
	End     int
	ID      string
	Payload string
}

// Span returns the byte range the marker covers in the scanned text.
func (m ClozeMark) Span() (start, end int) { return m.Start, m.End }

// CarriedID returns the id parsed from the text, empty when unminted.
func (m ClozeMark) CarriedID() string { return m.ID }

// Render produces the canonical text for the marker with id embedded:
// {{payload ^c-...}}. Rendering a scanned canonical marker reproduces it
// byte for byte, which is what makes reconciliation idempotent.
func (m ClozeMark) Render(id string) string {
	if m.Payload == "" {
		return "{{^" + id + "}}"
	}
	return "{{" + m.Payload + " ^" + id + "}}"
}

// ScanClozes scans the full text for {{...}} markers in document order.
// Braces do not nest; an unclosed opener is ignored.
func ScanClozes(text string) []ClozeMark {
	s := scanner{text: text, n: len(text)}
	var marks []ClozeMark
	i := 0

	for i < s.n {
		next := strings.Index(text[i:], "{{")
		if next == -1 {
			break
		}
		i += next

		if m := s.tryCloze(i); m != nil {
			marks = append(marks, *m)
			i = m.End
			continue
		}
		i += 2
	}

	return marks
}

func (s *scanner) tryCloze(start int) *ClozeMark {
	// Assumes text[start:start+2] == "{{". Find the closing braces.
	end := -1
	for k := start + 2; k+1 < s.n; k++ {
		if s.text[k] == '}' && s.text[k+1] == '}' {
			end = k + 2
			break
		}
	}
	if end == -1 {
		return nil
	}

	inner := s.text[start+2 : end-2]

	id := ""
	payload := inner
	if tok, at := lastToken(inner); at >= 0 {
		if parsed, ok := ParseIDToken(tok, ClozeIDPrefix); ok {
			id = parsed
			payload = inner[:at]
		}
	}
	payload = trimSpace(payload)

	// {{}} carries nothing to track.
	if payload == "" && id == "" {
		return nil
	}

	return &ClozeMark{
		Start:   start,
		End:     end,
		ID:      id,
		Payload: payload,
	}
}
