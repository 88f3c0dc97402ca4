package markers

import "strings"

// Wikilink is one [[Target]] or [[Target|Label]] reference. Wikilinks are
// read-only input for the link index; they carry no ids.
type Wikilink struct {
	Start  int
	End    int
	Target string
	Label  string
}

// ScanWikilinks scans the full text for [[...]] references in document order.
func ScanWikilinks(text string) []Wikilink {
	s := scanner{text: text, n: len(text)}
	var links []Wikilink
	i := 0

	for i < s.n {
		next := strings.Index(text[i:], "[[")
		if next == -1 {
			break
		}
		i += next

		if l := s.tryWikilink(i); l != nil {
			links = append(links, *l)
			i = l.End
			continue
		}
		i += 2
	}

	return links
}

func (s *scanner) tryWikilink(start int) *Wikilink {
	end := -1
	for k := start + 2; k+1 < s.n; k++ {
		if s.text[k] == ']' && s.text[k+1] == ']' {
			end = k + 2
			break
		}
	}
	if end == -1 {
		return nil
	}

	content := s.text[start+2 : end-2]
	parts := strings.SplitN(content, "|", 2)

	target := trimSpace(parts[0])
	if target == "" {
		return nil
	}

	label := target
	if len(parts) > 1 {
		label = trimSpace(parts[1])
	}

	return &Wikilink{
		Start:  start,
		End:    end,
		Target: target,
		Label:  label,
	}
}
