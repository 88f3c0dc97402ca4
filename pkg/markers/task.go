package markers

import "strings"

// TaskMark is one "- [ ]" / "- [x]" checkbox line. The grammar is strictly
// line-oriented: the payload cannot span lines and the id token terminates
// the line. Indentation is preserved.
type TaskMark struct {
	Start  int
	End    int
	ID     string
	Indent string
	Done   bool
	Text   string
}

// Span returns the byte range the line covers in the scanned text.
func (m TaskMark) Span() (start, end int) { return m.Start, m.End }

// CarriedID returns the id parsed from the line, empty when unminted.
func (m TaskMark) CarriedID() string { return m.ID }

// Render produces the canonical line with id embedded:
// "<indent>- [x] text ^t-...". A checked box always renders lowercase.
func (m TaskMark) Render(id string) string {
	box := " "
	if m.Done {
		box = "x"
	}
	line := m.Indent + "- [" + box + "]"
	if m.Text != "" {
		line += " " + m.Text
	}
	return line + " ^" + id
}

// ScanTasks scans text line by line for checkbox markers in document order.
func ScanTasks(text string) []TaskMark {
	var marks []TaskMark

	lineStart := 0
	for lineStart <= len(text) {
		rel := strings.IndexByte(text[lineStart:], '\n')
		lineEnd := len(text)
		if rel != -1 {
			lineEnd = lineStart + rel
		}

		if m := tryTask(text[lineStart:lineEnd], lineStart); m != nil {
			marks = append(marks, *m)
		}

		if rel == -1 {
			break
		}
		lineStart = lineEnd + 1
	}

	return marks
}

func tryTask(line string, offset int) *TaskMark {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	indent := line[:i]

	// "- [" + box + "]"
	if i+4 >= len(line) || line[i] != '-' || line[i+1] != ' ' || line[i+2] != '[' || line[i+4] != ']' {
		return nil
	}

	var done bool
	switch line[i+3] {
	case ' ':
		done = false
	case 'x', 'X':
		done = true
	default:
		return nil
	}

	// After "]" the line must end or continue with a space.
	rest := ""
	switch {
	case i+5 == len(line):
	case line[i+5] == ' ':
		rest = line[i+6:]
	default:
		return nil
	}

	id := ""
	text := rest
	if tok, at := lastToken(rest); at >= 0 {
		if parsed, ok := ParseIDToken(tok, TaskIDPrefix); ok {
			id = parsed
			text = rest[:at]
		}
	}
	text = trimSpace(text)

	return &TaskMark{
		Start:  offset,
		End:    offset + len(line),
		ID:     id,
		Indent: indent,
		Done:   done,
		Text:   text,
	}
}
