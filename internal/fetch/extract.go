package fetch

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hidden elements contribute no text. Page chrome (nav, header, footer)
// is dropped so the character budget goes to the article itself.
var hidden = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// readable streams an HTML document and returns its title and visible
// text, cut to at most maxChars runes. The tokenizer stops as soon as the
// budget is spent, so large pages are never fully walked.
func readable(r io.Reader, maxChars int) (title, text string, truncated bool) {
	z := html.NewTokenizer(r)
	out := &budgetWriter{max: maxChars}

	var (
		depth   int // open hidden elements
		inTitle bool
		titleB  strings.Builder
	)

	for !out.full {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			out.flush()
			return strings.TrimSpace(collapse(titleB.String())), out.String(), out.full

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if hidden[a] {
				if tt == html.StartTagToken {
					depth++
				}
				continue
			}
			if a == atom.Title && tt == html.StartTagToken {
				inTitle = true
				continue
			}
			if depth > 0 {
				continue
			}
			switch {
			case a == atom.Li:
				out.breakLine(1)
				out.inline("- ")
			case a == atom.Br:
				out.breakLine(1)
			case isBlock(a):
				out.breakLine(2)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if hidden[a] {
				depth = max(depth-1, 0)
				continue
			}
			if a == atom.Title {
				inTitle = false
				continue
			}
			if depth == 0 && (a == atom.Li || isBlock(a)) {
				out.breakLine(1)
			}

		case html.TextToken:
			switch {
			case inTitle:
				titleB.Write(z.Text())
			case depth == 0:
				out.inline(string(z.Text()))
			}
		}
	}
	return strings.TrimSpace(collapse(titleB.String())), out.String(), true
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// collapse folds runs of whitespace into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// budgetWriter accumulates text under a rune budget. Inline text is
// buffered until the next line break so words split across inline tags
// are joined without stray spaces.
type budgetWriter struct {
	b       strings.Builder
	pending strings.Builder
	runes   int
	max     int
	// brk is the break owed before the next word: 0 none, 1 newline,
	// 2 blank line.
	brk  int
	full bool
}

func (w *budgetWriter) inline(s string) {
	w.pending.WriteString(s)
}

func (w *budgetWriter) breakLine(n int) {
	w.flush()
	if w.b.Len() > 0 {
		w.brk = max(w.brk, n)
	}
}

func (w *budgetWriter) flush() {
	line := collapse(w.pending.String())
	w.pending.Reset()
	if line == "" || w.full {
		return
	}

	sep := ""
	if w.b.Len() > 0 {
		switch w.brk {
		case 2:
			sep = "\n\n"
		case 1:
			sep = "\n"
		default:
			sep = " "
		}
	}
	w.brk = 0

	room := w.max - w.runes - utf8.RuneCountInString(sep)
	if room <= 0 {
		w.full = true
		return
	}
	w.b.WriteString(sep)
	w.runes += utf8.RuneCountInString(sep)

	if n := utf8.RuneCountInString(line); n > room {
		line = truncateUTF8(line, room)
		w.full = true
	}
	w.b.WriteString(line)
	w.runes += utf8.RuneCountInString(line)
}

func (w *budgetWriter) String() string {
	return w.b.String()
}
