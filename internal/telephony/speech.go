package telephony

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxSpeechChars keeps a <Say> well under Twilio's 4096 character cap.
const maxSpeechChars = 3000

var markdown = goldmark.New()

// Speakable converts a markdown reply into text a speech engine can read
// aloud: formatting, link targets, code fences and emoji are dropped and
// blocks are joined into sentences.
func Speakable(md string) string {
	source := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var blocks []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			blocks = append(blocks, s)
		}
		sb.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(n.Segment.Value(source))
				if n.SoftLineBreak() || n.HardLineBreak() {
					sb.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(n.Value)
			}
		case *ast.CodeSpan:
			// Children are Text nodes; nothing to add.
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				flush()
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			if entering {
				sb.WriteString("a link")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		default:
			if n.Type() == ast.TypeBlock && !entering {
				flush()
			}
		}
		return ast.WalkContinue, nil
	})
	flush()

	for i, b := range blocks {
		b = cleanSpeech(b)
		if b != "" && !endsSentence(b) {
			b += "."
		}
		blocks[i] = b
	}
	out := strings.Join(strings.Fields(strings.Join(blocks, " ")), " ")
	return truncateSpeech(out, maxSpeechChars)
}

// cleanSpeech drops symbols a voice would read out literally or choke
// on, such as emoji.
func cleanSpeech(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\uFE0F' || r == '\u200D':
			return -1
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r):
			return -1
		case r == '*' || r == '_' || r == '`' || r == '#' || r == '|':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?:;", r)
}

func truncateSpeech(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	cut := []rune(s)[:max]
	if i := strings.LastIndexAny(string(cut), ".!?"); i > 0 {
		return string(cut)[:i+1]
	}
	return string(cut)
}
