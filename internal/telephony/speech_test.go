package telephony

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSpeakable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "All done", "All done."},
		{"keeps punctuation", "Sure thing!", "Sure thing!"},
		{"emphasis and links", "**Hi** there! See [the docs](https://x.io).", "Hi there! See the docs."},
		{"heading and emoji", "# Weather\nIt's *sunny* 🌞 today", "Weather. It's sunny today."},
		{"code fence dropped", "```\nrm -rf /tmp/x\n```\nDone", "Done."},
		{"autolink", "Visit <https://example.com>", "Visit a link."},
		{"list", "- buy milk\n- call mom", "buy milk. call mom."},
		{"soft break", "first line\nsecond line", "first line second line."},
		{"status emoji", "⏸️ Bot is paused. Send /resume to continue.", "Bot is paused. Send /resume to continue."},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Speakable(tt.in); got != tt.want {
				t.Errorf("Speakable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSpeakable_Truncates(t *testing.T) {
	long := strings.Repeat("This is a sentence. ", 300)
	got := Speakable(long)
	if n := utf8.RuneCountInString(got); n > maxSpeechChars {
		t.Fatalf("got %d chars, want at most %d", n, maxSpeechChars)
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("truncation should end on a sentence: %q", got[len(got)-20:])
	}
}

func TestShouldHangUp(t *testing.T) {
	tests := []struct {
		speech, answer string
		want           bool
	}{
		{"okay bye", "Talk soon.", true},
		{"Goodbye!", "Take care.", true},
		{"please hang up", "Sure.", true},
		{"what's the weather", "Sunny. Goodbye!", true},
		{"maybe later", "Sure.", false},
		{"byebye", "Okay.", false},
		{"what's the weather", "Sunny and warm.", false},
	}
	for _, tt := range tests {
		if got := shouldHangUp(tt.speech, tt.answer); got != tt.want {
			t.Errorf("shouldHangUp(%q, %q) = %v, want %v", tt.speech, tt.answer, got, tt.want)
		}
	}
}
