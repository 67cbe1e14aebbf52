package domain

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestProvisionalTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"short message kept verbatim", "I don't get friction", "I don't get friction"},
		{"whitespace collapsed", "  why   is\nthe sky\tblue  ", "why is the sky blue"},
		{"empty message", "   ", "New conversation"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ProvisionalTitle(tc.in); got != tc.want {
				t.Errorf("ProvisionalTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestProvisionalTitleTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("osmosis ", 20)
	title := ProvisionalTitle(long)
	if !strings.HasSuffix(title, "…") {
		t.Errorf("long titles must end with an ellipsis, got %q", title)
	}
	if n := utf8.RuneCountInString(title); n > maxProvisionalTitle+1 {
		t.Errorf("title too long: %d runes", n)
	}
}

func TestModalityIsValid(t *testing.T) {
	t.Parallel()

	for _, m := range []Modality{ModalityText, ModalityVoice, ModalityDocument} {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if Modality("video").IsValid() {
		t.Error("unknown modality accepted")
	}
	if Modality("").IsValid() {
		t.Error("empty modality accepted")
	}
}
