package resolver

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Store number stripped", "STARBUCKS #1234", "starbucks"},
		{"POS prefix stripped", "POS WHOLEFDS MKT", "wholefds mkt"},
		{"Square prefix stripped", "SQ *JOES COFFEE", "joes coffee"},
		{"Date suffix stripped", "SHELL OIL 01/14", "shell oil"},
		{"Whitespace collapsed", "  Amazon   Mktplace ", "amazon mktplace"},
		{"Compound noise", "POS STARBUCKS #442 12/03", "starbucks"},
		{"Clean input unchanged", "netflix", "netflix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.in)
			if got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"STARBUCKS #1234",
		"SQ *JOES COFFEE",
		"POS AMZN Mktp US*2B4 03/22",
		"plain vendor",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		if once != twice {
			t.Errorf("Canonicalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
