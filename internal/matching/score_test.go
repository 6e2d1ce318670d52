package matching

import (
	"testing"
	"time"

	"github.com/rawblock/expense-engine/pkg/models"
)

func TestAmountScore(t *testing.T) {
	tests := []struct {
		name      string
		receipt   models.Cents
		candidate models.Cents
		want      float64
		tolerance float64
	}{
		{"Exact match", 2345, 2345, 1.0, 0},
		{"Within two cents", 2345, 2347, 1.0, 0},
		{"Within one dollar", 2345, 2440, 1.0, 0},
		{"Opposite sign debits", 475, -475, 1.0, 0},
		{"Just past tolerance", 2345, 2545, 0.889, 0.001},
		{"Far off", 2345, 9900, 0.0, 0},
		{"Large amount two percent", 100000, 101900, 1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AmountScore(tt.receipt, tt.candidate)
			if diff := got - tt.want; diff > tt.tolerance || diff < -tt.tolerance {
				t.Errorf("AmountScore(%d, %d) = %v, want %v", tt.receipt, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestDateScore(t *testing.T) {
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		b    time.Time
		want float64
	}{
		{"Same day", base, 1.0},
		{"One day apart", base.AddDate(0, 0, 1), 6.0 / 7.0},
		{"Seven days apart", base.AddDate(0, 0, 7), 0.0},
		{"Beyond window", base.AddDate(0, 0, 12), 0.0},
		{"Time of day ignored", base.Add(23 * time.Hour), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DateScore(base, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("DateScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVendorSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"Identical after canonicalization", "STARBUCKS #1234", "starbucks", 1.0, 1.0},
		{"Square prefix vs clean", "SQ *JOES COFFEE", "Joe's Coffee", 0.85, 1.0},
		{"Transposition", "amaozn", "amazon", 0.8, 1.0},
		{"Unrelated", "delta air lines", "starbucks", 0.0, 0.35},
		{"Empty side", "", "starbucks", 0.0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VendorSimilarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("VendorSimilarity(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestDamerauLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "acb", 1}, // adjacent transposition
		{"kitten", "sitting", 3},
		{"ca", "abc", 3}, // OSA, not unrestricted Damerau
	}
	for _, tt := range tests {
		if got := damerauLevenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("damerauLevenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCombineBounds(t *testing.T) {
	if got := Combine(1, 1, 1); got != 100.0 {
		t.Errorf("Combine(1,1,1) = %v, want 100", got)
	}
	if got := Combine(0, 0, 0); got != 0.0 {
		t.Errorf("Combine(0,0,0) = %v, want 0", got)
	}
}

func TestGroupVendorName(t *testing.T) {
	if got := groupVendorName("TWILIO (3 charges)"); got != "TWILIO" {
		t.Errorf("groupVendorName = %q, want TWILIO", got)
	}
	if got := groupVendorName("plain"); got != "plain" {
		t.Errorf("groupVendorName = %q, want plain", got)
	}
}
