// Package matching pairs receipts with statement transactions or groups
// using a two-sided deterministic scorer with ambiguity detection.
package matching

import (
	"math"
	"regexp"
	"time"

	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// Component weights. Score = (0.40·amount + 0.35·date + 0.25·vendor) × 100.
const (
	weightAmount = 0.40
	weightDate   = 0.35
	weightVendor = 0.25
)

const dateWindowDays = 7

// AmountScore earns full credit within 2% of the receipt amount or $1,
// whichever is larger, then decays linearly to zero at 10x that tolerance.
func AmountScore(receipt, candidate models.Cents) float64 {
	tol := float64(receipt.Abs()) * 0.02
	if tol < 100 {
		tol = 100
	}
	delta := math.Abs(float64(receipt.Abs()) - float64(candidate.Abs()))
	if delta <= tol {
		return 1.0
	}
	score := 1.0 - (delta-tol)/(9.0*tol)
	if score < 0 {
		return 0
	}
	return score
}

// DateScore decays linearly over the seven-day window.
func DateScore(a, b time.Time) float64 {
	days := math.Abs(dateOnly(a).Sub(dateOnly(b)).Hours()) / 24.0
	score := 1.0 - days/float64(dateWindowDays)
	if score < 0 {
		return 0
	}
	return score
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// VendorSimilarity is the Damerau-Levenshtein similarity of the two
// canonicalized vendor strings, in [0,1].
func VendorSimilarity(a, b string) float64 {
	ca := resolver.Canonicalize(a)
	cb := resolver.Canonicalize(b)
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return 1.0
	}
	dist := damerauLevenshtein(ca, cb)
	longest := len([]rune(ca))
	if l := len([]rune(cb)); l > longest {
		longest = l
	}
	return 1.0 - float64(dist)/float64(longest)
}

// damerauLevenshtein computes edit distance with adjacent transpositions
// (optimal string alignment) over runes.
func damerauLevenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			best := del
			if ins < best {
				best = ins
			}
			if sub < best {
				best = sub
			}
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if tr := prev2[j-2] + 1; tr < best {
					best = tr
				}
			}
			cur[j] = best
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(rb)]
}

// Group names carry member annotations, e.g. "TWILIO (3 charges)".
var groupAnnotationRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// groupVendorName strips the trailing annotation so a group scores on its
// vendor part alone.
func groupVendorName(name string) string {
	return groupAnnotationRe.ReplaceAllString(name, "")
}

// Combine folds the three component scores into the 0-100 scale.
func Combine(amount, date, vendor float64) float64 {
	return (weightAmount*amount + weightDate*date + weightVendor*vendor) * 100.0
}
