package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rawblock/expense-engine/pkg/models"
)

// Prompt builders for the LLM tiers. The large tier always receives the
// richer variant with whatever context the caller attached.

const answerShape = `Respond with only a JSON object: {"value": <answer>, "confidence": <0..1>}.`

func vendorPrompt(canonical string, ctx map[string]string, tier models.Tier) string {
	var b strings.Builder
	b.WriteString("Normalize this bank-statement merchant string to the vendor's proper display name.\n")
	fmt.Fprintf(&b, "Raw merchant string: %q\n", canonical)
	if tier == models.TierLarge {
		b.WriteString("The string may contain processor prefixes (SQ, TST, PAYPAL), store numbers and city/state suffixes. ")
		b.WriteString("Prefer the consumer-facing brand name with standard capitalization and punctuation.\n")
		writeContext(&b, ctx)
	}
	b.WriteString(answerShape)
	b.WriteString(` "value" must be the vendor name string.`)
	return b.String()
}

func glCodePrompt(canonical string, ctx map[string]string, tier models.Tier) string {
	var b strings.Builder
	b.WriteString("Suggest the general-ledger category code for this expense vendor.\n")
	fmt.Fprintf(&b, "Vendor: %q\n", canonical)
	if codes, ok := ctx["gl_codes"]; ok {
		fmt.Fprintf(&b, "Valid codes: %s\n", codes)
	}
	if tier == models.TierLarge {
		b.WriteString("Reason about the vendor's line of business before choosing. If several codes fit, pick the most specific.\n")
		writeContext(&b, ctx)
	}
	b.WriteString(answerShape)
	b.WriteString(` "value" must be one code string.`)
	return b.String()
}

func columnMappingPrompt(canonical string, ctx map[string]string, tier models.Tier) string {
	var b strings.Builder
	b.WriteString("Map the columns of this bank-statement export to transaction fields.\n")
	fmt.Fprintf(&b, "Header row: %s\n", canonical)
	if sample, ok := ctx["sample_rows"]; ok {
		fmt.Fprintf(&b, "Sample rows:\n%s\n", sample)
	}
	b.WriteString("Use zero-based column indexes, -1 for absent fields. ")
	b.WriteString(`"value" must be an object {"date_col", "post_date_col", "description_col", "merchant_col", "amount_col", "date_locale", "sign_convention"} ` +
		`where date_locale is "iso", "us" or "eu" and sign_convention is "debits_negative" or "debits_positive".` + "\n")
	if tier == models.TierLarge {
		b.WriteString("Inspect the sample rows to decide the date locale and whether debits appear positive or negative.\n")
		writeContext(&b, ctx)
	}
	b.WriteString(answerShape)
	return b.String()
}

func writeContext(b *strings.Builder, ctx map[string]string) {
	if len(ctx) == 0 {
		return
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		if k == "sample_rows" || k == "gl_codes" {
			continue // already rendered
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %s\n", k, ctx[k])
	}
}
