package models

import (
	"time"

	"github.com/google/uuid"
)

// OCR lifecycle of a receipt upload.
type OCRStatus string

const (
	OCRPending    OCRStatus = "pending"
	OCRProcessing OCRStatus = "processing"
	OCRExtracted  OCRStatus = "extracted"
	OCRFailed     OCRStatus = "failed"
)

// MatchStatus tracks which side of the receipt/transaction pairing an
// entity currently sits on.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "unmatched"
	MatchProposed  MatchStatus = "proposed"
	MatchMatched   MatchStatus = "matched"
)

// Reimbursability provenance on a transaction.
const (
	ReimbSourceNone       = "none"
	ReimbSourcePrediction = "prediction"
	ReimbSourceOverride   = "override"
)

type LineItem struct {
	Description string  `json:"description"`
	Qty         float64 `json:"qty"`
	UnitPrice   Cents   `json:"unitPrice"`
}

// Receipt is an uploaded receipt image plus its extracted fields.
// Invariant: OCRStatus == extracted implies Amount != nil and Date != nil.
type Receipt struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"userId"`
	BlobRef         string             `json:"blobRef"`
	OCRStatus       OCRStatus          `json:"ocrStatus"`
	Vendor          string             `json:"vendorExtracted"`
	Date            *time.Time         `json:"date,omitempty"`
	Amount          *Cents             `json:"amount,omitempty"`
	Tax             Cents              `json:"tax"`
	Currency        string             `json:"currency"`
	FieldConfidence map[string]float64 `json:"confidenceByField,omitempty"`
	LineItems       []LineItem         `json:"lineItems,omitempty"`
	MatchStatus     MatchStatus        `json:"matchStatus"`
	RowVersion      int64              `json:"rowVersion"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// Transaction is a single parsed bank-statement row.
type Transaction struct {
	ID                    uuid.UUID   `json:"id"`
	UserID                uuid.UUID   `json:"userId"`
	StatementID           uuid.UUID   `json:"statementId"`
	Description           string      `json:"description"`
	MerchantRaw           string      `json:"merchantRaw"`
	Amount                Cents       `json:"amount"`
	Date                  time.Time   `json:"date"`
	PostDate              *time.Time  `json:"postDate,omitempty"`
	GroupID               *uuid.UUID  `json:"groupId,omitempty"`
	MatchStatus           MatchStatus `json:"matchStatus"`
	MatchedReceiptID      *uuid.UUID  `json:"matchedReceiptId,omitempty"`
	CategoryCode          string      `json:"categoryCode,omitempty"`
	ReimbursabilitySource string      `json:"reimbursabilitySource"`
	DedupKey              string      `json:"-"`
	RowVersion            int64       `json:"rowVersion"`
}

// TransactionGroup bundles related charges (e.g. a vendor billing in parts)
// so they can be matched against a single receipt.
// Invariant: CombinedAmount equals the member sum to within one cent.
type TransactionGroup struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"userId"`
	Name             string      `json:"name"`
	DisplayDate      time.Time   `json:"displayDate"`
	CombinedAmount   Cents       `json:"combinedAmount"`
	MembersCount     int         `json:"membersCount"`
	MatchStatus      MatchStatus `json:"matchStatus"`
	MatchedReceiptID *uuid.UUID  `json:"matchedReceiptId,omitempty"`
	RowVersion       int64       `json:"rowVersion"`
}

type ProposalStatus string

const (
	ProposalProposed  ProposalStatus = "proposed"
	ProposalConfirmed ProposalStatus = "confirmed"
	ProposalRejected  ProposalStatus = "rejected"
)

// ReceiptTransactionMatch links a receipt to exactly one transaction XOR one
// group. The DB enforces the XOR with a CHECK constraint and at-most-one
// confirmed match per side with partial unique indexes.
type ReceiptTransactionMatch struct {
	ID                 uuid.UUID      `json:"id"`
	ReceiptID          uuid.UUID      `json:"receiptId"`
	TransactionID      *uuid.UUID     `json:"transactionId,omitempty"`
	TransactionGroupID *uuid.UUID     `json:"transactionGroupId,omitempty"`
	Status             ProposalStatus `json:"status"`
	Confidence         float64        `json:"confidence"`
	AmountScore        float64        `json:"amountScore"`
	DateScore          float64        `json:"dateScore"`
	VendorScore        float64        `json:"vendorScore"`
	Reason             string         `json:"reason"`
	IsManual           bool           `json:"isManual"`
	ConfirmedAt        *time.Time     `json:"confirmedAt,omitempty"`
	RowVersion         int64          `json:"rowVersion"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// Statement is one imported bank-statement file and its outcome counts.
type Statement struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"userId"`
	Filename      string    `json:"filename"`
	FileHash      string    `json:"fileHash"`
	FingerprintID uuid.UUID `json:"fingerprintId"`
	RowsImported  int       `json:"rowsImported"`
	RowsDuplicate int       `json:"rowsDuplicate"`
	RowsFailed    int       `json:"rowsFailed"`
	ImportedAt    time.Time `json:"importedAt"`
}

// RowError preserves a statement row that failed to parse, raw text plus
// the reason, so the user can repair it by hand.
type RowError struct {
	ID          uuid.UUID `json:"id"`
	StatementID uuid.UUID `json:"statementId"`
	RowIdx      int       `json:"rowIdx"`
	Raw         string    `json:"raw"`
	Reason      string    `json:"reason"`
}

// ColumnMapping assigns statement columns to transaction fields.
// Column indexes are zero-based; -1 means the column is absent.
type ColumnMapping struct {
	DateCol        int    `json:"dateCol"`
	PostDateCol    int    `json:"postDateCol"`
	DescriptionCol int    `json:"descriptionCol"`
	MerchantCol    int    `json:"merchantCol"`
	AmountCol      int    `json:"amountCol"`
	DateLocale     string `json:"dateLocale"` // "iso", "us" or "eu"
}

// Sign conventions for the amount column.
const (
	SignDebitsNegative = "debits_negative"
	SignDebitsPositive = "debits_positive"
)

// StatementFingerprint is the content-independent identity of a statement
// file's shape: header labels plus sample-cell type signature, never values.
type StatementFingerprint struct {
	ID              uuid.UUID     `json:"id"`
	FileHash        string        `json:"fileHash"`
	Mapping         ColumnMapping `json:"columnMapping"`
	HeaderRowIdx    int           `json:"headerRowIdx"`
	SignConvention  string        `json:"amountColumnSignConvention"`
	Verified        bool          `json:"verified"`
	CreatedByUserID uuid.UUID     `json:"createdByUserId"`
	Uses            int           `json:"uses"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// VendorAlias maps a raw vendor pattern to its canonical name, written on
// user confirmation so future matching and categorization resolve for free.
type VendorAlias struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              uuid.UUID  `json:"userId"`
	Pattern             string     `json:"vendorPattern"`
	IsRegex             bool       `json:"isRegex"`
	CanonicalVendor     string     `json:"canonicalVendor"`
	DefaultCategoryCode string     `json:"defaultCategoryCode,omitempty"`
	ConfirmedByUserID   uuid.UUID  `json:"confirmedByUserId"`
	ConfirmedAt         *time.Time `json:"confirmedAt,omitempty"`
}

// Embedding subject kinds.
const (
	SubjectDescription = "description"
	SubjectVendor      = "vendor"
	SubjectReceiptLine = "receipt_line"
)

// ExpenseEmbedding is a verified vector seed for the similarity tier.
type ExpenseEmbedding struct {
	ID             uuid.UUID  `json:"id"`
	UserID         *uuid.UUID `json:"userId,omitempty"` // nil means global
	SubjectKind    string     `json:"subjectKind"`
	SubjectText    string     `json:"subjectText"`
	Vector         []float32  `json:"-"`
	Answer         string     `json:"answer"`
	CategoryCode   string     `json:"categoryCode,omitempty"`
	VerifiedByUser bool       `json:"verifiedByUser"`
	VerifiedAt     time.Time  `json:"verifiedAt"`
	StaleAfter     time.Time  `json:"staleAfter"`
}

// GLCode is one general-ledger account from the reference chart, synced
// from the upstream ERP and offered to the resolver as category context.
type GLCode struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type Allocation struct {
	GLCode   string  `json:"glCode"`
	DeptCode string  `json:"deptCode"`
	Pct      float64 `json:"pct"`
}

// SplitPattern allocates a vendor's charges across GL/department codes.
type SplitPattern struct {
	ID            uuid.UUID    `json:"id"`
	UserID        uuid.UUID    `json:"userId"`
	TriggerVendor string       `json:"triggerVendor"`
	Allocations   []Allocation `json:"allocations"`
}

// Validate enforces the allocation-sum invariant: |Σ pct − 100| ≤ 0.01.
func (p SplitPattern) Validate() error {
	if p.TriggerVendor == "" {
		return E(KindValidation, "split pattern requires a trigger vendor")
	}
	if len(p.Allocations) == 0 {
		return E(KindValidation, "split pattern requires at least one allocation")
	}
	var sum float64
	for _, a := range p.Allocations {
		if a.GLCode == "" {
			return E(KindValidation, "allocation missing gl code")
		}
		if a.Pct <= 0 {
			return E(KindValidation, "allocation pct must be positive")
		}
		sum += a.Pct
	}
	if diff := sum - 100.0; diff > 0.01 || diff < -0.01 {
		return E(KindValidation, "allocation pcts sum to %.2f, want 100", sum)
	}
	return nil
}

// PredictionFeedback is an append-only training record. Rows are immutable
// after insert and retained indefinitely.
type PredictionFeedback struct {
	ID        uuid.UUID `json:"id"`
	SubjectID uuid.UUID `json:"subjectId"`
	Field     string    `json:"field"`
	Original  string    `json:"original"`
	Corrected string    `json:"corrected"`
	UserID    uuid.UUID `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
