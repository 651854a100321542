package models

// PayerClass buckets the paying entity by exact match on its legal name. It
// selects which filename template and destination folder apply.
type PayerClass string

const (
	PayerWMC          PayerClass = "WMC"
	PayerNomineeTrust PayerClass = "NomineeTrust"
	PayerOther        PayerClass = "Other"
)

// FeeClass classifies the payment's purpose from the extracted fee flags.
// Trailer takes priority over Management when both flags are set.
type FeeClass string

const (
	FeeNone       FeeClass = "None"
	FeeTrailer    FeeClass = "Trailer"
	FeeManagement FeeClass = "Management"
)

// FolderClass is the destination folder bucket resolved from a generated
// filename. Resolution never fails; unmatched names fall back to the WMC
// e-cheque folder.
type FolderClass string

const (
	FolderWMCEcheque     FolderClass = "WmcEcheque"
	FolderNomineeEcheque FolderClass = "NomineeEcheque"
)

// FilingDecision is the naming engine's output: a deterministic function of
// the extracted fields and the payee alias table.
type FilingDecision struct {
	Filename   string
	PayerClass PayerClass
	FeeClass   FeeClass
	// Payee is the resolved (aliased and sanitized) payee name used in the
	// filename.
	Payee string
}

// DeliveryReport is the per-document outcome of one batch attempt.
type DeliveryReport struct {
	SourceID string
	Filename string
	Folder   FolderClass
	NextStep NextStep
	Success  bool
	Skipped  bool
}

// Failure records a per-document stage error. Failures never abort the
// batch; they are collected and returned alongside the successes.
type Failure struct {
	SourceID string
	Err      error
}

// Progress is the notification emitted after each document in a batch,
// regardless of outcome.
type Progress struct {
	Current int
	Total   int
	Message string
}
