package models

// NextStep is the follow-up action the recognition model recommends for a
// cheque, derived from its remarks and currency.
type NextStep string

const (
	NextStepProcessPayment NextStep = "Process Payment"
	NextStepManualReview   NextStep = "Flag for Manual Review"
)

// ExtractedFields is the normalized field record returned by the recognition
// model for a single e-cheque. The JSON tags match the schema the model is
// prompted with.
//
// Date, Payee, Payer, Currency, KeyIdentifier, IsTrailerFee and
// IsManagementFee are required; a response missing any of them is rejected
// before naming is attempted.
type ExtractedFields struct {
	BankName        string   `json:"bank_name,omitempty"`
	Date            string   `json:"date"`
	Payee           string   `json:"payee"`
	Payer           string   `json:"payer"`
	AmountNumerical string   `json:"amount_numerical,omitempty"`
	AmountWords     string   `json:"amount_words,omitempty"`
	ChequeNumber    string   `json:"cheque_number,omitempty"`
	KeyIdentifier   string   `json:"key_identifier"`
	Currency        string   `json:"currency"`
	Remarks         string   `json:"remarks,omitempty"`
	IsTrailerFee    bool     `json:"is_trailer_fee"`
	IsManagementFee bool     `json:"is_management_fee"`
	NextStep        NextStep `json:"next_step"`
}

// KnownCurrencies is the code set the extraction prompt normalizes to.
// Codes outside this set are accepted verbatim rather than rejected.
var KnownCurrencies = map[string]bool{
	"CNY": true,
	"USD": true,
	"HKD": true,
	"EUR": true,
	"GBP": true,
}
