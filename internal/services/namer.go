package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/wmcube/echequeflow/internal/models"
)

// Exact legal names driving payer classification.
const (
	payerWMCName          = "WEALTH MANAGEMENT CUBE LIMITED"
	payerNomineeTrustName = "WMC NOMINEE LIMITED-CLIENT TRUST ACCOUNT"
)

// managementFeePayees is the allow-list gating the management-fee suffix.
// Management-fee naming only applies to the OFS counterparty family; trailer
// fees have no such restriction.
var managementFeePayees = map[string]bool{
	"OFS":                               true,
	"OREANA FINANCIAL SERVICES LIMITED": true,
}

var filenameInvalidChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// AliasTable maps canonical payee full names (uppercase, collapsed
// whitespace) to their short display forms. A lookup miss returns the
// original name unchanged. The table is read-only for the duration of a
// batch.
type AliasTable map[string]string

// LoadAliasTable reads the payee mapping CSV ("Full Name","Short Form"
// columns). A missing file yields an empty table, not an error.
func LoadAliasTable(path string) (AliasTable, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return AliasTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open alias table %s: %w", path, err)
	}
	defer f.Close()
	return ParseAliasTable(f)
}

// ParseAliasTable reads alias rows from CSV, skipping the header row.
func ParseAliasTable(r io.Reader) (AliasTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	table := AliasTable{}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse alias table: %w", err)
	}
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "Full Name") {
			continue
		}
		table[normalizePayeeKey(row[0])] = strings.TrimSpace(row[1])
	}
	return table, nil
}

// Resolve returns the short form for a payee, or the name itself when no
// alias exists.
func (t AliasTable) Resolve(payee string) string {
	if short, ok := t[normalizePayeeKey(payee)]; ok {
		return short
	}
	return payee
}

// normalizePayeeKey uppercases and collapses runs of whitespace so lookup is
// insensitive to spacing and case differences in the extracted name.
func normalizePayeeKey(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(name)), " ")
}

// Classify turns an extracted field record into a filing decision. It is a
// pure function of (fields, aliases): identical inputs always produce an
// identical filename, which is what makes re-delivery idempotent.
func Classify(fields *models.ExtractedFields, aliases AliasTable) models.FilingDecision {
	payerClass := classifyPayer(fields.Payer)

	// Trust-account payments are filed under the client's own name; the
	// alias table never applies to them.
	payee := fields.Payee
	if payerClass != models.PayerNomineeTrust {
		payee = aliases.Resolve(payee)
	}
	payee = filenameInvalidChars.ReplaceAllString(payee, "")

	feeClass := classifyFee(fields, payee)

	return models.FilingDecision{
		Filename:   composeFilename(payerClass, feeClass, fields.KeyIdentifier, fields.Currency, payee),
		PayerClass: payerClass,
		FeeClass:   feeClass,
		Payee:      payee,
	}
}

func classifyPayer(payer string) models.PayerClass {
	switch payer {
	case payerWMCName:
		return models.PayerWMC
	case payerNomineeTrustName:
		return models.PayerNomineeTrust
	default:
		return models.PayerOther
	}
}

// classifyFee resolves the fee class with trailer priority: a cheque flagged
// as both trailer and management fee is always Trailer.
func classifyFee(fields *models.ExtractedFields, resolvedPayee string) models.FeeClass {
	if fields.IsTrailerFee {
		return models.FeeTrailer
	}
	if fields.IsManagementFee && managementFeePayees[strings.ToUpper(resolvedPayee)] {
		return models.FeeManagement
	}
	return models.FeeNone
}

func composeFilename(payerClass models.PayerClass, feeClass models.FeeClass, keyID, currency, payee string) string {
	var base, suffix string

	switch payerClass {
	case models.PayerWMC:
		base = fmt.Sprintf("%s WMC-%s", keyID, payee)
	case models.PayerNomineeTrust:
		base = fmt.Sprintf("%s %s %s", currency, keyID, payee)
	default:
		base = fmt.Sprintf("%s_%s_%s", payee, keyID, currency)
	}

	switch feeClass {
	case models.FeeTrailer:
		suffix = "_T"
	case models.FeeManagement:
		suffix = " MF"
	}

	return base + suffix + ".pdf"
}
