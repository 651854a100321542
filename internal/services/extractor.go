package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/wmcube/echequeflow/internal/gcp"
	"github.com/wmcube/echequeflow/internal/models"
	"github.com/wmcube/echequeflow/internal/throttle"
)

var (
	// ErrConfig marks missing recognition credentials or configuration.
	ErrConfig = errors.New("recognition service is not configured")
	// ErrEmptyDocument marks a source document with zero pages.
	ErrEmptyDocument = errors.New("uploaded PDF is empty")
	// ErrMalformedResponse marks a recognition response that could not be
	// parsed as the expected JSON object.
	ErrMalformedResponse = errors.New("malformed recognition response")
)

// MissingFieldsError reports which required fields the recognition response
// lacked. The record is rejected before naming is attempted.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields in recognition response: %s", strings.Join(e.Fields, ", "))
}

// requiredFields must all be present in the recognition response.
var requiredFields = []string{
	"date", "payee", "key_identifier", "payer", "currency",
	"is_trailer_fee", "is_management_fee",
}

// rasterZoom is the upscale factor applied to image inputs before
// submission, preserving small-print fidelity for the model.
const rasterZoom = 4

// Recognizer is the external recognition service: an image or document
// payload plus a prompt in, a JSON-bearing text response out.
type Recognizer interface {
	Recognize(ctx context.Context, mimeType string, data []byte, prompt string) (string, error)
}

// Extractor turns a raw document into a validated field record by preparing
// the first page, submitting it through the rate-limited call controller,
// and validating the response against the required-field contract.
type Extractor struct {
	recognizer     Recognizer
	controller     *throttle.Controller
	promptOverride string
}

// NewExtractor wires a recognizer behind the given retry controller. An
// empty promptOverride selects the standard extraction prompt.
func NewExtractor(recognizer Recognizer, controller *throttle.Controller, promptOverride string) *Extractor {
	return &Extractor{
		recognizer:     recognizer,
		controller:     controller,
		promptOverride: promptOverride,
	}
}

// Extract runs one document through recognition and returns its validated
// field record.
func (e *Extractor) Extract(ctx context.Context, doc models.Document) (*models.ExtractedFields, error) {
	if e.recognizer == nil {
		return nil, ErrConfig
	}

	mimeType, payload, err := preparePage(doc.Raw)
	if err != nil {
		return nil, err
	}

	prompt := gcp.ExtractionPrompt(e.promptOverride)
	raw, err := throttle.Invoke(ctx, e.controller, func() (string, error) {
		return e.recognizer.Recognize(ctx, mimeType, payload, prompt)
	})
	if err != nil {
		return nil, err
	}

	return parseFields(raw)
}

// preparePage isolates what gets submitted to the model: the first page of a
// PDF as a standalone single-page PDF, or a raster attachment upscaled for
// legibility.
func preparePage(raw []byte) (mimeType string, payload []byte, err error) {
	if bytes.HasPrefix(raw, []byte("%PDF")) {
		payload, err = firstPagePDF(raw)
		if err != nil {
			return "", nil, err
		}
		return "application/pdf", payload, nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("document is neither a PDF nor a decodable image: %w", err)
	}
	enlarged := imaging.Resize(img, img.Bounds().Dx()*rasterZoom, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, enlarged, imaging.PNG); err != nil {
		return "", nil, fmt.Errorf("failed to encode enlarged page: %w", err)
	}
	return "image/png", buf.Bytes(), nil
}

func firstPagePDF(raw []byte) ([]byte, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed

	pageCount, err := api.PageCount(bytes.NewReader(raw), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	if pageCount == 0 {
		return nil, ErrEmptyDocument
	}
	if pageCount == 1 {
		return raw, nil
	}

	var firstPage bytes.Buffer
	if err := api.Trim(bytes.NewReader(raw), &firstPage, []string{"1"}, cfg); err != nil {
		return nil, fmt.Errorf("failed to isolate first page: %w", err)
	}
	return firstPage.Bytes(), nil
}

// parseFields parses the model's response as a single JSON object,
// tolerating a fenced-code-block wrapper, and enforces the required-field
// contract before anything downstream sees the record.
func parseFields(raw string) (*models.ExtractedFields, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var present map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &present); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var missing []string
	for _, field := range requiredFields {
		if _, ok := present[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingFieldsError{Fields: missing}
	}

	var fields models.ExtractedFields
	if err := json.Unmarshal([]byte(clean), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	// The prompt owns currency normalization; unrecognized codes pass
	// through so new currencies don't break the pipeline.
	if !models.KnownCurrencies[fields.Currency] {
		slog.Debug("Currency outside the known code set, accepting verbatim.", "currency", fields.Currency)
	}

	return &fields, nil
}
