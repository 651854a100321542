package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/wmcube/echequeflow/internal/throttle"
)

// --- Extractor Model Prompts ---
const ExtractorSystemPrompt = "You are a financial document parser. Your task is to read a scanned e-cheque and extract its fields as structured JSON. Accuracy and faithfulness to the printed content are of utmost importance."

const ExtractorUserPrompt = `Extract the following information from this e-cheque and return it as JSON. For the currency field,
please normalize it according to these rules:
- '¥' or '￥' or 'RMB' should be normalized to 'CNY'
- '$' or 'USD' or 'US$' should be normalized to 'USD'
- 'HK$' or 'HKD' should be normalized to 'HKD'
- '€' should be normalized to 'EUR'
- '£' should be normalized to 'GBP'

Also, analyze the remarks field to determine if this is:
1. A trailer fee payment (includes any mention of trailer, rebate for trailer, etc.)
2. A management fee payment (only for OFS/Oreana Financial Services, includes managed services fee, management fee, etc.)

Schema:
{
  "type": "object",
  "properties": {
    "bank_name": { "type": "string", "description": "The name of the bank issuing the e-cheque." },
    "date": { "type": "string", "format": "date", "description": "The date the e-cheque was issued (YYYY-MM-DD)." },
    "payee": { "type": "string", "description": "The name of the person or entity to whom the e-cheque is payable." },
    "payer": { "type": "string", "description": "The name of the account the funds are drawn from." },
    "amount_numerical": { "type": "string", "description": "The amount of the e-cheque in numerical form (e.g., 66969.77)." },
    "amount_words": { "type": "string", "description": "The amount of the e-cheque in words." },
    "cheque_number": { "type": "string", "description": "The full cheque number, including all digits and spaces." },
    "key_identifier": { "type": "string", "description": "The first six digits of the cheque number." },
    "currency": { "type": "string", "description": "The normalized currency code (CNY, USD, HKD, EUR, GBP)"},
    "remarks": { "type": "string", "description": "The remark of the e-cheque"},
    "is_trailer_fee": { "type": "boolean", "description": "True if this is a trailer fee payment based on remarks" },
    "is_management_fee": { "type": "boolean", "description": "True if this is a management fee payment for OFS/Oreana" },
    "next_step": { "type": "string" }
  },
  "required": ["date", "payee", "amount_numerical", "key_identifier", "payer", "next_step", "is_trailer_fee", "is_management_fee"]
}

Rules for next_step determination:
1. If the 'remarks' field contains "URGENT", set 'next_step' to 'Flag for Manual Review'
2. If the 'currency' is not 'HKD', set 'next_step' to 'Flag for Manual Review'
3. Otherwise, set 'next_step' to 'Process Payment'

Return only the JSON object with no additional text or formatting.`

// ExtractionPrompt returns the prompt submitted with each document. An
// override replaces the default wholesale.
func ExtractionPrompt(override string) string {
	if override != "" {
		return override
	}
	return ExtractorUserPrompt
}

// VertexClient holds the pre-configured extraction model.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates the client and configures the extractor model for
// deterministic JSON output.
func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel("gemini-2.0-flash")
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

// Recognize submits the document payload and prompt to the extraction model
// and returns the raw text of the response. An empty response is reported as
// throttle.ErrEmptyResult so the caller's retry controller treats it as
// transient.
func (c *VertexClient) Recognize(ctx context.Context, mimeType string, data []byte, prompt string) (string, error) {
	resp, err := c.ExtractorModel.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini response carried no text: %w", throttle.ErrEmptyResult)
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
