package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// --- Text Extraction Prompts ---
const TextSystemPrompt = "You are a document OCR engine. You read a single page of a scanned or digital document and return its text exactly as printed. You must output your response as valid JSON."
const TextUserPrompt = `Read the provided page and return every line of text on it.

Follow these rules precisely:
1.  Return lines in reading order, top to bottom and left to right.
2.  Copy text exactly. Do not correct spelling, translate, summarize or add text that is not printed on the page.
3.  Skip images that contain no text.
4.  Output a single JSON object of the form {"lines": ["first line", "second line"]}.`

// --- Entity Detection Prompts ---
const EntitySystemPrompt = "You are an entity recognition engine for identity and financial documents. You must output your response as a valid JSON array."

var entityPrompts = map[models.StageName]string{
	models.StageEntityStandard: `Find the named entities in the text below. Use these types: PERSON, LOCATION, ORGANIZATION, COMMERCIAL_ITEM, EVENT, DATE, QUANTITY, TITLE, OTHER.`,
	models.StageEntityPII: `Find the personally identifiable information in the text below. Use these types: NAME, ADDRESS, DATE_TIME, EMAIL, PHONE, SSN, PASSPORT_NUMBER, DRIVER_ID, BANK_ACCOUNT_NUMBER, BANK_ROUTING, CREDIT_DEBIT_NUMBER, AGE.`,
	models.StageEntityMedical: `Find the medical entities in the text below. Use these types: MEDICATION, MEDICAL_CONDITION, TEST_TREATMENT_PROCEDURE, ANATOMY, PROTECTED_HEALTH_INFORMATION.`,
}

const entityOutputRules = `
Output a JSON array with one object per entity occurrence. Each object must have exactly these keys:
- "Type": one of the types above.
- "Text": the entity text exactly as it appears.
- "Score": your confidence between 0 and 1.
- "BeginOffset" and "EndOffset": character offsets of the entity in the text.
Return [] when there are no entities.

Text:
`

// VertexClient holds the pre-configured generative models used by the stage handlers.
type VertexClient struct {
	TextModel   *genai.GenerativeModel
	EntityModel *genai.GenerativeModel
	baseClient  *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	textModel := baseClient.GenerativeModel(modelName)
	textModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TextSystemPrompt)},
	}
	textModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	entityModel := baseClient.GenerativeModel(modelName)
	entityModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(EntitySystemPrompt)},
	}
	entityModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	// Documents legitimately contain personal data the default filters may block.
	safety := []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	textModel.SafetySettings = safety
	entityModel.SafetySettings = safety

	return &VertexClient{
		TextModel:   textModel,
		EntityModel: entityModel,
		baseClient:  baseClient,
	}, nil
}

// ExtractLines returns the text lines of one document page.
func (c *VertexClient) ExtractLines(ctx context.Context, mimeType string, page []byte) ([]string, error) {
	resp, err := c.TextModel.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: page}, genai.Text(TextUserPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	var parsed struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse gemini text response: %w", err)
	}
	return parsed.Lines, nil
}

// DetectEntities returns the entities of the kind a stage looks for.
func (c *VertexClient) DetectEntities(ctx context.Context, stage models.StageName, text string) ([]models.Entity, error) {
	prompt, ok := entityPrompts[stage]
	if !ok {
		return nil, fmt.Errorf("no entity prompt for stage %q", stage)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := c.EntityModel.GenerateContent(ctx, genai.Text(prompt+entityOutputRules+text))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	var entities []models.Entity
	if err := json.Unmarshal([]byte(responseText(resp)), &entities); err != nil {
		return nil, fmt.Errorf("failed to parse gemini entity response: %w", err)
	}
	return entities, nil
}

// responseText concatenates the text parts of the first candidate.
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
	s := strings.TrimSpace(b.String())
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
