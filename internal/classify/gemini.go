package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"tally/internal/core"
)

// DefaultModelName is the Gemini model used when none is configured.
const DefaultModelName = "gemini-2.0-flash"

// GeminiClassifier asks a Gemini model to pick a category for a
// transaction. Temperature is pinned to zero so repeated calls with the
// same model state and input return the same verdict.
type GeminiClassifier struct {
	client *genai.Client
	model  string
}

// NewGeminiClassifier creates a classifier backed by the GenAI API.
// Credentials come from the environment (GOOGLE_API_KEY or ADC).
func NewGeminiClassifier(ctx context.Context, model string) (*GeminiClassifier, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiClassifier{client: client, model: model}, nil
}

type geminiVerdict struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classify implements Classifier. Model failures and unusable responses
// are reported as ErrUnavailable so the engine can degrade to Unresolved.
func (g *GeminiClassifier) Classify(ctx context.Context, tx core.Transaction, candidates []core.CategoryID) (Result, error) {
	prompt := buildPrompt(tx, candidates)

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: generate content: %v", ErrUnavailable, err)
	}
	raw := resp.Text()
	if raw == "" {
		return Result{}, fmt.Errorf("%w: empty model response", ErrUnavailable)
	}

	var verdict geminiVerdict
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &verdict); err != nil {
		return Result{}, fmt.Errorf("%w: unmarshal verdict: %v", ErrUnavailable, err)
	}

	cat := core.CategoryID(strings.TrimSpace(verdict.Category))
	if !contains(candidates, cat) {
		slog.WarnContext(ctx, "Model returned category outside the taxonomy",
			"category", verdict.Category,
			"transaction_id", tx.ID)
		return Result{}, fmt.Errorf("%w: category %q not in taxonomy", ErrUnavailable, verdict.Category)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v out of range", ErrUnavailable, verdict.Confidence)
	}

	return Result{Category: cat, Confidence: verdict.Confidence}, nil
}

func buildPrompt(tx core.Transaction, candidates []core.CategoryID) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = string(c)
	}
	var b strings.Builder
	b.WriteString("You are a financial assistant that categorizes expense transactions.\n")
	b.WriteString("Pick exactly one category id from this list:\n")
	b.WriteString(strings.Join(ids, ", "))
	b.WriteString("\n\nTransaction description: \"")
	b.WriteString(tx.Description)
	b.WriteString("\"\nAmount: ")
	b.WriteString(tx.Amount.String())
	b.WriteString("\n\nReturn ONLY valid raw JSON of the form ")
	b.WriteString(`{"category": "<id>", "confidence": <0..1>}.`)
	b.WriteString("\nDo NOT wrap the response in code fences.\n")
	return b.String()
}

// cleanModelJSON strips Markdown fences when the model ignores the
// plain-JSON instruction.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func contains(ids []core.CategoryID, id core.CategoryID) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}
