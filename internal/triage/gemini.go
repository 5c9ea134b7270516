// README: Gemini-backed triage turning a free-text job description into a service type and urgency.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"homematch/internal/modules/matching"
)

var (
	ErrNoAPIKey       = errors.New("gemini api key not configured")
	ErrUnknownService = errors.New("triage returned an unknown service")
)

// DefaultServices is the catalogue offered to the model when none is configured.
var DefaultServices = []string{
	"plumbing", "electrical", "hvac", "roofing", "locksmith",
	"appliance_repair", "carpentry", "painting", "cleaning", "pest_control",
}

// generator produces raw model text for a prompt.
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

type geminiGenerator struct {
	model *genai.GenerativeModel
}

func (g geminiGenerator) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generation error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response candidates from Gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String(), nil
}

// GeminiClassifier implements matching.Classifier.
type GeminiClassifier struct {
	client   *genai.Client
	gen      generator
	services []string
	log      *zap.Logger
}

func NewGeminiClassifier(ctx context.Context, apiKey, modelName string, services []string, log *zap.Logger) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	// classification wants determinism over variety
	model.SetTemperature(0)

	if len(services) == 0 {
		services = DefaultServices
	}
	return &GeminiClassifier{
		client:   client,
		gen:      geminiGenerator{model: model},
		services: services,
		log:      log.Named("triage"),
	}, nil
}

func (c *GeminiClassifier) Close() error {
	return c.client.Close()
}

func (c *GeminiClassifier) Classify(ctx context.Context, description string) (matching.Classification, error) {
	raw, err := c.gen.generate(ctx, buildPrompt(description, c.services))
	if err != nil {
		return matching.Classification{}, err
	}
	out, err := parseClassification(raw, c.services)
	if err != nil {
		c.log.Warn("unusable triage response", zap.String("raw", raw), zap.Error(err))
		return matching.Classification{}, err
	}
	c.log.Debug("request triaged", zap.String("service", out.Service), zap.String("urgency", string(out.Urgency)))
	return out, nil
}

func buildPrompt(description string, services []string) string {
	return fmt.Sprintf(`Role: You triage home-service job requests for a contractor marketplace.

Pick exactly one service from this list: %s.
Pick an urgency:
- "emergency": active danger or damage right now (flooding, gas smell, sparking, no heat in freezing weather, locked out with a child inside).
- "urgent": needs a visit today but nothing is getting worse by the minute.
- "standard": anything that can be scheduled.

Output JSON Schema:
{"service": "string from the list", "urgency": "standard" | "urgent" | "emergency"}

Job description: %s`, strings.Join(services, ", "), description)
}

type rawClassification struct {
	Service string `json:"service"`
	Urgency string `json:"urgency"`
}

func parseClassification(raw string, services []string) (matching.Classification, error) {
	clean := cleanJSONString(raw)
	var r rawClassification
	if err := json.Unmarshal([]byte(clean), &r); err != nil {
		return matching.Classification{}, fmt.Errorf("failed to parse JSON response: %w. Raw: %s", err, clean)
	}

	service := strings.ToLower(strings.TrimSpace(r.Service))
	if !slices.Contains(services, service) {
		return matching.Classification{}, fmt.Errorf("%w: %q", ErrUnknownService, r.Service)
	}
	urgency, err := matching.ParseUrgency(r.Urgency)
	if err != nil {
		urgency = matching.UrgencyStandard
	}
	return matching.Classification{Service: service, Urgency: urgency}, nil
}

// cleanJSONString removes markdown code blocks if present (e.g. ```json ... ```)
func cleanJSONString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}
