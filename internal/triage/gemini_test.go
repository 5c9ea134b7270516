package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"homematch/internal/modules/matching"
)

type fakeGenerator struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeGenerator) generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    matching.Classification
		wantErr error
	}{
		{"plain", `{"service":"plumbing","urgency":"emergency"}`, matching.Classification{Service: "plumbing", Urgency: matching.UrgencyEmergency}, nil},
		{"fenced", "```json\n{\"service\":\"HVAC\",\"urgency\":\"urgent\"}\n```", matching.Classification{Service: "hvac", Urgency: matching.UrgencyUrgent}, nil},
		{"unknown urgency defaults", `{"service":"roofing","urgency":"asap"}`, matching.Classification{Service: "roofing", Urgency: matching.UrgencyStandard}, nil},
		{"missing urgency", `{"service":"painting"}`, matching.Classification{Service: "painting", Urgency: matching.UrgencyStandard}, nil},
		{"unknown service", `{"service":"dentistry","urgency":"urgent"}`, matching.Classification{}, ErrUnknownService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassification(tt.raw, DefaultServices)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseClassification("not json", DefaultServices); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestClassify(t *testing.T) {
	gen := &fakeGenerator{reply: `{"service":"plumbing","urgency":"emergency"}`}
	c := &GeminiClassifier{gen: gen, services: DefaultServices, log: zap.NewNop()}

	got, err := c.Classify(context.Background(), "water pouring through the kitchen ceiling")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Service != "plumbing" || got.Urgency != matching.UrgencyEmergency {
		t.Fatalf("got %+v", got)
	}
	if !strings.Contains(gen.prompt, "kitchen ceiling") || !strings.Contains(gen.prompt, "pest_control") {
		t.Errorf("prompt missing description or catalogue:\n%s", gen.prompt)
	}

	gen.err = errors.New("quota exceeded")
	if _, err := c.Classify(context.Background(), "x"); err == nil {
		t.Fatalf("expected generation error")
	}

	if _, err := NewGeminiClassifier(context.Background(), "", "", nil, zap.NewNop()); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("empty key: err = %v", err)
	}
}
