package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vitalyze/vitalyze/internal/platform/llm"
)

// StructuredExtractionBackend returns a JSON document matching a schema.
type StructuredExtractionBackend interface {
	GenerateJSON(ctx context.Context, req llm.JSONRequest) ([]byte, error)
}

// FallbackPolicy decides what Extract returns when the AI call fails.
type FallbackPolicy string

const (
	// FallbackEmpty returns no indicators.
	FallbackEmpty FallbackPolicy = "empty"
	// FallbackHeuristic scans the text line by line with ParseIndicators.
	FallbackHeuristic FallbackPolicy = "heuristic"
)

const defaultMaxInputChars = 30000

const indicatorSystemPrompt = `You read laboratory and medical test reports and list the measured results.

Rules:
- Return one record per test result with exactly two fields: "Indicator" (the test or indicator name as printed) and "Value".
- Put the measured number and its unit together in "Value", for example "13.5 g/dL" or "92 %".
- Do not include reference ranges, normal ranges, dates, patient or sample identifiers, or flags such as H, L, High, Low or *.
- Keep the order in which results appear in the report.
- If the report contains no measurable results, return an empty list.`

var indicatorSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"indicators": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"Indicator": map[string]any{"type": "string", "description": "Test or indicator name"},
					"Value":     map[string]any{"type": "string", "description": "Measured value with unit"},
				},
				"required":             []string{"Indicator", "Value"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"indicators"},
	"additionalProperties": false,
}

// IndicatorExtractor derives Indicator records from raw report text.
type IndicatorExtractor struct {
	backend  StructuredExtractionBackend
	maxChars int
	fallback FallbackPolicy
}

// IndicatorOption configures an IndicatorExtractor.
type IndicatorOption func(*IndicatorExtractor)

// WithMaxInputChars caps the text sent to the backend.
func WithMaxInputChars(n int) IndicatorOption {
	return func(x *IndicatorExtractor) {
		if n > 0 {
			x.maxChars = n
		}
	}
}

// WithFallback sets the policy applied when the backend call fails.
func WithFallback(p FallbackPolicy) IndicatorOption {
	return func(x *IndicatorExtractor) {
		if p == FallbackEmpty || p == FallbackHeuristic {
			x.fallback = p
		}
	}
}

func NewIndicatorExtractor(backend StructuredExtractionBackend, opts ...IndicatorOption) *IndicatorExtractor {
	x := &IndicatorExtractor{
		backend:  backend,
		maxChars: defaultMaxInputChars,
		fallback: FallbackEmpty,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Extract never fails. When the backend errors or answers with something
// that is not a strict list of {Indicator, Value} records, the configured
// fallback is returned and the failure is logged.
func (x *IndicatorExtractor) Extract(ctx context.Context, text string) []Indicator {
	log := zerolog.Ctx(ctx)

	indicators, err := x.extract(ctx, text)
	if err == nil {
		log.Info().Int("indicators", len(indicators)).Msg("indicator extraction succeeded")
		return indicators
	}

	log.Warn().Err(err).
		Str("failure", "indicator_service_failed").
		Str("fallback", string(x.fallback)).
		Msg("indicator extraction failed, using fallback")

	if x.fallback == FallbackHeuristic {
		return ParseIndicators(text)
	}
	return []Indicator{}
}

func (x *IndicatorExtractor) extract(ctx context.Context, text string) ([]Indicator, error) {
	if x.backend == nil {
		return nil, fmt.Errorf("no structured extraction backend configured")
	}
	raw, err := x.backend.GenerateJSON(ctx, llm.JSONRequest{
		System: indicatorSystemPrompt,
		User:   "Medical report text:\n\n" + truncateRunes(text, x.maxChars),
		Schema: indicatorSchema,
	})
	if err != nil {
		return nil, err
	}
	return decodeIndicators(raw)
}

// decodeIndicators accepts {"indicators":[...]} or a bare list, and rejects
// records with unknown or empty fields.
func decodeIndicators(raw []byte) ([]Indicator, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		raw = append(append([]byte(`{"indicators":`), raw...), '}')
	}
	if err := llm.ValidateJSON(indicatorSchema, raw); err != nil {
		return nil, err
	}

	var envelope struct {
		Indicators []Indicator `json:"indicators"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}

	out := make([]Indicator, 0, len(envelope.Indicators))
	for i, ind := range envelope.Indicators {
		ind.Indicator = strings.TrimSpace(ind.Indicator)
		ind.Value = strings.TrimSpace(ind.Value)
		if ind.Indicator == "" || ind.Value == "" {
			return nil, fmt.Errorf("indicator %d has an empty field", i)
		}
		out = append(out, ind)
	}
	return out, nil
}

var indicatorLine = regexp.MustCompile(`([A-Za-z\s\(\)/-]+?)\s+([\d\.-]+)\s*([A-Za-z/dL%]+)?`)

// ParseIndicators is a line-oriented heuristic that picks up
// "label number [unit]" patterns. Labels of two characters or fewer are
// dropped as noise.
func ParseIndicators(text string) []Indicator {
	out := []Indicator{}
	for _, line := range strings.Split(text, "\n") {
		m := indicatorLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if len(label) <= 2 || value == "" {
			continue
		}
		if unit := strings.TrimSpace(m[3]); unit != "" {
			value += " " + unit
		}
		out = append(out, Indicator{Indicator: label, Value: value})
	}
	return out
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
