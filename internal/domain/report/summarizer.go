package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// SummarizationBackend produces free text for a prompt.
type SummarizationBackend interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// SummaryContextChars bounds the raw text included in the summary prompt.
const SummaryContextChars = 3000

// FallbackSummary is returned whenever the summarization backend fails.
const FallbackSummary = "Unable to generate AI summary at this time. However, we have processed your report data successfully. Please consult your doctor."

type Summarizer struct {
	backend SummarizationBackend
}

func NewSummarizer(backend SummarizationBackend) *Summarizer {
	return &Summarizer{backend: backend}
}

// Summarize never fails; backend errors and blank answers yield FallbackSummary.
func (s *Summarizer) Summarize(ctx context.Context, indicators []Indicator, text string) string {
	log := zerolog.Ctx(ctx)
	if s.backend == nil {
		log.Warn().Str("failure", "summary_service_failed").Msg("no summarization backend configured")
		return FallbackSummary
	}

	out, err := s.backend.GenerateText(ctx, buildSummaryPrompt(indicators, text))
	if err != nil {
		log.Warn().Err(err).Str("failure", "summary_service_failed").Msg("summary generation failed")
		return FallbackSummary
	}
	out = strings.TrimSpace(out)
	if out == "" {
		log.Warn().Str("failure", "summary_service_failed").Msg("summary generation returned no text")
		return FallbackSummary
	}
	return out
}

func buildSummaryPrompt(indicators []Indicator, text string) string {
	var b strings.Builder
	b.WriteString("You are a helpful medical assistant for a patient using Vitalyze.ai. ")
	b.WriteString("Explain the following medical report in simple terms a patient can understand.\n\n")

	b.WriteString("Report text:\n---\n")
	b.WriteString(truncateRunes(text, SummaryContextChars))
	b.WriteString("\n---\n\n")

	b.WriteString("Key indicators found:\n")
	if len(indicators) == 0 {
		b.WriteString("(none identified)\n")
	}
	for _, ind := range indicators {
		fmt.Fprintf(&b, "- %s: %s\n", ind.Indicator, ind.Value)
	}

	b.WriteString("\nInstructions:\n")
	b.WriteString("1. Summarize the main findings in plain English.\n")
	b.WriteString("2. Briefly explain what each key indicator is used to check.\n")
	b.WriteString("3. Do not use medical jargon without explaining it.\n")
	b.WriteString("4. Keep the tone empathetic and professional.\n")
	b.WriteString("5. End with this disclaimer: \"This is an AI-generated summary. Please consult your doctor for a complete diagnosis.\"\n")
	return b.String()
}
