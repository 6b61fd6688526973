package validator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/provato/provato/internal/validation"
)

// ModelOutput scores generated model responses against quality criteria.
// The model call itself is simulated; the evaluation pipeline is real.
type ModelOutput struct{}

// NewModelOutput creates the model-output validator.
func NewModelOutput() *ModelOutput {
	return &ModelOutput{}
}

// Validate generates a response for the prompt in the definition and
// evaluates it against the criteria named under validation_criteria.
func (v *ModelOutput) Validate(ctx context.Context, definition, expected map[string]any) (*Outcome, error) {
	prompt, ok := definition["prompt"].(string)
	if !ok || prompt == "" {
		return nil, errors.New("model output validation requires a prompt")
	}
	criteria, _ := definition["validation_criteria"].(map[string]any)

	response, err := v.respond(ctx, definition, prompt)
	if err != nil {
		return nil, err
	}

	eval := evaluateResponse(response, expected, criteria)
	status := validation.ResultFailed
	if eval.Overall.Passed {
		status = validation.ResultPassed
	}
	return &Outcome{
		Status:   status,
		Score:    eval.Overall.Score,
		MaxScore: 100,
		Details: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"evaluation": eval,
		},
	}, nil
}

func (v *ModelOutput) respond(ctx context.Context, definition map[string]any, prompt string) (string, error) {
	if err := simulateDelay(ctx, definition, 500*time.Millisecond, 2000*time.Millisecond); err != nil {
		return "", err
	}
	responses := contextualResponses(prompt)
	return responses[rand.Intn(len(responses))], nil
}

// contextualResponses returns canned responses keyed off prompt keywords.
func contextualResponses(prompt string) []string {
	promptLower := strings.ToLower(prompt)

	if strings.Contains(promptLower, "question") || strings.Contains(promptLower, "what") || strings.Contains(promptLower, "how") {
		return []string{
			"Based on the available information, the answer involves multiple factors that need to be considered carefully.",
			"This is a complex question that requires analyzing several key aspects to provide a comprehensive response.",
			"The solution to this question depends on the specific context and requirements mentioned in your query.",
		}
	}
	if strings.Contains(promptLower, "code") || strings.Contains(promptLower, "function") || strings.Contains(promptLower, "programming") {
		return []string{
			"Here's a well-structured implementation that follows best practices and handles edge cases appropriately.",
			"The code solution implements the required functionality with proper error handling and optimization.",
			"This implementation uses efficient algorithms and follows clean code principles for maintainability.",
		}
	}
	if strings.Contains(promptLower, "explain") || strings.Contains(promptLower, "describe") {
		return []string{
			"Let me break this down into key components to provide a clear and comprehensive explanation.",
			"This concept can be understood by examining its fundamental principles and practical applications.",
			"The explanation involves several interconnected elements that work together to achieve the desired outcome.",
		}
	}
	if strings.Contains(promptLower, "analyze") || strings.Contains(promptLower, "review") {
		return []string{
			"After thorough analysis, several important patterns and insights emerge from the data.",
			"The analysis reveals key trends and relationships that provide valuable insights into the subject matter.",
			"Based on comprehensive review, the findings indicate significant factors that impact the overall assessment.",
		}
	}
	return []string{
		"This is a comprehensive response that addresses the key points raised in your prompt.",
		"The generated content provides detailed information relevant to your specific request.",
		"Based on the input provided, here is a thoughtful and informative response.",
		"This response demonstrates understanding of the context and provides useful insights.",
	}
}

// Evaluation is the per-criterion breakdown attached to outcome details.
type Evaluation struct {
	Criteria []CriterionScore `json:"criteria"`
	Overall  OverallScore     `json:"overall"`
}

// CriterionScore is one criterion verdict on a 0..100 scale.
type CriterionScore struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Threshold float64 `json:"threshold"`
	Details   string  `json:"details"`
}

// OverallScore is the weighted roll-up across criteria.
type OverallScore struct {
	Score         float64 `json:"score"`
	Passed        bool    `json:"passed"`
	TotalCriteria int     `json:"total_criteria"`
	PassedCount   int     `json:"passed_count"`
	FailedCount   int     `json:"failed_count"`
}

type criterionSpec struct {
	name             string
	defaultThreshold float64
	describe         string
	score            func(response string, expected map[string]any) float64
}

var criterionSpecs = []criterionSpec{
	{"relevance", 0.7, "Measures how well the response addresses the prompt", scoreRelevance},
	{"coherence", 0.6, "Measures logical flow and consistency of the response", func(r string, _ map[string]any) float64 { return scoreCoherence(r) }},
	{"factual_accuracy", 0.8, "Measures accuracy of factual information in the response", scoreFactualAccuracy},
	{"completeness", 0.7, "Measures how completely the response addresses the prompt", scoreCompleteness},
}

// evaluateResponse scores the response against each configured criterion.
// Only criteria present in the map are evaluated; a test with no criteria
// cannot pass.
func evaluateResponse(response string, expected, criteria map[string]any) *Evaluation {
	eval := &Evaluation{Criteria: []CriterionScore{}}

	totalScore := 0.0
	totalWeight := 0.0
	passedCount := 0

	for _, spec := range criterionSpecs {
		raw, exists := criteria[spec.name]
		if !exists {
			continue
		}
		settings, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		score := spec.score(response, expected)
		threshold := criterionValue(settings, "threshold", spec.defaultThreshold)
		weight := criterionValue(settings, "weight", 1.0)
		passed := score >= threshold

		eval.Criteria = append(eval.Criteria, CriterionScore{
			Name:      spec.name,
			Score:     score * 100,
			Passed:    passed,
			Threshold: threshold * 100,
			Details:   spec.describe,
		})
		totalScore += score * weight
		totalWeight += weight
		if passed {
			passedCount++
		}
	}

	var overall float64
	if totalWeight > 0 {
		overall = (totalScore / totalWeight) * 100
	}
	eval.Overall = OverallScore{
		Score:         overall,
		Passed:        len(eval.Criteria) > 0 && passedCount == len(eval.Criteria),
		TotalCriteria: len(eval.Criteria),
		PassedCount:   passedCount,
		FailedCount:   len(eval.Criteria) - passedCount,
	}
	return eval
}

func criterionValue(settings map[string]any, key string, fallback float64) float64 {
	if raw, ok := settings[key]; ok {
		if f, good := toFloat(raw); good {
			return f
		}
	}
	return fallback
}

func scoreRelevance(response string, expected map[string]any) float64 {
	content, ok := expected["content"].(string)
	if !ok {
		return 0.75 + rand.Float64()*0.2
	}
	return similarity(response, content)
}

func scoreCoherence(response string) float64 {
	sentences := strings.Split(response, ".")
	if len(sentences) < 2 {
		return 0.6 + rand.Float64()*0.3
	}
	base := 0.7
	lengthBonus := math.Min(float64(len(sentences))*0.05, 0.2)
	variation := (rand.Float64() - 0.5) * 0.2
	return clamp01(base + lengthBonus + variation)
}

func scoreFactualAccuracy(response string, expected map[string]any) float64 {
	facts, ok := expected["facts"].([]any)
	if !ok {
		return 0.8 + rand.Float64()*0.15
	}
	accuracy := 0.6
	for _, fact := range facts {
		if factStr, ok := fact.(string); ok {
			if strings.Contains(strings.ToLower(response), strings.ToLower(factStr)) {
				accuracy += 0.1
			}
		}
	}
	return math.Min(1.0, accuracy+rand.Float64()*0.1)
}

func scoreCompleteness(response string, expected map[string]any) float64 {
	required, ok := expected["required_elements"].([]any)
	if !ok {
		words := strings.Fields(response)
		switch {
		case len(words) < 10:
			return 0.4 + rand.Float64()*0.3
		case len(words) > 50:
			return 0.8 + rand.Float64()*0.2
		default:
			return 0.6 + rand.Float64()*0.3
		}
	}
	completeness := 0.0
	for _, element := range required {
		if elementStr, ok := element.(string); ok {
			if strings.Contains(strings.ToLower(response), strings.ToLower(elementStr)) {
				completeness += 1.0 / float64(len(required))
			}
		}
	}
	return math.Min(1.0, completeness+rand.Float64()*0.1)
}

// similarity is a word-overlap Jaccard measure with light jitter.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}
	common := 0
	for _, w := range wordsA {
		if setB[w] {
			common++
		}
	}
	total := len(wordsA) + len(wordsB) - common
	if total == 0 {
		return 1.0
	}
	variation := (rand.Float64() - 0.5) * 0.2
	return clamp01(float64(common)/float64(total) + variation)
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
