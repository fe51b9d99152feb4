package costs

import "strings"

const perMillion = 1_000_000.0

type rate struct {
	inputPerMillion  float64
	outputPerMillion float64
}

// modelRates maps model-identifier prefixes to USD per million tokens.
// Order matters: the first matching prefix wins, so the more specific
// entries come first. Figures track the published list prices for the
// built-in presets; they are estimates, not billing data.
var modelRates = []struct {
	prefix string
	rate   rate
}{
	{"gpt-4-turbo", rate{10.00, 30.00}},
	{"gpt-4", rate{30.00, 60.00}},
	{"gpt-3.5-turbo", rate{0.50, 1.50}},
	{"google/gemini-flash-1.5-8b", rate{0.0375, 0.15}},
	{"google/gemini-flash-1.5", rate{0.075, 0.30}},
	{"google/gemini-pro-1.5", rate{1.25, 5.00}},
}

// EstimateUSD returns the estimated USD cost of one exchange. Returns
// ok=false when no pricing is known for the model.
func EstimateUSD(model string, inputTokens, outputTokens int) (usd float64, ok bool) {
	modelName := strings.ToLower(strings.TrimSpace(model))

	if strings.HasSuffix(modelName, ":free") {
		return 0, true
	}
	if strings.Contains(modelName, "claude") {
		return estimateClaudeUSD(modelName, inputTokens, outputTokens)
	}

	for _, entry := range modelRates {
		if strings.HasPrefix(modelName, entry.prefix) {
			return tally(entry.rate, inputTokens, outputTokens), true
		}
	}
	return 0, false
}

func estimateClaudeUSD(modelName string, inputTokens, outputTokens int) (float64, bool) {
	switch {
	case strings.Contains(modelName, "haiku"):
		return tally(rate{0.80, 4.00}, inputTokens, outputTokens), true
	case strings.Contains(modelName, "sonnet"):
		return tally(rate{3.00, 15.00}, inputTokens, outputTokens), true
	case strings.Contains(modelName, "opus"):
		return tally(rate{15.00, 75.00}, inputTokens, outputTokens), true
	default:
		return 0, false
	}
}

func tally(r rate, inputTokens, outputTokens int) float64 {
	inputCost := (float64(inputTokens) / perMillion) * r.inputPerMillion
	outputCost := (float64(outputTokens) / perMillion) * r.outputPerMillion
	return inputCost + outputCost
}
