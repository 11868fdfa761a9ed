package llm

// Pricing is the token price in USD per 1000 tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the price of a call with the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}
