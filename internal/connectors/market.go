package connectors

// Spot-price advisory thresholds. Drops of 20 percent or more suggest
// shifting work to cheaper capacity; rises of 30 percent or more warn
// against new placements.
const (
	spotOpportunityThreshold = -0.2
	spotWarningThreshold     = 0.3
)

// EvaluateSpotPrice maps a spot price change to the outbound advisory
// message type, if any.
func EvaluateSpotPrice(change float64) (string, bool) {
	switch {
	case change <= spotOpportunityThreshold:
		return "cost_optimization_opportunity", true
	case change >= spotWarningThreshold:
		return "cost_optimization_warning", true
	}
	return "", false
}
