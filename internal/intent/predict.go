package intent

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Prediction is one ranked intent hypothesis returned from a query.
type Prediction struct {
	NodeID      string  `json:"node_id"`
	IntentType  string  `json:"intent_type"`
	Description string  `json:"description"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
}

const (
	candidateLimit  = 50
	predictionLimit = 10
	relevanceFloor  = 0.3
)

// Predict ranks likely intents given free-form context tokens. Safe to call
// concurrently with the writer loop.
func (g *Graph) Predict(contextTokens []string) []Prediction {
	ctxSet := tokenSet(contextTokens)

	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	var active []string
	if len(g.recent) > 0 {
		active = g.recent[len(g.recent)-1].nodeIDs
	}

	type candidate struct {
		node      *Node
		relevance float64
	}
	candidates := make([]candidate, 0, len(g.nodes))
	for _, n := range g.nodes {
		rel := g.relevanceLocked(n, ctxSet, now)
		if rel <= relevanceFloor {
			continue
		}
		candidates = append(candidates, candidate{node: n, relevance: rel})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].relevance > candidates[j].relevance })
	if len(candidates) > candidateLimit {
		candidates = candidates[:candidateLimit]
	}

	preds := make([]Prediction, 0, len(candidates))
	for _, c := range candidates {
		n := c.node
		age := now.Sub(n.LastUpdated).Seconds()
		if age < 0 {
			age = 0
		}
		decay := math.Exp(-math.Ln2 * age / 3600)
		if decay < 0.1 {
			decay = 0.1
		}

		overlap := tokenOverlap(n.Description, ctxSet)
		ctxBoost := 1 + 0.2*float64(overlap)
		if ctxBoost > 2.0 {
			ctxBoost = 2.0
		}

		var condSum float64
		for _, a := range active {
			if a == n.ID {
				continue
			}
			if e, ok := g.edges[a][n.ID]; ok {
				condSum += e.Strength * e.ConditionalProbability
			}
		}
		condBoost := 1 + 0.5*condSum
		if condBoost > 3.0 {
			condBoost = 3.0
		}

		score := min2(0.99, n.Posterior*decay*ctxBoost*condBoost)
		if score <= g.cfg.ConfidenceThreshold || n.Confidence <= g.cfg.ConfidenceThreshold {
			continue
		}
		preds = append(preds, Prediction{
			NodeID:      n.ID,
			IntentType:  n.IntentType,
			Description: n.Description,
			Probability: score,
			Confidence:  n.Confidence,
		})
	}

	sort.Slice(preds, func(i, j int) bool { return preds[i].Probability > preds[j].Probability })
	if len(preds) > predictionLimit {
		preds = preds[:predictionLimit]
	}
	return preds
}

// relevanceLocked scores one node for candidate selection.
func (g *Graph) relevanceLocked(n *Node, ctxSet map[string]struct{}, now time.Time) float64 {
	age := now.Sub(n.LastUpdated).Seconds()
	recency := 1 - age/3600
	if recency < 0 {
		recency = 0
	}
	rel := 0.3*recency + 0.3*min2(1, float64(n.EvidenceCount)/100) + 0.4*n.Confidence

	if len(ctxSet) > 0 {
		typeTokens := tokenSet(strings.Split(n.IntentType, "_"))
		for tok := range ctxSet {
			if _, ok := typeTokens[tok]; ok {
				rel += 0.5
				break
			}
		}
		overlap := tokenOverlap(n.Description, ctxSet)
		bonus := 0.1 * float64(overlap)
		if bonus > 0.3 {
			bonus = 0.3
		}
		rel += bonus
	}
	return rel
}

// Tokenize splits free-form text into lowercase alphanumeric tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func tokenOverlap(text string, ctxSet map[string]struct{}) int {
	if len(ctxSet) == 0 {
		return 0
	}
	n := 0
	for _, tok := range Tokenize(text) {
		if _, ok := ctxSet[tok]; ok {
			n++
		}
	}
	return n
}
