package manager

import (
	"context"
	"sort"
	"strings"

	"github.com/rycode-ai/authcore/internal/breaker"
)

// Recommendation scores one authenticated provider/model pair for a task.
type Recommendation struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Task keyword buckets. A model whose name matches the bucket's family gets
// the bonus when the task mentions one of the keywords.
var (
	codingKeywords    = []string{"code", "coding", "refactor", "debug", "implement"}
	speedKeywords     = []string{"fast", "quick", "cheap", "simple", "summarize"}
	reasoningKeywords = []string{"complex", "reasoning", "analyze", "research", "plan"}
)

// Recommend ranks models across providers with stored credentials for the
// given task description. Providers with an open breaker are excluded;
// degraded providers are penalized. Spend concentration from the last 30
// days nudges the ranking toward cheaper choices.
func (m *Manager) Recommend(ctx context.Context, task string) ([]Recommendation, error) {
	providers, err := m.rc.Credentials.List(ctx)
	if err != nil {
		return nil, err
	}
	task = strings.ToLower(task)
	spend := m.rc.Cost.GetBreakdown(30)

	var recs []Recommendation
	for _, providerID := range providers {
		snap := m.rc.Breakers.SnapshotOf(providerID)
		if snap.State == breaker.Open {
			continue
		}

		rec, err := m.rc.Credentials.Retrieve(ctx, providerID)
		if err != nil {
			return nil, m.storageOrTimeout(providerID, err)
		}
		if rec == nil {
			continue
		}

		for _, model := range rec.Models {
			score, reasons := scoreModel(model, task)
			if snap.State == breaker.HalfOpen || snap.Failures > 0 {
				score *= 0.7
				reasons = append(reasons, "provider recently failing")
			}
			if spend.TotalUSD > 0 {
				if share := spend.ByModel[model] / spend.TotalUSD; share > 0.5 {
					score *= 0.9
					reasons = append(reasons, "already carries most of the spend")
				}
			}
			recs = append(recs, Recommendation{
				Provider:  providerID,
				Model:     model,
				Score:     score,
				Reasoning: strings.Join(reasons, "; "),
			})
		}
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	return recs, nil
}

// scoreModel applies the task heuristics to one model name.
func scoreModel(model, task string) (float64, []string) {
	score := 0.5
	reasons := []string{"available with stored credentials"}
	lower := strings.ToLower(model)

	if matchesAny(task, codingKeywords) {
		if strings.Contains(lower, "sonnet") || strings.Contains(lower, "gpt-4") {
			score += 0.3
			reasons = append(reasons, "strong coding model")
		}
	}
	if matchesAny(task, speedKeywords) {
		if strings.Contains(lower, "haiku") || strings.Contains(lower, "mini") ||
			strings.Contains(lower, "flash") {
			score += 0.3
			reasons = append(reasons, "fast and inexpensive")
		}
	}
	if matchesAny(task, reasoningKeywords) {
		if strings.Contains(lower, "opus") || strings.Contains(lower, "o3") ||
			strings.Contains(lower, "pro") {
			score += 0.3
			reasons = append(reasons, "strongest reasoning in its family")
		}
	}
	return score, reasons
}

func matchesAny(task string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(task, k) {
			return true
		}
	}
	return false
}
