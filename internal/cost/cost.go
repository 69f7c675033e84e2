// Package cost tracks per-request API spend across providers and models,
// aggregates it over calendar windows, and projects the monthly and yearly
// run rate from month-to-date usage.
package cost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// retention bounds how far back usage entries are kept.
const retention = 90 * 24 * time.Hour

// pricing is USD per 1K tokens.
type pricing struct {
	Input  float64
	Output float64
}

// priceTable maps known model identifiers to their list prices. Lookups
// fall back to prefix matching and then to defaultPricing, which is chosen
// on the expensive side so unknown models over-count rather than under-count.
var priceTable = map[string]pricing{
	"claude-opus-4":     {Input: 0.015, Output: 0.075},
	"claude-sonnet-4":   {Input: 0.003, Output: 0.015},
	"claude-haiku-3.5":  {Input: 0.0008, Output: 0.004},
	"gpt-4o":            {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":       {Input: 0.00015, Output: 0.0006},
	"gpt-4.1":           {Input: 0.002, Output: 0.008},
	"o3-mini":           {Input: 0.0011, Output: 0.0044},
	"gemini-2.5-pro":    {Input: 0.00125, Output: 0.01},
	"gemini-2.0-flash":  {Input: 0.0001, Output: 0.0004},
	"gemini-1.5-pro":    {Input: 0.00125, Output: 0.005},
	"deepseek/deepseek": {Input: 0.00027, Output: 0.0011},
}

var defaultPricing = pricing{Input: 0.005, Output: 0.015}

// priceFor resolves a model's pricing, trying an exact match, then the
// longest matching prefix, then the conservative default.
func priceFor(model string) pricing {
	if p, ok := priceTable[model]; ok {
		return p
	}
	var best string
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return priceTable[best]
	}
	return defaultPricing
}

// Entry is one recorded API call.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Tracker accumulates usage entries in memory with best-effort JSONL
// persistence. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries []Entry
	path    string // empty disables persistence
	logger  *zap.Logger

	now func() time.Time
}

// NewTracker creates a Tracker. When path is non-empty, previously
// persisted entries inside the retention window are loaded, and new
// entries are appended to the file as they are recorded. Persistence
// failures are logged, never returned.
func NewTracker(path string, logger *zap.Logger) *Tracker {
	t := &Tracker{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	if path != "" {
		t.load()
	}
	return t
}

// Record books one API call and returns its computed cost.
func (t *Tracker) Record(provider, model string, inputTokens, outputTokens int) Entry {
	p := priceFor(model)
	e := Entry{
		Timestamp:    t.now(),
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output,
	}

	t.mu.Lock()
	t.pruneLocked()
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	t.persist(e)
	return e
}

// pruneLocked drops entries older than the retention window. Entries are
// appended in time order, so the cut is a single index.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-retention)
	i := 0
	for i < len(t.entries) && !t.entries[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		t.entries = append([]Entry(nil), t.entries[i:]...)
	}
}

// Summary aggregates spend over the calendar windows a user asks about
// first, plus run-rate projections from month-to-date usage.
type Summary struct {
	TodayUSD     float64 `json:"today_usd"`
	YesterdayUSD float64 `json:"yesterday_usd"`
	ThisWeekUSD  float64 `json:"this_week_usd"`
	ThisMonthUSD float64 `json:"this_month_usd"`
	LastMonthUSD float64 `json:"last_month_usd"`

	ProjectedMonthlyUSD float64 `json:"projected_monthly_usd"`
	ProjectedYearlyUSD  float64 `json:"projected_yearly_usd"`

	SavingsTip string `json:"savings_tip,omitempty"`
}

// GetSummary computes the Summary at the current moment.
func (t *Tracker) GetSummary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	yesterday := today.AddDate(0, 0, -1)
	weekStart := today.AddDate(0, 0, -int(now.Weekday()))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lastMonthStart := monthStart.AddDate(0, -1, 0)

	var s Summary
	for _, e := range t.entries {
		switch {
		case !e.Timestamp.Before(today):
			s.TodayUSD += e.CostUSD
		case !e.Timestamp.Before(yesterday):
			s.YesterdayUSD += e.CostUSD
		}
		if !e.Timestamp.Before(weekStart) {
			s.ThisWeekUSD += e.CostUSD
		}
		switch {
		case !e.Timestamp.Before(monthStart):
			s.ThisMonthUSD += e.CostUSD
		case !e.Timestamp.Before(lastMonthStart):
			s.LastMonthUSD += e.CostUSD
		}
	}
	daysElapsed := now.Day()
	daysInMonth := monthStart.AddDate(0, 1, 0).Add(-time.Hour).Day()
	if daysElapsed > 0 {
		s.ProjectedMonthlyUSD = s.ThisMonthUSD / float64(daysElapsed) * float64(daysInMonth)
		s.ProjectedYearlyUSD = s.ProjectedMonthlyUSD * 12
	}
	if tips := t.savingTipsLocked(); len(tips) > 0 {
		s.SavingsTip = tips[0].Detail
	}
	return s
}

// Breakdown slices recent spend by provider, model and day.
type Breakdown struct {
	Days       int                `json:"days"`
	TotalUSD   float64            `json:"total_usd"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByModel    map[string]float64 `json:"by_model"`
	ByDay      map[string]float64 `json:"by_day"` // keyed YYYY-MM-DD
}

// GetBreakdown aggregates the last n days of entries.
func (t *Tracker) GetBreakdown(days int) Breakdown {
	if days <= 0 {
		days = 30
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().AddDate(0, 0, -days)
	b := Breakdown{
		Days:       days,
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByDay:      make(map[string]float64),
	}
	for _, e := range t.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		b.TotalUSD += e.CostUSD
		b.ByProvider[e.Provider] += e.CostUSD
		b.ByModel[e.Model] += e.CostUSD
		b.ByDay[e.Timestamp.Format("2006-01-02")] += e.CostUSD
	}
	return b
}

// Tip is one actionable cost-reduction suggestion with its estimated
// monthly impact.
type Tip struct {
	Title                     string  `json:"title"`
	Detail                    string  `json:"detail"`
	EstimatedMonthlySavingUSD float64 `json:"estimated_monthly_saving_usd"`
}

// SavingTips inspects the last 30 days of usage and suggests cost
// reductions, most impactful first. Negligible spend yields no tips.
func (t *Tracker) SavingTips() []Tip {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.savingTipsLocked()
}

// Heuristic thresholds for SavingTips.
const (
	tipMinSpendUSD     = 1.0
	tipModelShare      = 0.5
	tipProviderShare   = 0.9
	tipTokenVolume     = 10_000_000
	tipModelSwitchSave = 0.6 // cheaper sibling at roughly 40% of the price
	tipDiversifySave   = 0.1
	tipCacheSave       = 0.2
)

func (t *Tracker) savingTipsLocked() []Tip {
	cutoff := t.now().AddDate(0, 0, -30)
	byModel := make(map[string]float64)
	byProvider := make(map[string]float64)
	var total float64
	var tokens int
	for _, e := range t.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		byModel[e.Model] += e.CostUSD
		byProvider[e.Provider] += e.CostUSD
		total += e.CostUSD
		tokens += e.InputTokens + e.OutputTokens
	}
	if total < tipMinSpendUSD {
		return nil
	}

	var tips []Tip

	if top, share := dominant(byModel, total); share >= tipModelShare {
		cheaper := cheaperSibling(top)
		if cheaper == "" {
			cheaper = "a smaller model"
		}
		tips = append(tips, Tip{
			Title: "expensive model dominates spend",
			Detail: fmt.Sprintf(
				"%s accounts for %.0f%% of spend; routing routine requests to %s could cut that substantially",
				top, share*100, cheaper),
			EstimatedMonthlySavingUSD: byModel[top] * tipModelSwitchSave,
		})
	}

	if top, share := dominant(byProvider, total); share >= tipProviderShare {
		tips = append(tips, Tip{
			Title: "single-provider concentration",
			Detail: fmt.Sprintf(
				"%s carries %.0f%% of spend; a second authenticated provider enables price-based routing",
				top, share*100),
			EstimatedMonthlySavingUSD: total * tipDiversifySave,
		})
	}

	if tokens >= tipTokenVolume {
		tips = append(tips, Tip{
			Title: "high token volume",
			Detail: fmt.Sprintf(
				"%.0fM tokens in 30 days; prompt caching or trimming long contexts would reduce input spend",
				float64(tokens)/1e6),
			EstimatedMonthlySavingUSD: total * tipCacheSave,
		})
	}

	sort.Slice(tips, func(i, j int) bool {
		return tips[i].EstimatedMonthlySavingUSD > tips[j].EstimatedMonthlySavingUSD
	})
	return tips
}

// dominant returns the largest key in a spend map and its share of total.
func dominant(m map[string]float64, total float64) (string, float64) {
	var top string
	for k := range m {
		if top == "" || m[k] > m[top] {
			top = k
		}
	}
	if top == "" || total == 0 {
		return "", 0
	}
	return top, m[top] / total
}

// cheaperSibling names a cheaper model in the same family, if one exists.
func cheaperSibling(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-opus"):
		return "claude-sonnet-4"
	case strings.HasPrefix(model, "claude-sonnet"):
		return "claude-haiku-3.5"
	case strings.HasPrefix(model, "gpt-4o") && !strings.HasPrefix(model, "gpt-4o-mini"):
		return "gpt-4o-mini"
	case strings.HasPrefix(model, "gemini") && !strings.Contains(model, "flash"):
		return "gemini-2.0-flash"
	}
	return ""
}

// load reads previously persisted entries, keeping those inside retention.
func (t *Tracker) load() {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("cost history unreadable", zap.Error(err))
		}
		return
	}
	defer f.Close()

	cutoff := t.now().Add(-retention)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip corrupt lines, keep the rest
		}
		if e.Timestamp.After(cutoff) {
			t.entries = append(t.entries, e)
		}
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Timestamp.Before(t.entries[j].Timestamp)
	})
}

// persist appends one entry to the JSONL history. Best effort.
func (t *Tracker) persist(e Entry) {
	if t.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		t.logger.Warn("cost history dir", zap.Error(err))
		return
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.logger.Warn("cost history open", zap.Error(err))
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		t.logger.Warn("cost history write", zap.Error(err))
	}
}
