package memory

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultRetentionDays     = 30
	DefaultMinRelevanceScore = 0.5

	prefsSection          = "memory"
	prefsRetentionDaysKey = "memory_retention_days"
	prefsMinRelevanceKey  = "min_relevance_score"
)

// Preferences are an owner's retention settings.
type Preferences struct {
	RetentionDays     int     `json:"retention_days"`
	MinRelevanceScore float64 `json:"min_relevance_score"`
}

// DefaultPreferences returns the retention settings used when an owner has none.
func DefaultPreferences() Preferences {
	return Preferences{
		RetentionDays:     DefaultRetentionDays,
		MinRelevanceScore: DefaultMinRelevanceScore,
	}
}

// Validate checks the ranges of both settings.
func (p Preferences) Validate() error {
	verr := &ValidationError{}
	if p.RetentionDays < 0 {
		verr.Add(-1, prefsRetentionDaysKey, "must be >= 0")
	}
	if math.IsNaN(p.MinRelevanceScore) || p.MinRelevanceScore < 0 || p.MinRelevanceScore > 1 {
		verr.Add(-1, prefsMinRelevanceKey, "must be within [0, 1]")
	}
	if err := verr.Err(); err != nil {
		return goerr.Wrap(err, "invalid retention preferences")
	}
	return nil
}

// PreferencesFromMap reads retention settings out of an owner's open
// preference map, shaped {"memory": {"memory_retention_days": 30, "min_relevance_score": 0.5}}.
// Missing keys fall back to DefaultPreferences.
func PreferencesFromMap(m map[string]any) (Preferences, error) {
	return DefaultPreferences().FromMap(m)
}

// FromMap is PreferencesFromMap with p as the fallback for missing keys.
// A non-object "memory" section is ignored. Present keys of the wrong
// type or range are rejected.
func (p Preferences) FromMap(m map[string]any) (Preferences, error) {
	prefs := p

	section, ok := m[prefsSection].(map[string]any)
	if !ok {
		return prefs, nil
	}

	verr := &ValidationError{}
	if raw, present := section[prefsRetentionDaysKey]; present && raw != nil {
		days, ok := asNumber(raw)
		switch {
		case !ok:
			verr.Add(-1, prefsRetentionDaysKey, fmt.Sprintf("expected number, got %T", raw))
		case days != math.Trunc(days):
			verr.Add(-1, prefsRetentionDaysKey, "must be a whole number of days")
		default:
			prefs.RetentionDays = int(days)
		}
	}
	if raw, present := section[prefsMinRelevanceKey]; present && raw != nil {
		score, ok := asNumber(raw)
		if !ok {
			verr.Add(-1, prefsMinRelevanceKey, fmt.Sprintf("expected number, got %T", raw))
		} else {
			prefs.MinRelevanceScore = score
		}
	}
	if err := verr.Err(); err != nil {
		return prefs, goerr.Wrap(err, "invalid retention preferences")
	}
	return prefs, prefs.Validate()
}

// ToMap writes p into the memory section of an existing preference map.
func (p Preferences) ToMap(m map[string]any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}
	section, ok := m[prefsSection].(map[string]any)
	if !ok {
		section = map[string]any{}
	}
	section[prefsRetentionDaysKey] = p.RetentionDays
	section[prefsMinRelevanceKey] = p.MinRelevanceScore
	m[prefsSection] = section
	return m
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
