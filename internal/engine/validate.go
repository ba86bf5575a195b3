package engine

import (
	"math"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

// Input limits.
const (
	maxMessageBytes = 32000
	maxBatchSize    = 500
)

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		verr := &memory.ValidationError{}
		verr.Add(-1, "owner", "required")
		return goerr.Wrap(verr, "invalid owner")
	}
	return nil
}

func validateRelevance(verr *memory.ValidationError, index int, id string, score float64) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		verr.Items = append(verr.Items, memory.FieldError{
			Index: index, ID: id, Field: "relevance_score", Reason: "must be within [0, 1]",
		})
	}
}

func validateMessage(verr *memory.ValidationError, index int, id, msg string) {
	switch {
	case strings.TrimSpace(msg) == "":
		verr.Items = append(verr.Items, memory.FieldError{Index: index, ID: id, Field: "message", Reason: "required"})
	case len(msg) > maxMessageBytes:
		verr.Items = append(verr.Items, memory.FieldError{Index: index, ID: id, Field: "message", Reason: "too long"})
	}
}

// validateNew checks one candidate record.
func validateNew(verr *memory.ValidationError, index int, n memory.NewRecord) {
	validateMessage(verr, index, "", n.Message)
	if !n.Role.Valid() {
		verr.Add(index, "role", "must be one of user, assistant, system")
	}
	if n.RelevanceScore != nil {
		validateRelevance(verr, index, "", *n.RelevanceScore)
	}
}

// validatePatch checks one partial update.
func validatePatch(verr *memory.ValidationError, index int, id string, p memory.Patch) {
	if strings.TrimSpace(id) == "" {
		verr.Items = append(verr.Items, memory.FieldError{Index: index, Field: "id", Reason: "required"})
	}
	if p.Empty() {
		verr.Items = append(verr.Items, memory.FieldError{Index: index, ID: id, Field: "patch", Reason: "no fields to update"})
	}
	if p.Message != nil {
		validateMessage(verr, index, id, *p.Message)
	}
	if p.RelevanceScore != nil {
		validateRelevance(verr, index, id, *p.RelevanceScore)
	}
}

func validateBatchSize(n int) error {
	verr := &memory.ValidationError{}
	switch {
	case n == 0:
		verr.Add(-1, "memories", "no memories provided")
	case n > maxBatchSize:
		verr.Add(-1, "memories", "batch too large")
	}
	if err := verr.Err(); err != nil {
		return goerr.Wrap(err, "invalid batch", goerr.V("size", n))
	}
	return nil
}

// uniqueIDs rejects blank and repeated ids; a repeat would otherwise look
// like a foreign id to the exact-count ownership check.
func uniqueIDs(verr *memory.ValidationError, ids []string) {
	seen := make(map[string]int, len(ids))
	for i, id := range ids {
		if id == "" {
			continue
		}
		if first, dup := seen[id]; dup {
			verr.Items = append(verr.Items, memory.FieldError{
				Index: i, ID: id, Field: "id", Reason: "duplicate of item " + strconv.Itoa(first),
			})
			continue
		}
		seen[id] = i
	}
}
