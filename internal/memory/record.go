package memory

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Context is an open mapping of auxiliary signals (mood, task, ...).
type Context map[string]any

// Clone returns a shallow copy so callers can't mutate a stored record's context.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// DefaultRelevance is the intrinsic relevance of a freshly created record.
const DefaultRelevance = 1.0

// NewID generates a new time-ordered record identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Record is a single timestamped conversational memory owned by a user.
type Record struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Message        string    `json:"message"`
	Role           Role      `json:"role"`
	Context        Context   `json:"context"`
	Embedding      []float64 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	Timestamp      time.Time `json:"timestamp"`
}

// Embedded reports whether the record carries a vector.
func (r *Record) Embedded() bool {
	return len(r.Embedding) > 0
}

// NewRecord is the caller-supplied part of a record about to be created.
// Zero Timestamp means "now"; nil RelevanceScore means DefaultRelevance.
type NewRecord struct {
	Message        string    `json:"message"`
	Role           Role      `json:"role"`
	Context        Context   `json:"context,omitempty"`
	RelevanceScore *float64  `json:"relevance_score,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched.
// Embedding is intentionally absent: edits never re-embed.
type Patch struct {
	Message        *string  `json:"message,omitempty"`
	Context        Context  `json:"context,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Message == nil && p.Context == nil && p.RelevanceScore == nil
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r Record) Record {
	if p.Message != nil {
		r.Message = *p.Message
	}
	if p.Context != nil {
		r.Context = p.Context.Clone()
	}
	if p.RelevanceScore != nil {
		r.RelevanceScore = *p.RelevanceScore
	}
	return r
}

// Filter narrows an owner-scoped read. Since and Until are inclusive.
type Filter struct {
	Since        *time.Time
	Until        *time.Time
	MinRelevance *float64
	Role         Role
	EmbeddedOnly bool
	Limit        int
}

// Match reports whether r passes the filter. Backends that can't push a
// predicate down use this to post-filter.
func (f Filter) Match(r *Record) bool {
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	if f.MinRelevance != nil && r.RelevanceScore < *f.MinRelevance {
		return false
	}
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.EmbeddedOnly && !r.Embedded() {
		return false
	}
	return true
}

// Sweep selects records for retention cleanup: a record goes if its
// timestamp is at or before Cutoff, or its relevance is below MinRelevance.
type Sweep struct {
	Cutoff       time.Time
	MinRelevance float64
}

// Match reports whether r would be removed by the sweep.
func (s Sweep) Match(r *Record) bool {
	return !r.Timestamp.After(s.Cutoff) || r.RelevanceScore < s.MinRelevance
}

// Less is the natural ordering: timestamp descending, then id descending.
func Less(a, b *Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// SortRecords sorts records into natural order in place.
func SortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return Less(&recs[i], &recs[j])
	})
}
