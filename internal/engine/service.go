package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
)

// DefaultLimit is the number of results a semantic query returns when the
// caller doesn't ask for a specific count.
const DefaultLimit = 5

// DefaultEmbedTimeout bounds a single embedding call.
const DefaultEmbedTimeout = 30 * time.Second

// Service stores, ranks and expires conversational memories.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	store        memory.Store
	prefs        memory.PreferenceStore
	embedder     Embedder
	tagger       Tagger
	decayRate    float64
	defaultLimit int
	embedTimeout time.Duration
	defaults     memory.Preferences
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDecayRate sets the per-day relevance decay.
func WithDecayRate(rate float64) Option {
	return func(s *Service) { s.decayRate = rate }
}

// WithDefaultLimit sets the result count used when Query is called with limit <= 0.
func WithDefaultLimit(n int) Option {
	return func(s *Service) { s.defaultLimit = n }
}

// WithEmbedTimeout bounds each embedding call. Zero disables the bound.
func WithEmbedTimeout(d time.Duration) Option {
	return func(s *Service) { s.embedTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTagger enables mood tagging on Store.
func WithTagger(t Tagger) Option {
	return func(s *Service) { s.tagger = t }
}

// WithPreferenceStore overrides where retention preferences are read from.
func WithPreferenceStore(p memory.PreferenceStore) Option {
	return func(s *Service) { s.prefs = p }
}

// WithDefaultPreferences sets the retention settings for owners that have none.
func WithDefaultPreferences(p memory.Preferences) Option {
	return func(s *Service) { s.defaults = p }
}

// New creates a Service. If store also implements memory.PreferenceStore it
// is used for retention preferences unless WithPreferenceStore says otherwise.
func New(store memory.Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:        store,
		embedder:     embedder,
		decayRate:    DefaultDecayRate,
		defaultLimit: DefaultLimit,
		embedTimeout: DefaultEmbedTimeout,
		defaults:     memory.DefaultPreferences(),
		now:          time.Now,
	}
	if p, ok := store.(memory.PreferenceStore); ok {
		s.prefs = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is one ranked hit of a semantic query. Score is never persisted.
type Result struct {
	Record     memory.Record `json:"memory"`
	Score      float64       `json:"score"`
	Similarity float64       `json:"similarity"`
	AgePenalty float64       `json:"age_penalty"`
}

// Update is one item of a bulk update.
type Update struct {
	ID string `json:"id"`
	memory.Patch
}

// UpdateResult reports the outcome of one bulk update item.
type UpdateResult struct {
	ID     string         `json:"id"`
	Record *memory.Record `json:"memory,omitempty"`
	Err    error          `json:"-"`
}

// CleanupResult reports a retention sweep for one owner.
type CleanupResult struct {
	Deleted     int64              `json:"deleted_count"`
	Cutoff      time.Time          `json:"cutoff_date"`
	Preferences memory.Preferences `json:"preferences"`
}

// Store embeds and persists one memory. If the embedding provider fails the
// memory is still stored, without a vector, and EmbedMissing can fill it in later.
func (s *Service) Store(ctx context.Context, owner string, n memory.NewRecord) (*memory.Record, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	validateNew(verr, -1, n)
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid memory", goerr.V("owner", owner))
	}

	rec := s.build(owner, n)
	if s.tagger != nil {
		s.tagMood(ctx, &rec)
	}
	s.attachEmbedding(ctx, &rec)

	if err := s.store.InsertBatch(ctx, []memory.Record{rec}); err != nil {
		return nil, storeFailure(err, "store memory", goerr.V("owner", owner))
	}
	return &rec, nil
}

// StoreBatch validates every item before persisting any of them, then stores
// the whole batch atomically.
func (s *Service) StoreBatch(ctx context.Context, owner string, items []memory.NewRecord) ([]memory.Record, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := validateBatchSize(len(items)); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	for i, n := range items {
		validateNew(verr, i, n)
	}
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid batch", goerr.V("owner", owner), goerr.V("size", len(items)))
	}

	recs := make([]memory.Record, len(items))
	for i, n := range items {
		recs[i] = s.build(owner, n)
		s.attachEmbedding(ctx, &recs[i])
	}

	if err := s.store.InsertBatch(ctx, recs); err != nil {
		return nil, storeFailure(err, "store batch", goerr.V("owner", owner), goerr.V("size", len(recs)))
	}
	return recs, nil
}

// Get returns one of owner's memories.
func (s *Service) Get(ctx context.Context, owner, id string) (*memory.Record, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, storeFailure(err, "get memory", goerr.V("owner", owner), goerr.V("id", id))
	}
	return rec, nil
}

// List returns owner's memories matching f, newest first.
func (s *Service) List(ctx context.Context, owner string, f memory.Filter) ([]memory.Record, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	if f.MinRelevance != nil {
		validateRelevance(verr, -1, "", *f.MinRelevance)
	}
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		verr.Add(-1, "start_date", "must not be after end_date")
	}
	if f.Role != "" && !f.Role.Valid() {
		verr.Add(-1, "role", "must be one of user, assistant, system")
	}
	if f.Limit < 0 {
		verr.Add(-1, "limit", "must be >= 0")
	}
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid filter")
	}

	recs, err := s.store.List(ctx, owner, f)
	if err != nil {
		return nil, storeFailure(err, "list memories", goerr.V("owner", owner))
	}
	return recs, nil
}

// Query ranks owner's embedded memories against text and returns the top
// limit hits. limit <= 0 means the configured default. Memories without a
// vector are not candidates. A record whose vector can't be compared is
// skipped rather than failing the query.
func (s *Service) Query(ctx context.Context, owner, text string, limit int) ([]Result, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	validateMessage(verr, -1, "", text)
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid query")
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	logger := logging.From(ctx)

	queryVec, err := s.embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "embed query", goerr.V("owner", owner))
	}
	if isZero(queryVec) {
		logger.Warn("query embedding has zero norm, nothing to rank", "owner", owner)
		return []Result{}, nil
	}

	recs, err := s.store.List(ctx, owner, memory.Filter{EmbeddedOnly: true})
	if err != nil {
		return nil, storeFailure(err, "load candidates", goerr.V("owner", owner))
	}

	now := s.now()
	results := make([]Result, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		if rec.Owner != owner || !rec.Embedded() {
			continue
		}
		sim, err := CosineSimilarity(queryVec, rec.Embedding)
		if err != nil {
			logger.Debug("skipping memory in ranking", "id", rec.ID, "error", err)
			continue
		}
		penalty := AgePenalty(rec.Timestamp, now, s.decayRate)
		results = append(results, Result{
			Record:     *rec,
			Score:      CompositeScore(sim, rec.RelevanceScore, penalty),
			Similarity: sim,
			AgePenalty: penalty,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return memory.Less(&results[i].Record, &results[j].Record)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Update applies a partial update to one memory. Editing the message keeps
// the existing vector.
func (s *Service) Update(ctx context.Context, owner, id string, p memory.Patch) (*memory.Record, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	validatePatch(verr, -1, id, p)
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid update", goerr.V("id", id))
	}

	rec, err := s.store.Update(ctx, owner, id, p)
	if err != nil {
		return nil, storeFailure(err, "update memory", goerr.V("owner", owner), goerr.V("id", id))
	}
	return rec, nil
}

// UpdateBatch verifies that owner holds every referenced id, then applies
// each update independently. A failing item is reported in its result and
// does not undo its siblings.
func (s *Service) UpdateBatch(ctx context.Context, owner string, updates []Update) ([]UpdateResult, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := validateBatchSize(len(updates)); err != nil {
		return nil, err
	}
	verr := &memory.ValidationError{}
	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
		validatePatch(verr, i, u.ID, u.Patch)
	}
	uniqueIDs(verr, ids)
	if err := verr.Err(); err != nil {
		return nil, goerr.Wrap(err, "invalid batch update", goerr.V("owner", owner))
	}

	if err := s.checkOwnership(ctx, owner, ids); err != nil {
		return nil, err
	}

	results := make([]UpdateResult, len(updates))
	for i, u := range updates {
		results[i].ID = u.ID
		rec, err := s.store.Update(ctx, owner, u.ID, u.Patch)
		if err != nil {
			results[i].Err = storeFailure(err, "update memory", goerr.V("id", u.ID))
			logging.From(ctx).Warn("bulk update item failed", "id", u.ID, "error", err)
			continue
		}
		results[i].Record = rec
	}
	return results, nil
}

// Delete removes the given memories after verifying owner holds all of them.
func (s *Service) Delete(ctx context.Context, owner string, ids []string) (int64, error) {
	if err := validateOwner(owner); err != nil {
		return 0, err
	}
	if err := validateBatchSize(len(ids)); err != nil {
		return 0, err
	}
	verr := &memory.ValidationError{}
	for i, id := range ids {
		if id == "" {
			verr.Add(i, "id", "required")
		}
	}
	uniqueIDs(verr, ids)
	if err := verr.Err(); err != nil {
		return 0, goerr.Wrap(err, "invalid delete", goerr.V("owner", owner))
	}

	if err := s.checkOwnership(ctx, owner, ids); err != nil {
		return 0, err
	}

	n, err := s.store.DeleteIDs(ctx, owner, ids)
	if err != nil {
		return 0, storeFailure(err, "delete memories", goerr.V("owner", owner))
	}
	return n, nil
}

// Preferences returns owner's retention settings, falling back to the
// service defaults for anything unset.
func (s *Service) Preferences(ctx context.Context, owner string) (memory.Preferences, error) {
	if err := validateOwner(owner); err != nil {
		return memory.Preferences{}, err
	}
	if s.prefs == nil {
		return s.defaults, nil
	}
	raw, err := s.prefs.GetPreferences(ctx, owner)
	if err != nil {
		return memory.Preferences{}, storeFailure(err, "get preferences", goerr.V("owner", owner))
	}
	prefs, err := s.defaults.FromMap(raw)
	if err != nil {
		return memory.Preferences{}, goerr.Wrap(err, "stored preferences", goerr.V("owner", owner))
	}
	return prefs, nil
}

// DefaultPreferences returns the retention settings used for owners without stored ones.
func (s *Service) DefaultPreferences() memory.Preferences {
	return s.defaults
}

// SetPreferences writes owner's retention settings, keeping any unrelated
// keys already in the preference map.
func (s *Service) SetPreferences(ctx context.Context, owner string, p memory.Preferences) error {
	if err := validateOwner(owner); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if s.prefs == nil {
		return goerr.Wrap(memory.ErrStoreUnavailable, "no preference store configured")
	}
	raw, err := s.prefs.GetPreferences(ctx, owner)
	if err != nil {
		return storeFailure(err, "get preferences", goerr.V("owner", owner))
	}
	if err := s.prefs.PutPreferences(ctx, owner, p.ToMap(raw)); err != nil {
		return storeFailure(err, "put preferences", goerr.V("owner", owner))
	}
	return nil
}

// Cleanup reads owner's retention preferences and sweeps accordingly.
func (s *Service) Cleanup(ctx context.Context, owner string) (*CleanupResult, error) {
	prefs, err := s.Preferences(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.CleanupWith(ctx, owner, prefs)
}

// CleanupWith deletes every memory of owner that is at least
// prefs.RetentionDays old, or whose relevance is below prefs.MinRelevanceScore.
// The cutoff is computed from the current second, so records created within
// the same second are treated alike by repeated calls.
func (s *Service) CleanupWith(ctx context.Context, owner string, prefs memory.Preferences) (*CleanupResult, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := prefs.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	cutoff := now.Add(-time.Duration(prefs.RetentionDays) * 24 * time.Hour)

	n, err := s.store.DeleteSweep(ctx, owner, memory.Sweep{
		Cutoff:       cutoff,
		MinRelevance: prefs.MinRelevanceScore,
	})
	if err != nil {
		return nil, storeFailure(err, "cleanup", goerr.V("owner", owner), goerr.V("cutoff", cutoff))
	}

	if n > 0 {
		logging.From(ctx).Info("cleanup", "owner", owner, "deleted", n, "cutoff", cutoff)
	}
	return &CleanupResult{Deleted: n, Cutoff: cutoff, Preferences: prefs}, nil
}

// EmbedMissing embeds owner's memories that were stored without a vector.
// Memories that already have one are left alone. Returns how many were
// embedded; per-record failures are logged and skipped.
func (s *Service) EmbedMissing(ctx context.Context, owner string) (int, error) {
	if err := validateOwner(owner); err != nil {
		return 0, err
	}
	if s.embedder == nil {
		return 0, nil
	}

	recs, err := s.store.List(ctx, owner, memory.Filter{})
	if err != nil {
		return 0, storeFailure(err, "list memories", goerr.V("owner", owner))
	}

	logger := logging.From(ctx)
	embedded := 0
	for i := range recs {
		if recs[i].Embedded() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		vec, err := s.embedRecord(ctx, recs[i].Message)
		if err != nil {
			logger.Warn("embed missing", "id", recs[i].ID, "error", err)
			continue
		}
		if err := s.store.SetEmbedding(ctx, owner, recs[i].ID, vec, s.embedder.Model()); err != nil {
			logger.Warn("save embedding", "id", recs[i].ID, "error", err)
			continue
		}
		embedded++
	}
	return embedded, nil
}

// unembeddedCounter is implemented by stores that can count vectorless
// memories without loading them.
type unembeddedCounter interface {
	CountUnembedded(ctx context.Context, owner string) (int, error)
}

// Unembedded returns how many of owner's memories have no vector yet.
func (s *Service) Unembedded(ctx context.Context, owner string) (int, error) {
	if err := validateOwner(owner); err != nil {
		return 0, err
	}
	if c, ok := s.store.(unembeddedCounter); ok {
		n, err := c.CountUnembedded(ctx, owner)
		if err != nil {
			return 0, storeFailure(err, "count unembedded", goerr.V("owner", owner))
		}
		return n, nil
	}

	recs, err := s.store.List(ctx, owner, memory.Filter{})
	if err != nil {
		return 0, storeFailure(err, "list memories", goerr.V("owner", owner))
	}
	n := 0
	for i := range recs {
		if !recs[i].Embedded() {
			n++
		}
	}
	return n, nil
}

// Owners lists every owner with stored memories.
func (s *Service) Owners(ctx context.Context) ([]string, error) {
	owners, err := s.store.Owners(ctx)
	if err != nil {
		return nil, storeFailure(err, "list owners")
	}
	return owners, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return memory.StoreUnavailable(err)
	}
	return nil
}

func (s *Service) build(owner string, n memory.NewRecord) memory.Record {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	rel := memory.DefaultRelevance
	if n.RelevanceScore != nil {
		rel = *n.RelevanceScore
	}
	return memory.Record{
		ID:             memory.NewID(),
		Owner:          owner,
		Message:        n.Message,
		Role:           n.Role,
		Context:        n.Context.Clone(),
		RelevanceScore: rel,
		Timestamp:      ts.UTC().Truncate(time.Millisecond),
	}
}

// attachEmbedding embeds rec.Message. On failure rec stays unembedded.
func (s *Service) attachEmbedding(ctx context.Context, rec *memory.Record) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedRecord(ctx, rec.Message)
	if err != nil {
		logging.From(ctx).Warn("storing memory without embedding",
			"owner", rec.Owner, "id", rec.ID, "error", err)
		return
	}
	rec.Embedding = vec
	rec.EmbeddingModel = s.embedder.Model()
}

func (s *Service) embed(ctx context.Context, text string) ([]float64, error) {
	if s.embedder == nil {
		return nil, goerr.Wrap(memory.ErrEmbeddingUnavailable, "no embedder configured")
	}
	if s.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.embedTimeout)
		defer cancel()
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, memory.EmbeddingUnavailable(err)
	}
	if len(vec) == 0 {
		return nil, memory.EmbeddingUnavailable(goerr.New("empty embedding", goerr.V("model", s.embedder.Model())))
	}
	return vec, nil
}

// embedRecord embeds a memory's message. A zero vector can never rank, so it
// is treated as a failed embedding and the memory stays eligible for backfill.
func (s *Service) embedRecord(ctx context.Context, text string) ([]float64, error) {
	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if isZero(vec) {
		return nil, memory.EmbeddingUnavailable(goerr.New("zero embedding", goerr.V("model", s.embedder.Model())))
	}
	return vec, nil
}

// checkOwnership rejects the batch unless owner holds exactly the given ids.
func (s *Service) checkOwnership(ctx context.Context, owner string, ids []string) error {
	owned, err := s.store.GetByIDs(ctx, owner, ids)
	if err != nil {
		return storeFailure(err, "verify ownership", goerr.V("owner", owner))
	}
	if len(owned) != len(ids) {
		return goerr.Wrap(memory.ErrOwnershipViolation, "batch references memories not owned by caller",
			goerr.V("owner", owner), goerr.V("requested", len(ids)), goerr.V("owned", len(owned)))
	}
	return nil
}

// storeFailure passes through taxonomy errors a store may legitimately
// return and marks everything else as a persistence failure.
func storeFailure(err error, msg string, opts ...goerr.Option) error {
	switch {
	case errors.Is(err, memory.ErrNotFound),
		errors.Is(err, memory.ErrValidation),
		errors.Is(err, memory.ErrOwnershipViolation),
		errors.Is(err, memory.ErrStoreUnavailable):
		return goerr.Wrap(err, msg, opts...)
	case errors.Is(err, context.Canceled):
		return goerr.Wrap(err, msg, opts...)
	}
	return goerr.Wrap(memory.StoreUnavailable(err), msg, opts...)
}

func isZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
