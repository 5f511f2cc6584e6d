// Package recall implements the similarity recall store: a per-tenant
// nearest-neighbor index over embeddings of previously confirmed
// (vendor → account) labels.
package recall

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// Embedder computes a vector for a piece of vendor text. Embedding is
// an external collaborator; this package owns only storage and query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the outcome of one recall query. Ambiguous is set when the
// top two hits have identical similarity but different accounts; the
// gate routes such proposals to review rather than guessing.
type Result struct {
	Hits      []model.RecallHit
	Ambiguous bool
}

// Top returns the best hit, or nil if the result is empty.
func (r Result) Top() *model.RecallHit {
	if len(r.Hits) == 0 {
		return nil
	}
	return &r.Hits[0]
}

// Store queries and maintains the recall index. Index snapshots are
// cached per tenant and invalidated on label writes; reads are
// concurrent-safe.
type Store struct {
	backing  store.Store
	embedder Embedder
	floor    float64

	mu    sync.RWMutex
	cache map[string][]store.RecallLabel
}

// New creates a recall store with the given minimum similarity floor.
func New(backing store.Store, embedder Embedder, floor float64) *Store {
	return &Store{
		backing:  backing,
		embedder: embedder,
		floor:    floor,
		cache:    make(map[string][]store.RecallLabel),
	}
}

// Recall returns up to k historical account labels whose stored
// embeddings are most similar to the vendor text, all at or above the
// similarity floor. An empty or unavailable index degrades to an empty
// result, never an error: empty recall means "inconclusive", not
// evidence against any account.
func (s *Store) Recall(ctx context.Context, vendorText string, tenantID string, k int) Result {
	labels, err := s.tenantLabels(ctx, tenantID)
	if err != nil {
		zap.L().Warn("recall: index unavailable, degrading to empty",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return Result{}
	}
	if len(labels) == 0 {
		return Result{}
	}

	query, err := s.embedder.Embed(ctx, model.NormalizeVendor(vendorText))
	if err != nil {
		zap.L().Warn("recall: embedding failed, degrading to empty",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return Result{}
	}

	hits := make([]model.RecallHit, 0, len(labels))
	for _, l := range labels {
		sim := cosine(query, l.Embedding)
		if sim < s.floor {
			continue
		}
		hits = append(hits, model.RecallHit{
			Account:    l.Account,
			Similarity: sim,
			LabeledAt:  l.LabeledAt,
		})
	}

	// Highest similarity first; equal similarity breaks on the most
	// recent label.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].LabeledAt.After(hits[j].LabeledAt)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	ambiguous := len(hits) >= 2 &&
		hits[0].Similarity == hits[1].Similarity &&
		hits[0].Account != hits[1].Account

	return Result{Hits: hits, Ambiguous: ambiguous}
}

// AddLabel stores a newly confirmed (vendor → account) pair, embedding
// the vendor key. Called from the approval workflow hook.
func (s *Store) AddLabel(ctx context.Context, tenantID, vendorText, account string, at time.Time) error {
	key := model.NormalizeVendor(vendorText)
	vec, err := s.embedder.Embed(ctx, key)
	if err != nil {
		return eris.Wrap(err, "recall: embed label")
	}
	label := store.RecallLabel{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		VendorKey: key,
		Account:   account,
		Embedding: vec,
		LabeledAt: at.UTC(),
	}
	if err := s.backing.InsertRecallLabel(ctx, label); err != nil {
		return eris.Wrap(err, "recall: insert label")
	}

	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
	return nil
}

func (s *Store) tenantLabels(ctx context.Context, tenantID string) ([]store.RecallLabel, error) {
	s.mu.RLock()
	labels, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return labels, nil
	}

	labels, err := s.backing.ListRecallLabels(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[tenantID] = labels
	s.mu.Unlock()
	return labels, nil
}

// cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero vectors yield 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
