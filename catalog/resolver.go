package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrNotFound is returned when no source owns the requested product id.
	ErrNotFound = errors.New("catalog: product not found")

	errNilResolver = errors.New("catalog: resolver not configured")
)

// LedgerSource is the read surface of the on-chain product registry.
type LedgerSource interface {
	// GetProduct returns the committed record for an id, reporting false when
	// the ledger does not own the id.
	GetProduct(ctx context.Context, id uint64) (*ProductRecord, bool, error)
	// ProductAddedIDs recovers product ids from a bounded historical window
	// of registry events, newest first.
	ProductAddedIDs(ctx context.Context) ([]uint64, error)
}

// DraftSource is the local store of uncommitted product records.
type DraftSource interface {
	DraftGet(id uint64) (*ProductRecord, bool, error)
	DraftIDs() ([]uint64, error)
}

// Resolver merges the ledger event log, the demo fixture, and the local draft
// store into a single catalog view. All sources are supplied explicitly so
// tests can substitute any of them.
type Resolver struct {
	ledger LedgerSource
	drafts DraftSource
	demo   map[uint64]ProductRecord
	log    *slog.Logger
}

// NewResolver constructs a resolver over the supplied sources. A nil ledger
// source is allowed and yields a catalog of demo and draft products only.
func NewResolver(ledger LedgerSource, drafts DraftSource, demo []ProductRecord, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	fixture := make(map[uint64]ProductRecord, len(demo))
	for _, rec := range demo {
		rec.Origin = OriginDemo
		fixture[rec.ID] = rec
	}
	return &Resolver{ledger: ledger, drafts: drafts, demo: fixture, log: logger}
}

// ListIDs returns the deduplicated union of demo, draft, and ledger product
// ids, sorted descending so the newest committed products surface first.
// Ledger failures degrade to the local sources: listing never hard-fails on
// an RPC error.
func (r *Resolver) ListIDs(ctx context.Context) ([]uint64, error) {
	if r == nil {
		return nil, errNilResolver
	}
	seen := make(map[uint64]struct{})
	for id := range r.demo {
		seen[id] = struct{}{}
	}
	if r.drafts != nil {
		ids, err := r.drafts.DraftIDs()
		if err != nil {
			r.log.Warn("catalog: draft listing failed", "err", err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	if r.ledger != nil {
		ids, err := r.ledger.ProductAddedIDs(ctx)
		if err != nil {
			r.log.Warn("catalog: ledger listing degraded", "err", err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// ResolveOne resolves a single id to the record from whichever source owns
// it. Drafts and demo fixtures are consulted before the ledger since they
// resolve without an RPC round trip, but a ledger record strictly overrides a
// draft for the same id: once a product is committed on-chain the local draft
// is stale by definition.
func (r *Resolver) ResolveOne(ctx context.Context, id uint64) (*ProductRecord, error) {
	if r == nil {
		return nil, errNilResolver
	}
	if r.drafts != nil {
		draft, ok, err := r.drafts.DraftGet(id)
		if err != nil {
			r.log.Warn("catalog: draft read failed", "id", id, "err", err)
		} else if ok && draft != nil {
			if committed := r.ledgerOverride(ctx, id); committed != nil {
				return committed, nil
			}
			rec := draft.Clone()
			rec.Origin = OriginDraft
			return rec, nil
		}
	}
	if rec, ok := r.demo[id]; ok {
		return rec.Clone(), nil
	}
	if r.ledger == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	rec, ok, err := r.ledger.GetProduct(ctx, id)
	if err != nil {
		r.log.Warn("catalog: ledger read failed", "id", id, "err", err)
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if !ok || rec == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	resolved := rec.Clone()
	resolved.Origin = OriginLedger
	return resolved, nil
}

// ledgerOverride probes the ledger for an id that also exists as a draft. A
// probe failure falls back to the draft so a flaky RPC endpoint cannot take
// local products offline.
func (r *Resolver) ledgerOverride(ctx context.Context, id uint64) *ProductRecord {
	if r.ledger == nil {
		return nil
	}
	rec, ok, err := r.ledger.GetProduct(ctx, id)
	if err != nil {
		r.log.Warn("catalog: ledger override probe failed", "id", id, "err", err)
		return nil
	}
	if !ok || rec == nil {
		return nil
	}
	resolved := rec.Clone()
	resolved.Origin = OriginLedger
	return resolved
}
