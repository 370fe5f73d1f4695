package engine

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"
)

// UnknownAuthor is shown when an author cannot be resolved.
const UnknownAuthor = "Unknown"

// DefaultLookupConcurrency bounds parallel author lookups.
const DefaultLookupConcurrency = 8

var errAuthorNotFound = errors.New("author not found")

// AuthorInfo is what the clinician directory knows about an author.
type AuthorInfo struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// AuthorResolver looks up clinicians by id.
type AuthorResolver interface {
	ResolveAuthor(ctx context.Context, authorID string) (*AuthorInfo, error)
}

// AuthorResolverFunc adapts a function to AuthorResolver.
type AuthorResolverFunc func(ctx context.Context, authorID string) (*AuthorInfo, error)

func (f AuthorResolverFunc) ResolveAuthor(ctx context.Context, authorID string) (*AuthorInfo, error) {
	return f(ctx, authorID)
}

// HistoryEntry is a persisted record with its author's display name.
type HistoryEntry struct {
	Record
	AuthorDisplayName string `json:"author_name"`
}

// Reconciler attaches author names to fetched records.
type Reconciler struct {
	Resolver AuthorResolver
	// Concurrency caps in-flight lookups; zero means DefaultLookupConcurrency.
	Concurrency int
	// OnFailure, when set, is told about each author that could not be
	// resolved. It may be called from several goroutines.
	OnFailure func(authorID string, err error)
}

// Reconcile is Reconciler.Reconcile with default settings.
func Reconcile(ctx context.Context, records []*Record, resolver AuthorResolver) []HistoryEntry {
	r := &Reconciler{Resolver: resolver}
	return r.Reconcile(ctx, records)
}

// Reconcile returns one entry per record, in input order. Each distinct
// author is looked up once; lookups run concurrently and all of them
// finish before Reconcile returns. A failed or empty lookup shows as
// UnknownAuthor and never drops the record. A nil record yields an empty
// entry attributed to UnknownAuthor.
func (r *Reconciler) Reconcile(ctx context.Context, records []*Record) []HistoryEntry {
	ids := make([]string, 0)
	index := make(map[string]int)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, seen := index[rec.AuthorID]; seen || rec.AuthorID == "" {
			continue
		}
		index[rec.AuthorID] = len(ids)
		ids = append(ids, rec.AuthorID)
	}

	names := make([]string, len(ids))
	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultLookupConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			names[i] = r.resolve(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]HistoryEntry, len(records))
	for i, rec := range records {
		if rec == nil {
			out[i] = HistoryEntry{AuthorDisplayName: UnknownAuthor}
			continue
		}
		name := UnknownAuthor
		if j, ok := index[rec.AuthorID]; ok {
			name = names[j]
		}
		out[i] = HistoryEntry{Record: *rec, AuthorDisplayName: name}
	}
	return out
}

func (r *Reconciler) resolve(ctx context.Context, id string) (name string) {
	defer func() {
		if p := recover(); p != nil {
			name = UnknownAuthor
			r.fail(id, errors.New("author lookup panicked"))
		}
	}()
	if r.Resolver == nil {
		r.fail(id, errAuthorNotFound)
		return UnknownAuthor
	}
	info, err := r.Resolver.ResolveAuthor(ctx, id)
	if err != nil {
		r.fail(id, err)
		return UnknownAuthor
	}
	if info == nil || strings.TrimSpace(info.DisplayName) == "" {
		r.fail(id, errAuthorNotFound)
		return UnknownAuthor
	}
	return info.DisplayName
}

func (r *Reconciler) fail(id string, err error) {
	if r.OnFailure != nil {
		r.OnFailure(id, err)
	}
}
