package catalog

import (
	"context"
	"fmt"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// CaseLister is the slice of the catalog store an Index reads.
type CaseLister interface {
	ListCases(ctx context.Context, query crawler.CaseQuery) ([]crawler.Case, error)
}

// Index is a token lookup over the cases visible in one catalog version.
// It is rebuilt from the store rather than kept in sync incrementally.
type Index struct {
	source    string
	versionID int64
	byToken   map[string]crawler.Case
}

// LoadIndex builds an Index for source at versionID, excluded cases included.
func LoadIndex(ctx context.Context, store CaseLister, source string, versionID int64) (*Index, error) {
	cases, err := store.ListCases(ctx, crawler.CaseQuery{Source: source, IncludeExcluded: true})
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	idx := &Index{source: source, versionID: versionID, byToken: make(map[string]crawler.Case, len(cases))}
	for _, c := range cases {
		if visibleIn(c, versionID) {
			idx.byToken[c.TokenNorm] = c
		}
	}
	return idx, nil
}

// visibleIn reports whether c was part of the snapshot of versionID. A case
// removed by versionID carries it as last-seen but is inactive.
func visibleIn(c crawler.Case, versionID int64) bool {
	if c.FirstSeenVersionID > versionID || c.LastSeenVersionID < versionID {
		return false
	}
	return c.Active || c.LastSeenVersionID > versionID
}

// Lookup normalizes raw and returns the matching case.
func (i *Index) Lookup(raw string) (crawler.Case, bool) {
	norm := crawler.NormalizeToken(raw)
	if norm == "" {
		return crawler.Case{}, false
	}
	c, ok := i.byToken[norm]
	return c, ok
}

// Len is the number of indexed cases.
func (i *Index) Len() int { return len(i.byToken) }

// VersionID is the catalog version the index was built for.
func (i *Index) VersionID() int64 { return i.versionID }

// Source is the feed source of the index.
func (i *Index) Source() string { return i.source }
