package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/magpielab/magpie/internal/types"
)

// PutCanonical stores a canonical paper under its fingerprint and
// writes a paper_id alias pointing at the fingerprint, so lookups work
// from either direction.
func (c *Client) PutCanonical(ctx context.Context, fingerprint string, paper *types.CanonicalPaper) error {
	if err := c.Set(ctx, CanonicalRecord, fingerprint, paper); err != nil {
		return err
	}
	expiry := TTLFor(CanonicalRecord) + c.staleFor
	alias := c.valueKey(CanonicalRecord, "id:"+paper.PaperID)
	if err := c.rdb.Set(ctx, alias, fingerprint, expiry).Err(); err != nil {
		return fmt.Errorf("cache alias %s: %w", paper.PaperID, err)
	}
	return nil
}

// GetCanonical loads a canonical paper by fingerprint. Stale records
// are reported as missing; canonicalization always rebuilds them.
func (c *Client) GetCanonical(ctx context.Context, fingerprint string) (*types.CanonicalPaper, bool, error) {
	var paper types.CanonicalPaper
	found, stale, err := c.Get(ctx, CanonicalRecord, fingerprint, &paper)
	if err != nil || !found || stale {
		return nil, false, err
	}
	return &paper, true, nil
}

// GetCanonicalByPaperID resolves the paper_id alias and loads the
// record it points at.
func (c *Client) GetCanonicalByPaperID(ctx context.Context, paperID string) (*types.CanonicalPaper, bool, error) {
	alias := c.valueKey(CanonicalRecord, "id:"+paperID)
	fingerprint, err := c.rdb.Get(ctx, alias).Result()
	if err == redis.Nil {
		c.record(CanonicalRecord, "id:"+paperID, types.CacheMiss)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache alias get: %w", err)
	}
	return c.GetCanonical(ctx, fingerprint)
}

// FillFunc resolves a missing DOI record upstream.
type FillFunc func(ctx context.Context) (*types.CanonicalPaper, error)

// GetOrFillDOI returns the cached record for a normalized DOI, or
// resolves and caches it. Concurrent callers for one DOI share a
// single resolution. Stale entries are refilled; a nil record from
// fill means the DOI is unresolvable and nothing is cached.
func (c *Client) GetOrFillDOI(ctx context.Context, doi string, fill FillFunc) (*types.CanonicalPaper, bool, error) {
	type lookup struct {
		paper  *types.CanonicalPaper
		cached bool
	}
	v, err, _ := c.flight.Do("doi:"+doi, func() (any, error) {
		var rec types.CanonicalPaper
		found, stale, err := c.Get(ctx, DOI, doi, &rec)
		if err != nil {
			return nil, err
		}
		if found && !stale {
			return lookup{&rec, true}, nil
		}
		fresh, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if fresh != nil {
			if err := c.Set(ctx, DOI, doi, fresh); err != nil {
				return nil, err
			}
		}
		return lookup{fresh, false}, nil
	})
	if err != nil {
		return nil, false, err
	}
	l := v.(lookup)
	return l.paper, l.cached, nil
}
