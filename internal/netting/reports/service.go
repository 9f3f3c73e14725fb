package reports

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fxdesk/fxdesk/internal/netting"
)

// Source supplies the matches and operations reports are built from.
type Source interface {
	ListMatches(ctx context.Context, filter netting.MatchFilter) ([]netting.Match, error)
	GetOperations(ctx context.Context, ids []int64) (map[int64]netting.Operation, error)
}

// Cache stores rendered reports under versioned keys.
type Cache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Service builds profit reports, caching each result until the next netting mutation.
type Service struct {
	source Source
	cache  Cache
	group  singleflight.Group
}

// NewService wires a Source with a Cache.
func NewService(source Source, cache Cache) *Service {
	return &Service{source: source, cache: cache}
}

// ProfitByOperation returns the nonzero profit per completed operation.
func (s *Service) ProfitByOperation(ctx context.Context, filter Filter) ([]OperationProfit, error) {
	var out []OperationProfit
	err := s.fetch(ctx, "operation", filter, &out, func(ctx context.Context) (any, error) {
		matches, ops, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		return ProfitByOperation(matches, ops, filter), nil
	})
	return out, err
}

// ProfitByClient returns profit attributed to buy-side clients.
func (s *Service) ProfitByClient(ctx context.Context, filter Filter) ([]ClientProfit, error) {
	var out []ClientProfit
	err := s.fetch(ctx, "client", filter, &out, func(ctx context.Context) (any, error) {
		matches, ops, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		return ProfitByClient(matches, ops, filter)
	})
	return out, err
}

// Bump drops every cached report.
func (s *Service) Bump(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Bump(ctx)
}

func (s *Service) fetch(ctx context.Context, report string, filter Filter, dest any, loader func(context.Context) (any, error)) error {
	if s.cache == nil {
		return loadInto(ctx, dest, loader)
	}
	key, err := s.cache.BuildKey(ctx, "reports", "profit", report, boundToken(filter.From), boundToken(filter.To))
	if err != nil {
		return err
	}
	shared, err, _ := s.group.Do(key, func() (any, error) {
		var raw json.RawMessage
		if err := s.cache.FetchJSON(ctx, key, &raw, loader); err != nil {
			return nil, err
		}
		return []byte(raw), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(shared.([]byte), dest)
}

func (s *Service) load(ctx context.Context) ([]netting.Match, map[int64]netting.Operation, error) {
	matches, err := s.source.ListMatches(ctx, netting.MatchFilter{Status: netting.MatchStatusActive})
	if err != nil {
		return nil, nil, err
	}
	ops, err := s.source.GetOperations(ctx, referencedOperations(matches))
	if err != nil {
		return nil, nil, err
	}
	return matches, ops, nil
}

func boundToken(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("20060102")
}
