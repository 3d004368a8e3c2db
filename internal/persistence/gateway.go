package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/storage"
)

// Store is the subset of storage the gateway writes through.
type Store interface {
	EnsureEntity(ctx context.Context, e market.Entity) (int64, bool, error)
	InsertListing(ctx context.Context, entityID int64, l market.Listing, occurrence int) error
	RefreshDailyRollup(ctx context.Context, entityID int64, day time.Time) error
	RefreshMarketInsight(ctx context.Context, day time.Time) error
	ListRollupKeys(ctx context.Context, from, to time.Time) ([]storage.RollupKey, error)
}

// Counts summarise one persisted batch.
type Counts struct {
	Inserted          int
	EntitiesCreated   int
	Errors            int
	RollupsRefreshed  int
	InsightsRefreshed int
}

// Gateway owns every write to the relational store.
type Gateway struct {
	store  Store
	logger zerolog.Logger

	mu       sync.Mutex
	entities map[string]int64
}

// NewGateway wires the gateway over a store.
func NewGateway(store Store, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		logger:   logger.With().Str("component", "persistence").Logger(),
		entities: make(map[string]int64),
	}
}

// Persist writes a batch: an entity upsert and a fact insert per listing,
// then a recomputation of every touched rollup. A failing record is logged
// and counted; the rest of the batch continues.
func (g *Gateway) Persist(ctx context.Context, listings []market.Listing) Counts {
	var counts Counts
	touched := make(map[storage.RollupKey]struct{})
	days := make(map[time.Time]struct{})
	seen := make(map[factKey]int)

	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			counts.Errors++
			continue
		}
		if err := l.Validate(); err != nil {
			counts.Errors++
			g.logger.Warn().Err(err).Str("source", l.Source).Msg("listing rejected")
			continue
		}

		entityID, created, err := g.resolveEntity(ctx, l)
		if err != nil {
			counts.Errors++
			g.logger.Error().Err(err).Str("item", l.CanonicalName).Msg("entity upsert failed")
			continue
		}
		if created {
			counts.EntitiesCreated++
		}

		key := newFactKey(entityID, l)
		occurrence := seen[key]
		seen[key]++

		if err := g.store.InsertListing(ctx, entityID, l, occurrence); err != nil {
			counts.Errors++
			g.logger.Error().Err(err).Str("item", l.CanonicalName).Str("source", l.Source).Msg("listing insert failed")
			continue
		}
		counts.Inserted++

		day := storage.Day(l.ObservedAt)
		touched[storage.RollupKey{EntityID: entityID, Day: day}] = struct{}{}
		days[day] = struct{}{}
	}

	g.refresh(ctx, sortedKeys(touched), sortedDays(days), &counts)

	g.logger.Info().
		Int("inserted", counts.Inserted).
		Int("entities_created", counts.EntitiesCreated).
		Int("errors", counts.Errors).
		Int("rollups", counts.RollupsRefreshed).
		Msg("persistence batch result")
	return counts
}

// Rebuild recomputes every rollup and insight for facts observed in [from, to).
func (g *Gateway) Rebuild(ctx context.Context, from, to time.Time) (Counts, error) {
	keys, err := g.store.ListRollupKeys(ctx, from, to)
	if err != nil {
		return Counts{}, fmt.Errorf("list rollup keys: %w", err)
	}

	days := make(map[time.Time]struct{})
	for _, k := range keys {
		days[k.Day] = struct{}{}
	}

	var counts Counts
	g.refresh(ctx, keys, sortedDays(days), &counts)
	g.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("rollups", counts.RollupsRefreshed).
		Int("insights", counts.InsightsRefreshed).
		Int("errors", counts.Errors).
		Msg("rollups rebuilt")
	return counts, nil
}

func (g *Gateway) refresh(ctx context.Context, keys []storage.RollupKey, days []time.Time, counts *Counts) {
	for _, k := range keys {
		if err := g.store.RefreshDailyRollup(ctx, k.EntityID, k.Day); err != nil {
			counts.Errors++
			g.logger.Error().Err(err).Int64("entity_id", k.EntityID).Time("day", k.Day).Msg("daily rollup refresh failed")
			continue
		}
		counts.RollupsRefreshed++
	}
	for _, day := range days {
		if err := g.store.RefreshMarketInsight(ctx, day); err != nil {
			counts.Errors++
			g.logger.Error().Err(err).Time("day", day).Msg("market insight refresh failed")
			continue
		}
		counts.InsightsRefreshed++
	}
}

// resolveEntity caches ids by match key. Entities are never deleted, so a
// cached id stays valid for the gateway's lifetime.
func (g *Gateway) resolveEntity(ctx context.Context, l market.Listing) (int64, bool, error) {
	key := l.Key()

	g.mu.Lock()
	id, ok := g.entities[key]
	g.mu.Unlock()
	if ok {
		return id, false, nil
	}

	id, created, err := g.store.EnsureEntity(ctx, market.Entity{
		CanonicalName: l.CanonicalName,
		Rarity:        l.Rarity,
		Special:       l.Special,
	})
	if err != nil {
		return 0, false, err
	}

	g.mu.Lock()
	g.entities[key] = id
	g.mu.Unlock()
	return id, created, nil
}

// factKey identifies a listing fact for aggregation. Identical facts inside
// one batch are numbered so separate listings at the same price still count
// once each, while a replayed batch reproduces the same numbers.
type factKey struct {
	entityID   int64
	source     string
	price      int64
	condition  string
	float      float64
	hasFloat   bool
	observedAt int64
}

func newFactKey(entityID int64, l market.Listing) factKey {
	k := factKey{
		entityID:   entityID,
		source:     l.Source,
		price:      l.PriceMinor,
		condition:  l.Condition,
		observedAt: l.ObservedAt.UnixMicro(),
	}
	if l.FloatValue != nil {
		k.float, k.hasFloat = *l.FloatValue, true
	}
	return k
}

func sortedKeys(set map[storage.RollupKey]struct{}) []storage.RollupKey {
	keys := make([]storage.RollupKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Day.Equal(keys[j].Day) {
			return keys[i].Day.Before(keys[j].Day)
		}
		return keys[i].EntityID < keys[j].EntityID
	})
	return keys
}

func sortedDays(set map[time.Time]struct{}) []time.Time {
	days := make([]time.Time, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}
