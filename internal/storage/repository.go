package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"skinmarket-ingest/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	// The CTE's read-back branch uses the statement snapshot, so a row
	// committed by a concurrent run after the snapshot yields no rows; the
	// caller retries once.
	ensureEntitySQL = `WITH inserted AS (
        INSERT INTO entities (canonical_name, rarity, special)
        VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING
        RETURNING id, TRUE AS created
    )
    SELECT id, created FROM inserted
    UNION ALL
    SELECT id, FALSE FROM entities WHERE lower(canonical_name) = lower($1)
    LIMIT 1;`

	insertListingSQL = `INSERT INTO listings (
        entity_id,
        price_minor,
        condition,
        float_value,
        watchers,
        source,
        confidence,
        is_best,
        observed_at,
        occurrence
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	// Duplicate facts from re-ingestion collapse in the GROUP BY, so the
	// rollup converges to the same values however often a day is ingested.
	// occurrence keeps identical listings seen in one batch apart.
	refreshDailyRollupSQL = `INSERT INTO daily_rollups (entity_id, day, volume, price_minor, updated_at)
    SELECT
        $1::bigint,
        $2::date,
        COUNT(*),
        COALESCE(MIN(price_minor) FILTER (WHERE best), MIN(price_minor)),
        now()
    FROM (
        SELECT price_minor, bool_or(is_best) AS best
        FROM listings
        WHERE entity_id = $1::bigint
          AND observed_at >= ($2::date)::timestamp AT TIME ZONE 'UTC'
          AND observed_at <  ($2::date + 1)::timestamp AT TIME ZONE 'UTC'
        GROUP BY source, price_minor, condition, float_value, observed_at, occurrence
    ) facts
    HAVING COUNT(*) > 0
    ON CONFLICT (entity_id, day) DO UPDATE
    SET volume      = EXCLUDED.volume,
        price_minor = EXCLUDED.price_minor,
        updated_at  = EXCLUDED.updated_at;`

	refreshMarketInsightSQL = `INSERT INTO market_insights (
        day, total_listings, total_value_minor, avg_price_minor, volatility, updated_at
    )
    SELECT
        $1::date,
        COUNT(*),
        SUM(price_minor),
        ROUND(AVG(price_minor), 4),
        CASE WHEN AVG(price_minor) = 0 THEN 0
             ELSE (stddev_pop(price_minor) / AVG(price_minor))::double precision
        END,
        now()
    FROM (
        SELECT DISTINCT entity_id, source, price_minor, condition, float_value, observed_at, occurrence
        FROM listings
        WHERE observed_at >= ($1::date)::timestamp AT TIME ZONE 'UTC'
          AND observed_at <  ($1::date + 1)::timestamp AT TIME ZONE 'UTC'
    ) facts
    HAVING COUNT(*) > 0
    ON CONFLICT (day) DO UPDATE
    SET total_listings    = EXCLUDED.total_listings,
        total_value_minor = EXCLUDED.total_value_minor,
        avg_price_minor   = EXCLUDED.avg_price_minor,
        volatility        = EXCLUDED.volatility,
        updated_at        = EXCLUDED.updated_at;`

	listRollupKeysSQL = `SELECT DISTINCT entity_id, (observed_at AT TIME ZONE 'UTC')::date AS day
    FROM listings
    WHERE observed_at >= $1 AND observed_at < $2
    ORDER BY day, entity_id;`

	findEntitySQL = `SELECT id, canonical_name, rarity, special, created_at
    FROM entities
    WHERE lower(canonical_name) = lower($1)
    ORDER BY id
    LIMIT 1;`

	listRecentListingsSQL = `SELECT
        l.id,
        l.entity_id,
        e.canonical_name,
        e.rarity,
        e.special,
        l.price_minor,
        COALESCE(l.condition, ''),
        l.float_value,
        COALESCE(l.watchers, 0),
        l.source,
        l.confidence,
        l.is_best,
        l.observed_at,
        l.created_at
    FROM listings l
    JOIN entities e ON e.id = l.entity_id
    ORDER BY l.observed_at DESC, l.id DESC
    LIMIT $1;`

	listDailyRollupsSQL = `SELECT r.entity_id, e.canonical_name, r.day, r.volume, r.price_minor, r.updated_at
    FROM daily_rollups r
    JOIN entities e ON e.id = r.entity_id
    WHERE r.entity_id = $1
      AND r.day >= $2::date
      AND r.day <  $3::date
    ORDER BY r.day
    LIMIT $4;`

	listRecentInsightsSQL = `SELECT day, total_listings, total_value_minor, avg_price_minor::text, volatility, updated_at
    FROM market_insights
    ORDER BY day DESC
    LIMIT $1;`

	countRowsSQL = `SELECT
        (SELECT COUNT(*) FROM entities),
        (SELECT COUNT(*) FROM listings);`
)

// EntityStore resolves logical items.
type EntityStore interface {
	EnsureEntity(ctx context.Context, e market.Entity) (id int64, created bool, err error)
	FindEntity(ctx context.Context, canonical string) (market.Entity, error)
}

// ListingStore appends observation facts.
type ListingStore interface {
	InsertListing(ctx context.Context, entityID int64, l market.Listing, occurrence int) error
	ListRecentListings(ctx context.Context, limit int) ([]StoredListing, error)
}

// RollupStore recomputes and reads derived aggregates.
type RollupStore interface {
	RefreshDailyRollup(ctx context.Context, entityID int64, day time.Time) error
	RefreshMarketInsight(ctx context.Context, day time.Time) error
	ListRollupKeys(ctx context.Context, from, to time.Time) ([]RollupKey, error)
	ListDailyRollups(ctx context.Context, entityID int64, from, to time.Time, limit int) ([]DailyRollup, error)
	ListRecentInsights(ctx context.Context, limit int) ([]MarketInsight, error)
}

// Store aggregates access to entities, listings and rollups.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureEntity inserts the entity if absent and returns its id either way.
func (s *Store) EnsureEntity(ctx context.Context, e market.Entity) (int64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	if strings.TrimSpace(e.CanonicalName) == "" {
		return 0, false, fmt.Errorf("ensure entity: empty canonical name")
	}

	for attempt := 0; attempt < 2; attempt++ {
		var (
			id      int64
			created bool
		)
		err := pool.QueryRow(ctx, ensureEntitySQL, e.CanonicalName, int16(e.Rarity), e.Special).Scan(&id, &created)
		if err == nil {
			return id, created, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("ensure entity %q: %w", e.CanonicalName, err)
		}
	}
	return 0, false, fmt.Errorf("ensure entity %q: row not visible after retry", e.CanonicalName)
}

// FindEntity looks an entity up by case-insensitive canonical name.
func (s *Store) FindEntity(ctx context.Context, canonical string) (market.Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Entity{}, err
	}

	var (
		e      market.Entity
		rarity int16
	)
	err = pool.QueryRow(ctx, findEntitySQL, canonical).Scan(&e.ID, &e.CanonicalName, &rarity, &e.Special, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Entity{}, fmt.Errorf("entity %q: %w", canonical, ErrNotFound)
	}
	if err != nil {
		return market.Entity{}, fmt.Errorf("find entity: %w", err)
	}
	e.Rarity = int(rarity)
	return e, nil
}

// InsertListing appends one fact row. Listings are never updated. occurrence
// numbers otherwise identical facts within one batch, starting at zero.
func (s *Store) InsertListing(ctx context.Context, entityID int64, l market.Listing, occurrence int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var condition interface{}
	if l.Condition != "" {
		condition = l.Condition
	}
	var floatValue interface{}
	if l.FloatValue != nil {
		floatValue = *l.FloatValue
	}

	_, execErr := pool.Exec(ctx, insertListingSQL,
		entityID,
		l.PriceMinor,
		condition,
		floatValue,
		int32(l.Watchers),
		l.Source,
		int16(l.Confidence),
		l.Best,
		l.ObservedAt.UTC(),
		int32(occurrence),
	)
	if execErr != nil {
		return fmt.Errorf("insert listing %q: %w", l.CanonicalName, execErr)
	}
	return nil
}

// RefreshDailyRollup recomputes one entity-day row from its facts.
func (s *Store) RefreshDailyRollup(ctx context.Context, entityID int64, day time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, refreshDailyRollupSQL, entityID, Day(day)); execErr != nil {
		return fmt.Errorf("refresh daily rollup %d/%s: %w", entityID, Day(day).Format(time.DateOnly), execErr)
	}
	return nil
}

// RefreshMarketInsight recomputes the catalogue-wide row of one day.
func (s *Store) RefreshMarketInsight(ctx context.Context, day time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, refreshMarketInsightSQL, Day(day)); execErr != nil {
		return fmt.Errorf("refresh market insight %s: %w", Day(day).Format(time.DateOnly), execErr)
	}
	return nil
}

// ListRollupKeys returns every (entity, day) with facts observed in [from, to).
func (s *Store) ListRollupKeys(ctx context.Context, from, to time.Time) ([]RollupKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRollupKeysSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list rollup keys: %w", queryErr)
	}
	defer rows.Close()

	var keys []RollupKey
	for rows.Next() {
		var k RollupKey
		if err := rows.Scan(&k.EntityID, &k.Day); err != nil {
			return nil, err
		}
		k.Day = Day(k.Day)
		keys = append(keys, k)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return keys, nil
}

// ListRecentListings returns the newest facts first.
func (s *Store) ListRecentListings(ctx context.Context, limit int) ([]StoredListing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentListingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent listings: %w", queryErr)
	}
	defer rows.Close()

	listings := make([]StoredListing, 0, limit)
	for rows.Next() {
		rec, err := scanStoredListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return listings, nil
}

// ListDailyRollups returns an entity's rollups for days in [from, to).
func (s *Store) ListDailyRollups(ctx context.Context, entityID int64, from, to time.Time, limit int) ([]DailyRollup, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDailyRollupsSQL, entityID, Day(from), Day(to), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list daily rollups: %w", queryErr)
	}
	defer rows.Close()

	var out []DailyRollup
	for rows.Next() {
		var (
			r      DailyRollup
			volume int32
		)
		if err := rows.Scan(&r.EntityID, &r.CanonicalName, &r.Day, &volume, &r.PriceMinor, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Volume = int(volume)
		r.Day = Day(r.Day)
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListRecentInsights returns the newest market insight rows first.
func (s *Store) ListRecentInsights(ctx context.Context, limit int) ([]MarketInsight, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentInsightsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent insights: %w", queryErr)
	}
	defer rows.Close()

	var out []MarketInsight
	for rows.Next() {
		var (
			in     MarketInsight
			total  int32
			avgStr string
		)
		if err := rows.Scan(&in.Day, &total, &in.TotalValueMinor, &avgStr, &in.Volatility, &in.UpdatedAt); err != nil {
			return nil, err
		}
		avg, convErr := decimal.NewFromString(avgStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse avg price: %w", convErr)
		}
		in.TotalListings = int(total)
		in.AvgPriceMinor = avg
		in.Day = Day(in.Day)
		out = append(out, in)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CountRows reports entity and listing row counts.
func (s *Store) CountRows(ctx context.Context) (entities, listings int64, err error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, 0, err
	}
	if scanErr := pool.QueryRow(ctx, countRowsSQL).Scan(&entities, &listings); scanErr != nil {
		return 0, 0, fmt.Errorf("count rows: %w", scanErr)
	}
	return entities, listings, nil
}

func scanStoredListing(rows pgx.Rows) (StoredListing, error) {
	var (
		rec        StoredListing
		rarity     int16
		floatValue *float64
		watchers   int32
		confidence int16
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.EntityID,
		&rec.CanonicalName,
		&rarity,
		&rec.Special,
		&rec.PriceMinor,
		&rec.Condition,
		&floatValue,
		&watchers,
		&rec.Source,
		&confidence,
		&rec.Best,
		&rec.ObservedAt,
		&rec.CreatedAt,
	); err != nil {
		return StoredListing{}, err
	}
	rec.Name = rec.CanonicalName
	rec.Rarity = int(rarity)
	rec.FloatValue = floatValue
	rec.Watchers = int(watchers)
	rec.Confidence = market.Confidence(confidence)
	return rec, nil
}

var (
	_ EntityStore  = (*Store)(nil)
	_ ListingStore = (*Store)(nil)
	_ RollupStore  = (*Store)(nil)
)
