package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricescout/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	if connString == "" {
		return nil, eris.New("postgres: empty database url")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(2, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS selector_records (
	domain        TEXT NOT NULL,
	field         TEXT NOT NULL,
	selector      TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	success_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
	learned_from  TEXT NOT NULL,
	last_success  TIMESTAMPTZ,
	example_value TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (domain, field, selector)
);

CREATE INDEX IF NOT EXISTS idx_selector_records_prune ON selector_records(success_rate, last_success);

CREATE TABLE IF NOT EXISTS cache_entries (
	url           TEXT PRIMARY KEY,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	result        JSONB NOT NULL,
	cached_at     TIMESTAMPTZ NOT NULL,
	ttl_ms        BIGINT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS tier_stats (
	tier                TEXT PRIMARY KEY,
	total_requests      BIGINT NOT NULL DEFAULT 0,
	successful_requests BIGINT NOT NULL DEFAULT 0,
	total_cost          NUMERIC(14, 6) NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scrape_results (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	task_id      TEXT NOT NULL,
	tenant_id    TEXT NOT NULL DEFAULT '',
	product_id   TEXT NOT NULL DEFAULT '',
	retailer     TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	price        NUMERIC(14, 4) NOT NULL,
	currency     TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	in_stock     BOOLEAN NOT NULL,
	tier         TEXT NOT NULL,
	cost         NUMERIC(14, 6) NOT NULL,
	cache_hit    BOOLEAN NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scrape_results_tenant ON scrape_results(tenant_id, product_id, retailer);

CREATE TABLE IF NOT EXISTS scrape_failures (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	task_id   TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	url       TEXT NOT NULL,
	reason    TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scrape_failures_task ON scrape_failures(task_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) LoadSelectors(ctx context.Context, domain string, field model.Field) ([]model.SelectorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT selector, success_count, failure_count, success_rate, learned_from, last_success, example_value
		 FROM selector_records WHERE domain = $1 AND field = $2`,
		domain, string(field),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load selectors %s/%s", domain, field)
	}
	defer rows.Close()

	var out []model.SelectorRecord
	for rows.Next() {
		rec := model.SelectorRecord{Domain: domain, Field: field}
		var (
			learned string
			last    *time.Time
		)
		if err := rows.Scan(&rec.Selector, &rec.SuccessCount, &rec.FailureCount, &rec.SuccessRate,
			&learned, &last, &rec.ExampleValue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan selector")
		}
		rec.LearnedFrom = model.LearnedFrom(learned)
		if last != nil {
			rec.LastSuccess = last.UTC()
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate selectors")
}

func (s *PostgresStore) UpsertSelector(ctx context.Context, rec model.SelectorRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO selector_records
			(domain, field, selector, success_count, failure_count, success_rate, learned_from, last_success, example_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (domain, field, selector) DO UPDATE SET
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			success_rate = EXCLUDED.success_rate,
			learned_from = EXCLUDED.learned_from,
			last_success = EXCLUDED.last_success,
			example_value = EXCLUDED.example_value`,
		rec.Domain, string(rec.Field), rec.Selector, rec.SuccessCount, rec.FailureCount, rec.SuccessRate,
		string(rec.LearnedFrom), nullTime(rec.LastSuccess), rec.ExampleValue,
	)
	return eris.Wrapf(err, "postgres: upsert selector %s", rec.Selector)
}

func (s *PostgresStore) DeleteStaleSelectors(ctx context.Context, belowRate float64, lastSuccessBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM selector_records
		 WHERE success_rate < $1 AND (last_success IS NULL OR last_success < $2)`,
		belowRate, lastSuccessBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete stale selectors")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, url string) (*model.CacheEntry, error) {
	e := &model.CacheEntry{URL: url}
	var (
		result []byte
		ttlMs  int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT etag, last_modified, result, cached_at, ttl_ms FROM cache_entries WHERE url = $1`, url,
	).Scan(&e.ETag, &e.LastModified, &result, &e.CachedAt, &ttlMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache entry %s", url)
	}
	if err := json.Unmarshal(result, &e.Result); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode cached result %s", url)
	}
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.CachedAt = e.CachedAt.UTC()
	return e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	result, err := json.Marshal(e.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: encode cached result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cache_entries (url, etag, last_modified, result, cached_at, ttl_ms, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (url) DO UPDATE SET
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			result = EXCLUDED.result,
			cached_at = EXCLUDED.cached_at,
			ttl_ms = EXCLUDED.ttl_ms,
			expires_at = EXCLUDED.expires_at`,
		e.URL, e.ETag, e.LastModified, result, e.CachedAt, e.TTL.Milliseconds(), e.CachedAt.Add(e.TTL),
	)
	return eris.Wrapf(err, "postgres: put cache entry %s", e.URL)
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, url string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE url = $1`, url)
	return eris.Wrapf(err, "postgres: delete cache entry %s", url)
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LoadTierStats(ctx context.Context) ([]model.TierStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, total_requests, successful_requests, total_cost::text FROM tier_stats`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load tier stats")
	}
	defer rows.Close()

	var out []model.TierStats
	for rows.Next() {
		var (
			st   model.TierStats
			tier string
			cost string
		)
		if err := rows.Scan(&tier, &st.TotalRequests, &st.SuccessfulRequests, &cost); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tier stats")
		}
		st.Tier = model.Tier(tier)
		if st.TotalCost, err = decimal.NewFromString(cost); err != nil {
			return nil, eris.Wrapf(err, "postgres: tier %s cost", tier)
		}
		if st.TotalRequests > 0 {
			st.SuccessRate = float64(st.SuccessfulRequests) / float64(st.TotalRequests)
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tier stats")
}

func (s *PostgresStore) SaveTierStats(ctx context.Context, stats []model.TierStats) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tier stats")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, st := range stats {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tier_stats (tier, total_requests, successful_requests, total_cost, updated_at)
			 VALUES ($1, $2, $3, $4::numeric, now())
			 ON CONFLICT (tier) DO UPDATE SET
				total_requests = EXCLUDED.total_requests,
				successful_requests = EXCLUDED.successful_requests,
				total_cost = EXCLUDED.total_cost,
				updated_at = EXCLUDED.updated_at`,
			string(st.Tier), st.TotalRequests, st.SuccessfulRequests, st.TotalCost.String(),
		); err != nil {
			return eris.Wrapf(err, "postgres: save tier %s", st.Tier)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tier stats")
}

func (s *PostgresStore) SaveScrapeResult(ctx context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_results
			(id, task_id, tenant_id, product_id, retailer, url, price, currency, title, in_stock, tier, cost, cache_hit, extracted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12::numeric, $13, $14)`,
		uuid.NewString(), task.ID, task.TenantID, task.ProductID, task.Retailer, task.URL,
		r.Price.String(), r.Currency, r.Title, r.InStock, string(r.TierUsed), r.Cost.String(), r.CacheHit, r.ExtractedAt,
	)
	return eris.Wrapf(err, "postgres: save result for task %s", task.ID)
}

func (s *PostgresStore) SaveScrapeFailure(ctx context.Context, task model.ScrapeTask, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_failures (id, task_id, tenant_id, url, reason) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), task.ID, task.TenantID, task.URL, reason,
	)
	return eris.Wrapf(err, "postgres: save failure for task %s", task.ID)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
