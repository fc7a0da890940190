package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricescout/internal/model"
)

// SQLiteStore implements Store on modernc.org/sqlite through sqlx.
// Timestamps are stored as unix milliseconds so range deletes compare
// integers.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// NewSQLite opens the database at path in WAL mode. The pragmas are part of
// the DSN so every pooled connection gets them.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, eris.New("sqlite: empty path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqlitePragmas
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS selector_records (
	domain          TEXT NOT NULL,
	field           TEXT NOT NULL,
	selector        TEXT NOT NULL,
	success_count   INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	success_rate    REAL NOT NULL DEFAULT 0,
	learned_from    TEXT NOT NULL,
	last_success_ms INTEGER NOT NULL DEFAULT 0,
	example_value   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (domain, field, selector)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	url           TEXT PRIMARY KEY,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL,
	cached_at_ms  INTEGER NOT NULL,
	ttl_ms        INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tier_stats (
	tier                TEXT PRIMARY KEY,
	total_requests      INTEGER NOT NULL DEFAULT 0,
	successful_requests INTEGER NOT NULL DEFAULT 0,
	total_cost          TEXT NOT NULL DEFAULT '0',
	updated_at_ms       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_results (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL DEFAULT '',
	product_id      TEXT NOT NULL DEFAULT '',
	retailer        TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL,
	price           TEXT NOT NULL,
	currency        TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	in_stock        INTEGER NOT NULL,
	tier            TEXT NOT NULL,
	cost            TEXT NOT NULL,
	cache_hit       INTEGER NOT NULL,
	extracted_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_failures (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	tenant_id    TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	reason       TEXT NOT NULL,
	failed_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_selector_records_prune ON selector_records(success_rate, last_success_ms);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at_ms);
CREATE INDEX IF NOT EXISTS idx_scrape_results_tenant ON scrape_results(tenant_id, product_id, retailer);
CREATE INDEX IF NOT EXISTS idx_scrape_failures_task ON scrape_failures(task_id);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteSelectorRow struct {
	Domain        string  `db:"domain"`
	Field         string  `db:"field"`
	Selector      string  `db:"selector"`
	SuccessCount  int     `db:"success_count"`
	FailureCount  int     `db:"failure_count"`
	SuccessRate   float64 `db:"success_rate"`
	LearnedFrom   string  `db:"learned_from"`
	LastSuccessMs int64   `db:"last_success_ms"`
	ExampleValue  string  `db:"example_value"`
}

func (r sqliteSelectorRow) record() model.SelectorRecord {
	return model.SelectorRecord{
		Domain:       r.Domain,
		Field:        model.Field(r.Field),
		Selector:     r.Selector,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		SuccessRate:  r.SuccessRate,
		LearnedFrom:  model.LearnedFrom(r.LearnedFrom),
		LastSuccess:  fromMillis(r.LastSuccessMs),
		ExampleValue: r.ExampleValue,
	}
}

func (s *SQLiteStore) LoadSelectors(ctx context.Context, domain string, field model.Field) ([]model.SelectorRecord, error) {
	var rows []sqliteSelectorRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT domain, field, selector, success_count, failure_count, success_rate, learned_from, last_success_ms, example_value
		 FROM selector_records WHERE domain = ? AND field = ?`,
		domain, string(field),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load selectors %s/%s", domain, field)
	}
	out := make([]model.SelectorRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQLiteStore) UpsertSelector(ctx context.Context, rec model.SelectorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selector_records
			(domain, field, selector, success_count, failure_count, success_rate, learned_from, last_success_ms, example_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain, field, selector) DO UPDATE SET
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			success_rate = excluded.success_rate,
			learned_from = excluded.learned_from,
			last_success_ms = excluded.last_success_ms,
			example_value = excluded.example_value`,
		rec.Domain, string(rec.Field), rec.Selector, rec.SuccessCount, rec.FailureCount, rec.SuccessRate,
		string(rec.LearnedFrom), toMillis(rec.LastSuccess), rec.ExampleValue,
	)
	return eris.Wrapf(err, "sqlite: upsert selector %s", rec.Selector)
}

func (s *SQLiteStore) DeleteStaleSelectors(ctx context.Context, belowRate float64, lastSuccessBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM selector_records WHERE success_rate < ? AND last_success_ms < ?`,
		belowRate, toMillis(lastSuccessBefore),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete stale selectors")
	}
	return rowsAffected(res)
}

type sqliteCacheRow struct {
	URL          string `db:"url"`
	ETag         string `db:"etag"`
	LastModified string `db:"last_modified"`
	Result       string `db:"result"`
	CachedAtMs   int64  `db:"cached_at_ms"`
	TTLMs        int64  `db:"ttl_ms"`
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, url string) (*model.CacheEntry, error) {
	var row sqliteCacheRow
	err := s.db.GetContext(ctx, &row,
		`SELECT url, etag, last_modified, result, cached_at_ms, ttl_ms FROM cache_entries WHERE url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache entry %s", url)
	}

	e := &model.CacheEntry{
		URL:          row.URL,
		ETag:         row.ETag,
		LastModified: row.LastModified,
		CachedAt:     fromMillis(row.CachedAtMs),
		TTL:          time.Duration(row.TTLMs) * time.Millisecond,
	}
	if err := json.Unmarshal([]byte(row.Result), &e.Result); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode cached result %s", url)
	}
	return e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	result, err := json.Marshal(e.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode cached result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (url, etag, last_modified, result, cached_at_ms, ttl_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			result = excluded.result,
			cached_at_ms = excluded.cached_at_ms,
			ttl_ms = excluded.ttl_ms,
			expires_at_ms = excluded.expires_at_ms`,
		e.URL, e.ETag, e.LastModified, string(result), toMillis(e.CachedAt), e.TTL.Milliseconds(),
		toMillis(e.CachedAt.Add(e.TTL)),
	)
	return eris.Wrapf(err, "sqlite: put cache entry %s", e.URL)
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE url = ?`, url)
	return eris.Wrapf(err, "sqlite: delete cache entry %s", url)
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at_ms <= ?`, toMillis(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	return rowsAffected(res)
}

type sqliteTierRow struct {
	Tier               string `db:"tier"`
	TotalRequests      int64  `db:"total_requests"`
	SuccessfulRequests int64  `db:"successful_requests"`
	TotalCost          string `db:"total_cost"`
}

func (s *SQLiteStore) LoadTierStats(ctx context.Context) ([]model.TierStats, error) {
	var rows []sqliteTierRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT tier, total_requests, successful_requests, total_cost FROM tier_stats`); err != nil {
		return nil, eris.Wrap(err, "sqlite: load tier stats")
	}

	out := make([]model.TierStats, 0, len(rows))
	for _, r := range rows {
		cost, err := decimal.NewFromString(r.TotalCost)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: tier %s cost", r.Tier)
		}
		st := model.TierStats{
			Tier:               model.Tier(r.Tier),
			TotalRequests:      r.TotalRequests,
			SuccessfulRequests: r.SuccessfulRequests,
			TotalCost:          cost,
		}
		if r.TotalRequests > 0 {
			st.SuccessRate = float64(r.SuccessfulRequests) / float64(r.TotalRequests)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLiteStore) SaveTierStats(ctx context.Context, stats []model.TierStats) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tier stats")
	}
	defer tx.Rollback() //nolint:errcheck

	now := toMillis(time.Now())
	for _, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tier_stats (tier, total_requests, successful_requests, total_cost, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tier) DO UPDATE SET
				total_requests = excluded.total_requests,
				successful_requests = excluded.successful_requests,
				total_cost = excluded.total_cost,
				updated_at_ms = excluded.updated_at_ms`,
			string(st.Tier), st.TotalRequests, st.SuccessfulRequests, st.TotalCost.String(), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save tier %s", st.Tier)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tier stats")
}

func (s *SQLiteStore) SaveScrapeResult(ctx context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_results
			(id, task_id, tenant_id, product_id, retailer, url, price, currency, title, in_stock, tier, cost, cache_hit, extracted_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), task.ID, task.TenantID, task.ProductID, task.Retailer, task.URL,
		r.Price.String(), r.Currency, r.Title, r.InStock, string(r.TierUsed), r.Cost.String(), r.CacheHit,
		toMillis(r.ExtractedAt),
	)
	return eris.Wrapf(err, "sqlite: save result for task %s", task.ID)
}

func (s *SQLiteStore) SaveScrapeFailure(ctx context.Context, task model.ScrapeTask, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_failures (id, task_id, tenant_id, url, reason, failed_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), task.ID, task.TenantID, task.URL, reason, toMillis(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: save failure for task %s", task.ID)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
