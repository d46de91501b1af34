package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// queryTimeout bounds every statement issued by PostgresRecorder.
const queryTimeout = 5 * time.Second

// DB abstracts the database operations used by PostgresRecorder.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a single service instance.
func DefaultPoolConfig(url string) PoolConfig {
	return PoolConfig{
		URL:             url,
		MaxConns:        10,
		MinConns:        1,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Connect creates a PostgreSQL connection pool and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS weather_queries (
    id               BIGSERIAL PRIMARY KEY,
    city             VARCHAR(100) NOT NULL,
    country          VARCHAR(10)  NOT NULL DEFAULT '',
    temperature      DOUBLE PRECISION,
    description      VARCHAR(200) NOT NULL DEFAULT '',
    query_time       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    from_cache       BOOLEAN      NOT NULL DEFAULT false,
    response_time_ms INTEGER      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS weather_queries_query_time_idx ON weather_queries (query_time DESC);
CREATE INDEX IF NOT EXISTS weather_queries_city_idx ON weather_queries (city, query_time DESC);`

const insertSQL = `
INSERT INTO weather_queries (city, country, temperature, description, query_time, from_cache, response_time_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const totalsSQL = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE from_cache),
       COALESCE(AVG(response_time_ms), 0)::float8,
       COALESCE(AVG(response_time_ms) FILTER (WHERE from_cache), 0)::float8,
       COALESCE(AVG(response_time_ms) FILTER (WHERE NOT from_cache), 0)::float8
FROM weather_queries`

const topCitiesSQL = `
SELECT city, country, COUNT(*) AS query_count
FROM weather_queries
GROUP BY city, country
ORDER BY query_count DESC, city, country
LIMIT $1`

const recentSQL = `
SELECT city, country, COALESCE(temperature, 0), description, query_time, from_cache, response_time_ms
FROM weather_queries
ORDER BY query_time DESC, id DESC
LIMIT $1`

// PostgresRecorder implements Recorder on the weather_queries table.
type PostgresRecorder struct {
	db DB
}

// NewPostgresRecorder returns a recorder backed by db.
func NewPostgresRecorder(db DB) (*PostgresRecorder, error) {
	if db == nil {
		return nil, errors.New("history: db connection cannot be nil")
	}
	return &PostgresRecorder{db: db}, nil
}

// EnsureSchema creates the weather_queries table and its indexes if missing.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := r.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create weather_queries: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Record(ctx context.Context, rec models.QueryRecord) error {
	if rec.QueryTime.IsZero() {
		rec.QueryTime = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.Exec(ctx, insertSQL,
		rec.City, rec.Country, rec.Temperature, rec.Description,
		rec.QueryTime, rec.FromCache, rec.ResponseTimeMS)
	if err != nil {
		return fmt.Errorf("insert weather query: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Stats(ctx context.Context) (models.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		total, hits                int64
		avgAll, avgCached, avgAPI float64
	)
	if err := r.db.QueryRow(ctx, totalsSQL).Scan(&total, &hits, &avgAll, &avgCached, &avgAPI); err != nil {
		return models.Stats{}, fmt.Errorf("query totals: %w", err)
	}

	top, err := r.topCities(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	recent, err := r.recentQueries(ctx)
	if err != nil {
		return models.Stats{}, err
	}

	return models.Stats{
		Success:                 true,
		TotalQueries:            int(total),
		CacheHits:               int(hits),
		CacheMisses:             int(total - hits),
		CacheHitRate:            hitRate(int(hits), int(total)),
		AvgResponseTimeMS:       round2(avgAll),
		AvgCachedResponseTimeMS: round2(avgCached),
		AvgAPIResponseTimeMS:    round2(avgAPI),
		TopCities:               top,
		RecentQueries:           recent,
	}, nil
}

func (r *PostgresRecorder) topCities(ctx context.Context) ([]models.CityCount, error) {
	rows, err := r.db.Query(ctx, topCitiesSQL, TopCitiesLimit)
	if err != nil {
		return nil, fmt.Errorf("query top cities: %w", err)
	}
	defer rows.Close()

	out := make([]models.CityCount, 0, TopCitiesLimit)
	for rows.Next() {
		var (
			c models.CityCount
			n int64
		)
		if err := rows.Scan(&c.City, &c.Country, &n); err != nil {
			return nil, fmt.Errorf("scan top city: %w", err)
		}
		c.QueryCount = int(n)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top cities: %w", err)
	}
	return out, nil
}

func (r *PostgresRecorder) recentQueries(ctx context.Context) ([]models.QueryRecord, error) {
	rows, err := r.db.Query(ctx, recentSQL, RecentQueriesLimit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]models.QueryRecord, 0, RecentQueriesLimit)
	for rows.Next() {
		var (
			rec models.QueryRecord
			ms  int32
		)
		if err := rows.Scan(&rec.City, &rec.Country, &rec.Temperature, &rec.Description,
			&rec.QueryTime, &rec.FromCache, &ms); err != nil {
			return nil, fmt.Errorf("scan recent query: %w", err)
		}
		rec.ResponseTimeMS = int64(ms)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent queries: %w", err)
	}
	return out, nil
}
