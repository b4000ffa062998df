package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
)

// SQL dialects. The sqlite driver is registered by the modernc.org/sqlite
// import in retry.go.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLBackend implements Backend on a relational database. PostgreSQL suits
// durable multi-node deployments behind a single trust plane; embedded
// SQLite suits durable single-binary installs with no external services.
//
// The schema is five tables (flat keys, hashes, lists, sorted sets,
// counters) created by the embedded migrations. Call Migrate before first
// use.
type SQLBackend struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewSQL opens a SQL backend for dsn and verifies connectivity. DSNs
// starting with postgres:// or postgresql:// select the pgx driver;
// anything else (a file path or :memory:) selects embedded SQLite.
// poolSize caps open connections on PostgreSQL (SQLite always uses one) and
// connectTimeout bounds the startup ping; zero values keep the driver
// defaults.
func NewSQL(ctx context.Context, dsn string, poolSize int, connectTimeout time.Duration, logger *slog.Logger) (*SQLBackend, error) {
	dialect, driver := DialectSQLite, "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect, driver = DialectPostgres, "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent use and keeps :memory: databases
		// on one handle.
		db.SetMaxOpenConns(1)
	} else if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}

	pingCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", dialect, errors.Join(ErrUnavailable, err))
	}

	s := &SQLBackend{
		db:      db,
		dialect: dialect,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s, nil
}

// Dialect returns which SQL dialect the backend speaks, for selecting the
// matching migration set.
func (s *SQLBackend) Dialect() string { return s.dialect }

// q rewrites ? placeholders to $1..$n for PostgreSQL. Queries here never
// contain a literal question mark, so a byte scan suffices.
func (s *SQLBackend) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx so single operations and
// Apply batches share one implementation.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nowMS() int64 { return time.Now().UnixMilli() }

func (s *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT v FROM mesh_kv WHERE k = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)`),
		key, nowMS(),
	).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}

	// Counters share the flat keyspace, as they do in Redis.
	var n int64
	err = s.db.QueryRowContext(ctx, s.q(`SELECT n FROM mesh_counter WHERE k = ?`), key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return []byte(strconv.FormatInt(n, 10)), nil
}

func (s *SQLBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.setOn(ctx, s.db, key, value, ttl)
}

func (s *SQLBackend) setOn(ctx context.Context, ex execer, key string, value []byte, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO mesh_kv (k, v, expires_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at_ms = excluded.expires_at_ms`),
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	return s.deleteOn(ctx, s.db, key)
}

func (s *SQLBackend) deleteOn(ctx context.Context, ex execer, key string) error {
	for _, table := range []string{"mesh_kv", "mesh_hash", "mesh_list", "mesh_zset", "mesh_counter"} {
		if _, err := ex.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE k = ?`), key); err != nil {
			return fmt.Errorf("storage: delete %q: %w", key, err)
		}
	}
	return nil
}

func (s *SQLBackend) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT EXISTS (SELECT 1 FROM mesh_kv WHERE k = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?))
		     OR EXISTS (SELECT 1 FROM mesh_hash WHERE k = ?)
		     OR EXISTS (SELECT 1 FROM mesh_list WHERE k = ?)
		     OR EXISTS (SELECT 1 FROM mesh_zset WHERE k = ?)
		     OR EXISTS (SELECT 1 FROM mesh_counter WHERE k = ?)`),
		key, nowMS(), key, key, key, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: exists %q: %w", key, err)
	}
	return exists, nil
}

func (s *SQLBackend) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT v FROM mesh_hash WHERE k = ? AND field = ?`),
		key, field,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: hget %q %q: %w", key, field, err)
	}
	return v, nil
}

func (s *SQLBackend) HSet(ctx context.Context, key, field string, value []byte) error {
	return s.hsetOn(ctx, s.db, key, field, value)
}

func (s *SQLBackend) hsetOn(ctx context.Context, ex execer, key, field string, value []byte) error {
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO mesh_hash (k, field, v) VALUES (?, ?, ?)
		 ON CONFLICT (k, field) DO UPDATE SET v = excluded.v`),
		key, field, value,
	)
	if err != nil {
		return fmt.Errorf("storage: hset %q %q: %w", key, field, err)
	}
	return nil
}

func (s *SQLBackend) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)+1)
	args = append(args, key)
	for _, f := range fields {
		args = append(args, f)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ")
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM mesh_hash WHERE k = ? AND field IN (`+placeholders+`)`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("storage: hdel %q: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT field, v FROM mesh_hash WHERE k = ?`), key)
	if err != nil {
		return nil, fmt.Errorf("storage: hgetall %q: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			field string
			v     []byte
		)
		if err := rows.Scan(&field, &v); err != nil {
			return nil, fmt.Errorf("storage: scan hash field: %w", err)
		}
		out[field] = v
	}
	return out, rows.Err()
}

func (s *SQLBackend) LPush(ctx context.Context, key string, values ...[]byte) error {
	for _, v := range values {
		_, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO mesh_list (k, pos, v)
			 VALUES (?, COALESCE((SELECT MIN(pos) - 1 FROM mesh_list WHERE k = ?), 0), ?)`),
			key, key, v,
		)
		if err != nil {
			return fmt.Errorf("storage: lpush %q: %w", key, err)
		}
	}
	return nil
}

func (s *SQLBackend) RPush(ctx context.Context, key string, values ...[]byte) error {
	for _, v := range values {
		if err := s.rpushOn(ctx, s.db, key, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLBackend) rpushOn(ctx context.Context, ex execer, key string, value []byte) error {
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO mesh_list (k, pos, v)
		 VALUES (?, COALESCE((SELECT MAX(pos) + 1 FROM mesh_list WHERE k = ?), 0), ?)`),
		key, key, value,
	)
	if err != nil {
		return fmt.Errorf("storage: rpush %q: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	length, err := s.LLen(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := normalizeRange(start, stop, length)
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT v FROM mesh_list WHERE k = ? ORDER BY pos LIMIT ? OFFSET ?`),
		key, hi-lo+1, lo,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lrange %q: %w", key, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan list value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLBackend) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM mesh_list WHERE k = ?`), key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: llen %q: %w", key, err)
	}
	return n, nil
}

func (s *SQLBackend) LTrim(ctx context.Context, key string, start, stop int64) error {
	length, err := s.LLen(ctx, key)
	if err != nil {
		return err
	}
	lo, hi, ok := normalizeRange(start, stop, length)
	if !ok {
		_, err := s.db.ExecContext(ctx, s.q(
			`DELETE FROM mesh_list WHERE k = ?`), key)
		if err != nil {
			return fmt.Errorf("storage: ltrim %q: %w", key, err)
		}
		return nil
	}
	loPos, err := s.listPosAt(ctx, key, lo)
	if err != nil {
		return err
	}
	hiPos, err := s.listPosAt(ctx, key, hi)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`DELETE FROM mesh_list WHERE k = ? AND (pos < ? OR pos > ?)`),
		key, loPos, hiPos,
	)
	if err != nil {
		return fmt.Errorf("storage: ltrim %q: %w", key, err)
	}
	return nil
}

// listPosAt resolves the pos column value of the element at zero-based rank
// within a list.
func (s *SQLBackend) listPosAt(ctx context.Context, key string, rank int64) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT pos FROM mesh_list WHERE k = ? ORDER BY pos LIMIT 1 OFFSET ?`),
		key, rank,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("storage: ltrim %q: %w", key, err)
	}
	return pos, nil
}

func (s *SQLBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.zaddOn(ctx, s.db, key, score, member)
}

func (s *SQLBackend) zaddOn(ctx context.Context, ex execer, key string, score float64, member string) error {
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO mesh_zset (k, member, score) VALUES (?, ?, ?)
		 ON CONFLICT (k, member) DO UPDATE SET score = excluded.score`),
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("storage: zadd %q: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT member, score FROM mesh_zset
		 WHERE k = ? AND score >= ? AND score <= ?
		 ORDER BY score, member`),
		key, clampScore(min), clampScore(max),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: zrangebyscore %q: %w", key, err)
	}
	defer rows.Close()

	var out []ScoredMember
	for rows.Next() {
		var m ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("storage: scan zset member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLBackend) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(members)), ", ")
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM mesh_zset WHERE k = ? AND member IN (`+placeholders+`)`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("storage: zrem %q: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) Incr(ctx context.Context, key string) (int64, error) {
	return s.addCounter(ctx, key, 1)
}

func (s *SQLBackend) Decr(ctx context.Context, key string) (int64, error) {
	return s.addCounter(ctx, key, -1)
}

// addCounter performs the upsert and readback in one transaction so the
// returned value is the post-increment count, as with Redis INCR.
func (s *SQLBackend) addCounter(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin counter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO mesh_counter (k, n) VALUES (?, ?)
		 ON CONFLICT (k) DO UPDATE SET n = mesh_counter.n + excluded.n`),
		key, delta,
	); err != nil {
		return 0, fmt.Errorf("storage: counter %q: %w", key, err)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT n FROM mesh_counter WHERE k = ?`), key).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: read counter %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit counter tx: %w", err)
	}
	return n, nil
}

func (s *SQLBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := likePrefix(prefix)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT k FROM mesh_kv WHERE k LIKE ? ESCAPE '\' AND (expires_at_ms IS NULL OR expires_at_ms > ?)
		 UNION SELECT k FROM mesh_hash WHERE k LIKE ? ESCAPE '\'
		 UNION SELECT k FROM mesh_list WHERE k LIKE ? ESCAPE '\'
		 UNION SELECT k FROM mesh_zset WHERE k LIKE ? ESCAPE '\'
		 UNION SELECT k FROM mesh_counter WHERE k LIKE ? ESCAPE '\'
		 ORDER BY 1`),
		pattern, nowMS(), pattern, pattern, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			err = s.setOn(ctx, tx, op.Key, op.Value, op.TTL)
		case OpDelete:
			err = s.deleteOn(ctx, tx, op.Key)
		case OpHSet:
			err = s.hsetOn(ctx, tx, op.Key, op.Field, op.Value)
		case OpHDel:
			_, err = tx.ExecContext(ctx, s.q(
				`DELETE FROM mesh_hash WHERE k = ? AND field = ?`), op.Key, op.Field)
		case OpRPush:
			err = s.rpushOn(ctx, tx, op.Key, op.Value)
		case OpZAdd:
			err = s.zaddOn(ctx, tx, op.Key, op.Score, op.Member)
		case OpZRem:
			_, err = tx.ExecContext(ctx, s.q(
				`DELETE FROM mesh_zset WHERE k = ? AND member = ?`), op.Key, op.Member)
		default:
			err = fmt.Errorf("storage: unknown batch op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("storage: apply batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit batch tx: %w", err)
	}
	return nil
}

func (s *SQLBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}

// Close stops the expiry janitor and closes the pool. Safe to call multiple
// times.
func (s *SQLBackend) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

// janitor deletes expired flat keys once a minute. Reads already filter on
// expiry, so this only reclaims space.
func (s *SQLBackend) janitor() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := s.db.ExecContext(ctx, s.q(
				`DELETE FROM mesh_kv WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`),
				nowMS(),
			)
			cancel()
			if err != nil {
				s.logger.Warn("storage: expiry sweep failed", "error", err)
			}
		}
	}
}

// likePrefix escapes LIKE metacharacters in prefix and appends the
// match-all suffix.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// clampScore bounds infinite range endpoints to representable values before
// they reach the driver.
func clampScore(f float64) float64 {
	switch {
	case math.IsInf(f, 1):
		return math.MaxFloat64
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	default:
		return f
	}
}
