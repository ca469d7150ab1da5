// Package sqlsink stores cells in a SQL table through database/sql.
//
// Two drivers are supported: embedded DuckDB (default) and PostgreSQL. Each
// sink.Conn pins one *sql.Conn of a shared *sql.DB, so a pool slot maps to
// exactly one backend session and a reset swaps that session.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/storage/sink"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

var log = logging.Component("sqlsink")

// Driver names accepted in configuration.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

const columnsPerRow = 9

// MaxPostgresChunk is the largest chunk whose statement stays within the
// 65535 bind parameters PostgreSQL accepts.
const MaxPostgresChunk = 65535 / columnsPerRow

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used unquoted as a table.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Config selects the backend.
type Config struct {
	Driver string
	DSN    string
	Table  string

	// Chunk is the number of rows per INSERT statement.
	Chunk int

	// MaxConns caps open sessions; the pool size is a good value.
	MaxConns int
}

// Backend is an opened database shared by every Conn.
type Backend struct {
	db     *sql.DB
	cfg    Config
	upsert func(rows int) string

	schemaMu    sync.Mutex
	schemaReady bool

	// writeMu serializes write transactions when the driver aborts
	// concurrent updates of one row instead of waiting for them.
	writeMu     sync.Mutex
	serialWrite bool
}

// Open opens the database. It does not require the server to be
// reachable; the schema is created by the first successful Dial.
func Open(cfg Config) (*Backend, error) {
	if cfg.Table == "" {
		cfg.Table = config.DefaultSpatialTable
	}
	if !ValidIdentifier(cfg.Table) {
		return nil, errors.NewInvalidValue("storage.table", cfg.Table, "not an identifier")
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = config.DefaultUpsertChunk
	}

	b := &Backend{cfg: cfg}
	switch cfg.Driver {
	case DriverDuckDB:
		b.upsert = func(rows int) string { return buildUpsert(cfg.Table, rows, false) }
		b.serialWrite = true
	case DriverPostgres:
		if cfg.Chunk > MaxPostgresChunk {
			return nil, errors.NewInvalidValue("storage.upsert_chunk", cfg.Chunk,
				fmt.Sprintf("postgres allows at most %d rows per statement", MaxPostgresChunk))
		}
		b.upsert = func(rows int) string { return buildUpsert(cfg.Table, rows, true) }
	default:
		return nil, errors.NewInvalidValue("storage.driver", cfg.Driver, "unsupported driver")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	b.db = db
	return b, nil
}

// DB exposes the underlying handle.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Table returns the target table name.
func (b *Backend) Table() string {
	return b.cfg.Table
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// EnsureSchema creates the cell table if it does not exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()

	if b.schemaReady {
		return nil
	}
	if _, err := b.db.ExecContext(ctx, schemaSQL(b.cfg.Table)); err != nil {
		return errors.Storage("create schema", err)
	}
	b.schemaReady = true
	log.Info("schema ready", "driver", b.cfg.Driver, "table", b.cfg.Table)
	return nil
}

// Dial pins one session.
func (b *Backend) Dial(ctx context.Context) (sink.Conn, error) {
	if err := b.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	c, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", b.cfg.Driver, errors.ErrConnBroken, err)
	}
	if err := c.PingContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("dial %s: %w: %w", b.cfg.Driver, errors.ErrConnBroken, err)
	}
	return &Conn{backend: b, conn: c}, nil
}

// Dialer returns Dial as a sink.Dialer.
func (b *Backend) Dialer() sink.Dialer {
	return b.Dial
}

// Get reads one stored cell.
func (b *Backend) Get(ctx context.Context, k types.CellKey) (types.Point, bool, error) {
	q := fmt.Sprintf(`SELECT color_r, color_g, color_b, color_a, "timestamp", nb_records
		FROM %s WHERE x = $1 AND y = $2 AND z = $3`, b.cfg.Table)

	var r, g, bl, a int16
	p := types.Point{X: k.X, Y: k.Y, Z: k.Z}
	err := b.db.QueryRowContext(ctx, q, k.X, k.Y, k.Z).Scan(&r, &g, &bl, &a, &p.TimestampMs, &p.Count)
	if err == sql.ErrNoRows {
		return types.Point{}, false, nil
	}
	if err != nil {
		return types.Point{}, false, errors.Storage("get cell", err)
	}
	p.R, p.G, p.B, p.A = uint8(r), uint8(g), uint8(bl), uint8(a)
	return p, true, nil
}

// Count returns the number of stored cells.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, "SELECT count(*) FROM "+b.cfg.Table).Scan(&n); err != nil {
		return 0, errors.Storage("count cells", err)
	}
	return n, nil
}

// Conn is one pinned session.
type Conn struct {
	backend *Backend
	conn    *sql.Conn
}

var _ sink.Conn = (*Conn)(nil)

// UpsertCells writes points in one transaction, chunked into multi-row
// INSERT ... ON CONFLICT statements.
//
// DuckDB fails the second of two transactions updating the same row, so
// its transactions run one at a time across every Conn of the Backend.
func (c *Conn) UpsertCells(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}

	if c.backend.serialWrite {
		c.backend.writeMu.Lock()
		defer c.backend.writeMu.Unlock()
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage("begin", err)
	}
	defer tx.Rollback()

	chunk := c.backend.cfg.Chunk
	for start := 0; start < len(points); start += chunk {
		rows := points[start:min(start+chunk, len(points))]
		if _, err := tx.ExecContext(ctx, c.backend.upsert(len(rows)), upsertArgs(rows)...); err != nil {
			return errors.Storage("upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Storage("commit", err)
	}
	return nil
}

// Ping implements sink.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", errors.ErrConnBroken, err)
	}
	return nil
}

// Close returns the session to database/sql, which discards it if bad.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func schemaSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	x           INTEGER  NOT NULL,
	y           INTEGER  NOT NULL,
	z           INTEGER  NOT NULL,
	color_r     SMALLINT NOT NULL,
	color_g     SMALLINT NOT NULL,
	color_b     SMALLINT NOT NULL,
	color_a     SMALLINT NOT NULL,
	"timestamp" BIGINT   NOT NULL,
	nb_records  BIGINT   NOT NULL,
	PRIMARY KEY (x, y, z)
)`, table)
}

// buildUpsert builds the multi-row statement for rows points.
// PostgreSQL needs the existing row qualified by table name.
func buildUpsert(table string, rows int, qualify bool) string {
	var q strings.Builder
	q.Grow(200 + rows*60)

	q.WriteString("INSERT INTO ")
	q.WriteString(table)
	q.WriteString(` (x, y, z, color_r, color_g, color_b, color_a, "timestamp", nb_records) VALUES `)

	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			q.WriteByte(',')
		}
		q.WriteByte('(')
		for col := 0; col < columnsPerRow; col++ {
			if col > 0 {
				q.WriteByte(',')
			}
			fmt.Fprintf(&q, "$%d", n)
			n++
		}
		q.WriteByte(')')
	}

	q.WriteString(" ON CONFLICT (x, y, z) DO UPDATE SET nb_records = ")
	if qualify {
		q.WriteString(table)
		q.WriteByte('.')
	}
	q.WriteString("nb_records + EXCLUDED.nb_records")
	return q.String()
}

func upsertArgs(points []types.Point) []interface{} {
	args := make([]interface{}, 0, len(points)*columnsPerRow)
	for _, p := range points {
		args = append(args,
			p.X, p.Y, p.Z,
			int16(p.R), int16(p.G), int16(p.B), int16(p.A),
			p.TimestampMs,
			p.Count,
		)
	}
	return args
}
