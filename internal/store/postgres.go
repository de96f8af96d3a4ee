package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

type PostgresOptions struct {
	MaxOpenConns int
	// ConnectAttempts bounds the startup ping retries.
	ConnectAttempts uint
	ConnectDelay    time.Duration
}

func (o *PostgresOptions) setDefaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 5
	}
	if o.ConnectDelay <= 0 {
		o.ConnectDelay = time.Second
	}
}

// Postgres is a Store over database/sql with the pgx driver.
type Postgres struct {
	queries
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// Open connects to dsn, retrying the initial ping with backoff so the service
// can start before its database does.
func Open(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	opts.setDefaults()
	L := log.FromContext(ctx)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = retry.Do(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	},
		retry.Context(ctx),
		retry.Attempts(opts.ConnectAttempts),
		retry.Delay(opts.ConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			L.Warn(ctx, "database not reachable, retrying", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "ping database")
	}
	return &Postgres{queries: queries{x: db}, db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(err, "apply schema")
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return xerrors.Wrap(err, "begin transaction")
	}
	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.FromContext(ctx).Error(ctx, rbErr, "rollback failed")
		}
	}
	defer func() {
		// a panicking fn must not leave the connection inside an open tx
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
		if err != nil {
			rollback()
		}
	}()

	if err = fn(queries{x: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit transaction")
	}
	return nil
}

func (p *Postgres) SweepCandidates(ctx context.Context, fn func(FileEntry) error) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(tenant_id, 0), user_path, location, obsolete
		FROM files
		WHERE obsolete OR tenant_id IS NULL
		ORDER BY id`)
	if err != nil {
		return xerrors.Wrap(err, "list sweep candidates")
	}
	defer rows.Close()

	for rows.Next() {
		var f FileEntry
		if err := rows.Scan(&f.ID, &f.TenantID, &f.UserPath, &f.Location, &f.Obsolete); err != nil {
			return xerrors.Wrap(err, "scan file")
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return xerrors.Wrap(rows.Err(), "iterate sweep candidates")
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	x execer
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return xerrors.Wrapf(ErrConflict, "%s: %s", op, pgErr.ConstraintName)
	}
	return xerrors.Wrap(err, op)
}

// affected returns ErrNotFound when an update or delete matched nothing.
func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return mapErr(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(err, op)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----- accounts -----

func (q queries) InsertAccount(ctx context.Context, login, passwordHash string) (int64, error) {
	var id int64
	err := q.x.QueryRowContext(ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash).Scan(&id)
	return id, mapErr(err, "insert account")
}

func (q queries) scanAccount(row *sql.Row, op string) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash)
	return a, mapErr(err, op)
}

func (q queries) AccountByID(ctx context.Context, id int64) (Account, error) {
	return q.scanAccount(q.x.QueryRowContext(ctx,
		`SELECT id, login, password_hash FROM accounts WHERE id = $1`, id), "account by id")
}

func (q queries) AccountByLogin(ctx context.Context, login string) (Account, error) {
	return q.scanAccount(q.x.QueryRowContext(ctx,
		`SELECT id, login, password_hash FROM accounts WHERE login = $1`, login), "account by login")
}

func (q queries) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := q.x.QueryRowContext(ctx, `SELECT count(*) FROM accounts`).Scan(&n)
	return n, mapErr(err, "count accounts")
}

// ----- tenants -----

const tenantCols = `id, name, owner_id, enabled, COALESCE(archive_path, '')`

func scanTenant(row *sql.Row, op string) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.OwnerID, &t.Enabled, &t.ArchivePath)
	return t, mapErr(err, op)
}

func (q queries) InsertTenant(ctx context.Context, name string, ownerID int64) (Tenant, error) {
	return scanTenant(q.x.QueryRowContext(ctx,
		`INSERT INTO tenants (name, owner_id) VALUES ($1, $2) RETURNING `+tenantCols,
		name, ownerID), "insert tenant")
}

func (q queries) TenantByID(ctx context.Context, id int64) (Tenant, error) {
	return scanTenant(q.x.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id), "tenant by id")
}

func (q queries) TenantByIDForUpdate(ctx context.Context, id int64) (Tenant, error) {
	return scanTenant(q.x.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1 FOR UPDATE`, id), "lock tenant")
}

func (q queries) TenantByName(ctx context.Context, name string) (Tenant, error) {
	return scanTenant(q.x.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE name = $1`, name), "tenant by name")
}

func (q queries) CountTenantsOwnedExcluding(ctx context.Context, ownerID int64, name string) (int64, error) {
	var n int64
	err := q.x.QueryRowContext(ctx,
		`SELECT count(*) FROM tenants WHERE owner_id = $1 AND name <> $2`, ownerID, name).Scan(&n)
	return n, mapErr(err, "count tenants")
}

func (q queries) SetTenantEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := q.x.ExecContext(ctx, `UPDATE tenants SET enabled = $2 WHERE id = $1`, id, enabled)
	return affected(res, err, "set tenant enabled")
}

func (q queries) SetTenantArchive(ctx context.Context, id int64, location string) error {
	res, err := q.x.ExecContext(ctx, `UPDATE tenants SET archive_path = NULLIF($2, '') WHERE id = $1`, id, location)
	return affected(res, err, "set tenant archive")
}

func (q queries) DeleteTenant(ctx context.Context, id int64) error {
	res, err := q.x.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return affected(res, err, "delete tenant")
}

// ----- files -----

func (q queries) InsertFile(ctx context.Context, f FileEntry) (int64, error) {
	var id int64
	err := q.x.QueryRowContext(ctx,
		`INSERT INTO files (tenant_id, user_path, location, obsolete)
		 VALUES (NULLIF($1::bigint, 0), $2, $3, $4) RETURNING id`,
		f.TenantID, f.UserPath, f.Location, f.Obsolete).Scan(&id)
	return id, mapErr(err, "insert file")
}

func (q queries) MarkTenantFilesObsolete(ctx context.Context, tenantID int64) (int64, error) {
	res, err := q.x.ExecContext(ctx,
		`UPDATE files SET obsolete = TRUE WHERE tenant_id = $1 AND NOT obsolete`, tenantID)
	if err != nil {
		return 0, mapErr(err, "mark files obsolete")
	}
	n, err := res.RowsAffected()
	return n, xerrors.Wrap(err, "mark files obsolete")
}

func (q queries) LiveFile(ctx context.Context, tenantID int64, userPath string) (FileEntry, error) {
	var f FileEntry
	err := q.x.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_path, location, obsolete FROM files
		 WHERE tenant_id = $1 AND user_path = $2 AND NOT obsolete
		 ORDER BY id DESC LIMIT 1`,
		tenantID, userPath).Scan(&f.ID, &f.TenantID, &f.UserPath, &f.Location, &f.Obsolete)
	return f, mapErr(err, "live file")
}

func (q queries) DeleteFile(ctx context.Context, id int64) error {
	res, err := q.x.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	return affected(res, err, "delete file")
}

// ----- origins -----

func (q queries) InsertOrigin(ctx context.Context, tenantID int64, value string) (Origin, error) {
	o := Origin{TenantID: tenantID, Value: value}
	err := q.x.QueryRowContext(ctx,
		`INSERT INTO origins (tenant_id, value) VALUES ($1, $2) RETURNING id`,
		tenantID, value).Scan(&o.ID)
	return o, mapErr(err, "insert origin")
}

func (q queries) Origins(ctx context.Context, tenantID int64) ([]Origin, error) {
	rows, err := q.x.QueryContext(ctx,
		`SELECT id, tenant_id, value FROM origins WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, mapErr(err, "list origins")
	}
	defer rows.Close()

	out := []Origin{}
	for rows.Next() {
		var o Origin
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Value); err != nil {
			return nil, xerrors.Wrap(err, "scan origin")
		}
		out = append(out, o)
	}
	return out, xerrors.Wrap(rows.Err(), "iterate origins")
}

func (q queries) OriginByID(ctx context.Context, id int64) (Origin, error) {
	var o Origin
	err := q.x.QueryRowContext(ctx,
		`SELECT id, tenant_id, value FROM origins WHERE id = $1`, id).Scan(&o.ID, &o.TenantID, &o.Value)
	return o, mapErr(err, "origin by id")
}

func (q queries) DeleteOrigin(ctx context.Context, id int64) error {
	res, err := q.x.ExecContext(ctx, `DELETE FROM origins WHERE id = $1`, id)
	return affected(res, err, "delete origin")
}

func (q queries) DeleteTenantOrigins(ctx context.Context, tenantID int64) (int64, error) {
	res, err := q.x.ExecContext(ctx, `DELETE FROM origins WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, mapErr(err, "purge origins")
	}
	n, err := res.RowsAffected()
	return n, xerrors.Wrap(err, "purge origins")
}
