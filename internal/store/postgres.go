package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const createDevicesSQL = `
CREATE TABLE IF NOT EXISTS devices (
  user_id text PRIMARY KEY,
  push_address text NOT NULL,
  registered_at timestamptz NOT NULL
)`

const createPendingSQL = `
CREATE TABLE IF NOT EXISTS pending_commands (
  command_id text PRIMARY KEY,
  user_id text NOT NULL,
  envelope text NOT NULL,
  issued_at timestamptz NOT NULL,
  expires_at timestamptz NOT NULL,
  seq bigserial NOT NULL
)`

const createPendingIndexSQL = `
CREATE INDEX IF NOT EXISTS pending_commands_user_idx ON pending_commands (user_id, seq)`

const createResultsSQL = `
CREATE TABLE IF NOT EXISTS command_results (
  command_id text PRIMARY KEY,
  success boolean NOT NULL,
  result jsonb,
  error text NOT NULL DEFAULT '',
  reported_at bigint NOT NULL
)`

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createDevicesSQL, createPendingSQL, createPendingIndexSQL, createResultsSQL} {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) PutDevice(ctx context.Context, device contracts.Device) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO devices (user_id, push_address, registered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET push_address = EXCLUDED.push_address, registered_at = EXCLUDED.registered_at`,
		device.UserID, device.PushAddress, device.RegisteredAt,
	)
	return err
}

func (p *Postgres) GetDevice(ctx context.Context, userID string) (contracts.Device, error) {
	var d contracts.Device
	err := p.Pool.QueryRow(ctx,
		`SELECT user_id, push_address, registered_at FROM devices WHERE user_id = $1`,
		userID,
	).Scan(&d.UserID, &d.PushAddress, &d.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Device{}, ErrNotFound
		}
		return contracts.Device{}, err
	}
	return d, nil
}

func (p *Postgres) ListDevices(ctx context.Context) ([]contracts.Device, error) {
	rows, err := p.Pool.Query(ctx, `SELECT user_id, push_address, registered_at FROM devices ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []contracts.Device{}
	for rows.Next() {
		var d contracts.Device
		if err := rows.Scan(&d.UserID, &d.PushAddress, &d.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) AddPending(ctx context.Context, cmd contracts.PendingCommand) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO pending_commands (command_id, user_id, envelope, issued_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		cmd.CommandID, cmd.UserID, cmd.Envelope, cmd.IssuedAt, cmd.ExpiresAt,
	)
	return err
}

// TakePending relies on row locks taken by DELETE: a row is returned to at
// most one statement.
func (p *Postgres) TakePending(ctx context.Context, userID string) ([]contracts.PendingCommand, error) {
	rows, err := p.Pool.Query(ctx,
		`DELETE FROM pending_commands WHERE user_id = $1
		 RETURNING command_id, user_id, envelope, issued_at, expires_at, seq`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		seq int64
		cmd contracts.PendingCommand
	}
	var taken []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.cmd.CommandID, &r.cmd.UserID, &r.cmd.Envelope, &r.cmd.IssuedAt, &r.cmd.ExpiresAt, &r.seq); err != nil {
			return nil, err
		}
		taken = append(taken, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i].seq < taken[j].seq })
	out := make([]contracts.PendingCommand, len(taken))
	for i, r := range taken {
		out[i] = r.cmd
	}
	return out, nil
}

func (p *Postgres) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.Pool.QueryRow(ctx, `SELECT count(*) FROM pending_commands`).Scan(&n)
	return n, err
}

func (p *Postgres) PrunePending(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.Pool.Exec(ctx, `DELETE FROM pending_commands WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected()), nil
}

func (p *Postgres) PutResult(ctx context.Context, result contracts.CommandResult) error {
	var payload any
	if len(result.Result) > 0 {
		payload = string(result.Result)
	}
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO command_results (command_id, success, result, error, reported_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (command_id) DO UPDATE SET success = EXCLUDED.success, result = EXCLUDED.result,
		   error = EXCLUDED.error, reported_at = EXCLUDED.reported_at`,
		result.CommandID, result.Success, payload, result.Error, result.Timestamp,
	)
	return err
}

func (p *Postgres) GetResult(ctx context.Context, commandID string) (contracts.CommandResult, error) {
	var r contracts.CommandResult
	var payload []byte
	err := p.Pool.QueryRow(ctx,
		`SELECT command_id, success, result, error, reported_at FROM command_results WHERE command_id = $1`,
		commandID,
	).Scan(&r.CommandID, &r.Success, &payload, &r.Error, &r.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.CommandResult{}, ErrNotFound
		}
		return contracts.CommandResult{}, err
	}
	if len(payload) > 0 {
		r.Result = payload
	}
	return r, nil
}

func (p *Postgres) CountResults(ctx context.Context) (int, error) {
	var n int
	err := p.Pool.QueryRow(ctx, `SELECT count(*) FROM command_results`).Scan(&n)
	return n, err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.Pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}
