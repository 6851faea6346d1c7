package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordSessionStart inserts an open journal row for client and returns its id.
func (p *PostgresClient) RecordSessionStart(ctx context.Context, client types.NetworkDevice, at time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO client_sessions (id, client_name, address, command_port, data_port, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, client.Name, client.Address, client.CommandPort, client.DataPort, at)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record session start: %w", err)
	}
	return id, nil
}

// RecordSessionEnd closes a journal row. Closing a row twice keeps the first end.
func (p *PostgresClient) RecordSessionEnd(ctx context.Context, id uuid.UUID, reason EndReason, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE client_sessions
		SET ended_at = $2, end_reason = $3
		WHERE id = $1 AND ended_at IS NULL
	`, id, at, string(reason))
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found or already ended", id)
	}
	return nil
}

// ListSessions returns the newest sessions first.
func (p *PostgresClient) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, client_name, address, command_port, data_port, started_at, ended_at, end_reason
		FROM client_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionRecord, error) {
		var r SessionRecord
		var reason *string
		err := row.Scan(&r.ID, &r.ClientName, &r.Address, &r.CommandPort, &r.DataPort,
			&r.StartedAt, &r.EndedAt, &reason)
		if reason != nil {
			er := EndReason(*reason)
			r.EndReason = &er
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// CloseOpenSessions ends every row still open, e.g. rows left by a crash.
func (p *PostgresClient) CloseOpenSessions(ctx context.Context, reason EndReason, at time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE client_sessions
		SET ended_at = $1, end_reason = $2
		WHERE ended_at IS NULL
	`, at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
