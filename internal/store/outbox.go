package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aegisflux/agents/exec-guard/internal/types"
)

// LogProcessEvent appends a process event to the outbox
func (s *Store) LogProcessEvent(ctx context.Context, ev *types.ProcessEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events (executable_id, image_path, pid, ppid, command_line, event_time, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutableID, ev.ImagePath, ev.PID, ev.PPID, ev.CommandLine, toNanos(ev.EventTime), int(ev.State))
	if err != nil {
		return 0, fmt.Errorf("failed to insert process event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read process event id: %w", err)
	}
	ev.ID = id
	return id, nil
}

// UndeliveredProcessEvents returns process events awaiting acknowledgment, oldest first
func (s *Store) UndeliveredProcessEvents(ctx context.Context) ([]types.ProcessEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, executable_id, image_path, pid, ppid, command_line, event_time, state, delivered
		FROM process_events WHERE delivered = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query process events: %w", err)
	}
	defer rows.Close()

	var events []types.ProcessEvent
	for rows.Next() {
		var (
			ev        types.ProcessEvent
			eventTime int64
			state     int
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutableID, &ev.ImagePath, &ev.PID, &ev.PPID,
			&ev.CommandLine, &eventTime, &state, &ev.Delivered); err != nil {
			return nil, fmt.Errorf("failed to scan process event: %w", err)
		}
		ev.EventTime = fromNanos(eventTime)
		ev.State = types.ProcessState(state)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkProcessEventDelivered flags an acknowledged process event. Marking an
// already delivered row is a no-op.
func (s *Store) MarkProcessEventDelivered(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.markDelivered(ctx, "process_events", id)
	})
}

// RecordCatalogFile stores a catalog observation unless one with the same
// path already exists; it returns the id of the stored row
func (s *Store) RecordCatalogFile(ctx context.Context, cf *types.CatalogFile) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		err := tx.tx.QueryRowContext(ctx, "SELECT id FROM catalog_files WHERE file_path = ?", cf.Path).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query catalog file: %w", err)
		}

		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO catalog_files (file_path, sha256, size, first_access_time)
			VALUES (?, ?, ?, ?)`,
			cf.Path, cf.SHA256, cf.Size, toNanos(cf.FirstAccessTime))
		if err != nil {
			return fmt.Errorf("failed to insert catalog file: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	cf.ID = id
	return id, nil
}

// UndeliveredCatalogFiles returns catalog files awaiting acknowledgment, oldest first
func (s *Store) UndeliveredCatalogFiles(ctx context.Context) ([]types.CatalogFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, sha256, size, first_access_time, delivered
		FROM catalog_files WHERE delivered = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog files: %w", err)
	}
	defer rows.Close()

	var files []types.CatalogFile
	for rows.Next() {
		cf, err := scanCatalogFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *cf)
	}
	return files, rows.Err()
}

// CatalogFileBySHA256 returns the catalog file with the given digest, or nil
func (s *Store) CatalogFileBySHA256(ctx context.Context, digest []byte) (*types.CatalogFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, sha256, size, first_access_time, delivered
		FROM catalog_files WHERE sha256 = ? ORDER BY id DESC LIMIT 1`, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog file by sha256: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanCatalogFile(rows)
}

// MarkCatalogFileDelivered flags an acknowledged catalog file
func (s *Store) MarkCatalogFileDelivered(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.markDelivered(ctx, "catalog_files", id)
	})
}

// OutboxCounts returns the number of undelivered process events and catalog files
func (s *Store) OutboxCounts(ctx context.Context) (events, catalogs int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM process_events WHERE delivered = 0),
			(SELECT COUNT(*) FROM catalog_files WHERE delivered = 0)`).Scan(&events, &catalogs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return events, catalogs, nil
}

// markDelivered only ever moves a row from undelivered to delivered
func (t *Tx) markDelivered(ctx context.Context, table string, id int64) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE "+table+" SET delivered = 1 WHERE id = ? AND delivered = 0", id)
	if err != nil {
		return fmt.Errorf("failed to mark %s %d delivered: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check %s %d: %w", table, id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func scanCatalogFile(rows *sql.Rows) (*types.CatalogFile, error) {
	var (
		cf       types.CatalogFile
		accessed int64
	)
	if err := rows.Scan(&cf.ID, &cf.Path, &cf.SHA256, &cf.Size, &accessed, &cf.Delivered); err != nil {
		return nil, fmt.Errorf("failed to scan catalog file: %w", err)
	}
	cf.FirstAccessTime = fromNanos(accessed)
	return &cf, nil
}
