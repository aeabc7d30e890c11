package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegisflux/agents/exec-guard/internal/types"
)

const executableColumns = `id, path, last_write_time, first_seen, last_seen, last_checked,
	signed, trusted, blocked, md5, sha1, sha256, size`

// FindExecutable returns the trust record for (path, lastWriteTime), or nil
// when the pair has never been decided
func (s *Store) FindExecutable(ctx context.Context, path string, lastWriteTime time.Time) (*types.Executable, error) {
	return findExecutable(ctx, s.db, path, lastWriteTime)
}

// FindExecutable is FindExecutable read through the transaction
func (t *Tx) FindExecutable(ctx context.Context, path string, lastWriteTime time.Time) (*types.Executable, error) {
	return findExecutable(ctx, t.tx, path, lastWriteTime)
}

// ExecutableByID returns an executable with its signer chain
func (s *Store) ExecutableByID(ctx context.Context, id int64) (*types.Executable, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executableColumns+" FROM executables WHERE id = ?", id)
	exe, err := scanExecutable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executable %d: %w", id, err)
	}
	if err := loadSigners(ctx, s.db, exe); err != nil {
		return nil, err
	}
	return exe, nil
}

// ExecutableBySHA256 returns the most recently recorded executable with the
// given digest, or nil when none is known
func (s *Store) ExecutableBySHA256(ctx context.Context, digest []byte) (*types.Executable, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executableColumns+" FROM executables WHERE sha256 = ? ORDER BY id DESC LIMIT 1", digest)
	exe, err := scanExecutable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executable by sha256: %w", err)
	}
	return exe, nil
}

// CountExecutables returns the number of trust records
func (s *Store) CountExecutables(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executables").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count executables: %w", err)
	}
	return n, nil
}

// FindCertificate returns the certificate with the given (serial, issuer)
// pair, or nil when none is stored
func (t *Tx) FindCertificate(ctx context.Context, serial []byte, issuer string) (*types.Certificate, error) {
	var cert types.Certificate
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, version, issuer, serial_number, digest_algorithm, digest_encryption_algorithm
		FROM certificates WHERE serial_number = ? AND issuer = ?`, serial, issuer).
		Scan(&cert.ID, &cert.Version, &cert.Issuer, &cert.SerialNumber, &cert.DigestAlgorithm, &cert.DigestEncryptionAlgorithm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	return &cert, nil
}

// InsertExecutable inserts exe with its signers, reusing stored certificates
// that share (serial, issuer). IDs are written back into exe.
func (t *Tx) InsertExecutable(ctx context.Context, exe *types.Executable) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO executables (path, last_write_time, first_seen, last_seen, last_checked,
			signed, trusted, blocked, md5, sha1, sha256, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exe.Path, toNanos(exe.LastWriteTime), toNanos(exe.FirstSeen), toNanos(exe.LastSeen), toNanos(exe.LastChecked),
		exe.Signed, exe.Trusted, exe.Blocked, exe.MD5, exe.SHA1, exe.SHA256, exe.Size)
	if err != nil {
		return 0, fmt.Errorf("failed to insert executable: %w", err)
	}

	exeID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read executable id: %w", err)
	}
	exe.ID = exeID

	for i := range exe.Signers {
		signer := &exe.Signers[i]

		if signer.Certificate.ID == 0 {
			certID, err := t.ensureCertificate(ctx, &signer.Certificate)
			if err != nil {
				return 0, err
			}
			signer.Certificate.ID = certID
		}

		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO signers (executable_id, position, name, timestamp, certificate_id)
			VALUES (?, ?, ?, ?, ?)`,
			exeID, i, signer.Name, toNanos(signer.Timestamp), signer.Certificate.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert signer: %w", err)
		}
		if signer.ID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("failed to read signer id: %w", err)
		}
	}

	return exeID, nil
}

func (t *Tx) ensureCertificate(ctx context.Context, cert *types.Certificate) (int64, error) {
	existing, err := t.FindCertificate(ctx, cert.SerialNumber, cert.Issuer)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO certificates (version, issuer, serial_number, digest_algorithm, digest_encryption_algorithm)
		VALUES (?, ?, ?, ?, ?)`,
		cert.Version, cert.Issuer, cert.SerialNumber, cert.DigestAlgorithm, cert.DigestEncryptionAlgorithm)
	if err != nil {
		return 0, fmt.Errorf("failed to insert certificate: %w", err)
	}
	return res.LastInsertId()
}

func findExecutable(ctx context.Context, q querier, path string, lastWriteTime time.Time) (*types.Executable, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+executableColumns+" FROM executables WHERE path = ? AND last_write_time = ?",
		path, toNanos(lastWriteTime))

	exe, err := scanExecutable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executable: %w", err)
	}

	if err := loadSigners(ctx, q, exe); err != nil {
		return nil, err
	}
	return exe, nil
}

func scanExecutable(row *sql.Row) (*types.Executable, error) {
	var (
		exe                                    types.Executable
		lastWrite, first, last, checked, size int64
	)
	err := row.Scan(&exe.ID, &exe.Path, &lastWrite, &first, &last, &checked,
		&exe.Signed, &exe.Trusted, &exe.Blocked, &exe.MD5, &exe.SHA1, &exe.SHA256, &size)
	if err != nil {
		return nil, err
	}

	exe.LastWriteTime = fromNanos(lastWrite)
	exe.FirstSeen = fromNanos(first)
	exe.LastSeen = fromNanos(last)
	exe.LastChecked = fromNanos(checked)
	exe.Size = size
	return &exe, nil
}

func loadSigners(ctx context.Context, q querier, exe *types.Executable) error {
	rows, err := q.QueryContext(ctx, `
		SELECT s.id, s.name, s.timestamp,
			c.id, c.version, c.issuer, c.serial_number, c.digest_algorithm, c.digest_encryption_algorithm
		FROM signers s JOIN certificates c ON c.id = s.certificate_id
		WHERE s.executable_id = ?
		ORDER BY s.position`, exe.ID)
	if err != nil {
		return fmt.Errorf("failed to query signers: %w", err)
	}
	defer rows.Close()

	exe.Signers = nil
	for rows.Next() {
		var (
			signer types.Signer
			ts     int64
		)
		cert := &signer.Certificate
		if err := rows.Scan(&signer.ID, &signer.Name, &ts,
			&cert.ID, &cert.Version, &cert.Issuer, &cert.SerialNumber, &cert.DigestAlgorithm, &cert.DigestEncryptionAlgorithm); err != nil {
			return fmt.Errorf("failed to scan signer: %w", err)
		}
		signer.Timestamp = fromNanos(ts)
		exe.Signers = append(exe.Signers, signer)
	}
	return rows.Err()
}
