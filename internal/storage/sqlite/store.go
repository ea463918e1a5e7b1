// internal/storage/sqlite/store.go
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/familysync/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// FileName is the database file created inside the data directory.
const FileName = "state.db"

// Store keeps the projection state in a single SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

var (
	_ storage.CursorStore   = (*Store)(nil)
	_ storage.MediaIndex    = (*Store)(nil)
	_ storage.ReactionIndex = (*Store)(nil)
	_ storage.ReportIndex   = (*Store)(nil)
)

// Open opens or creates dir/state.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+ // Wait on a locked database instead of failing with SQLITE_BUSY
		"&_pragma=synchronous(NORMAL)"+ // Safe with WAL, fsync only at checkpoints
		"&_pragma=wal_autocheckpoint(1000)") // Keep the WAL from growing between checkpoints
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		slog.Warn("failed to parse timestamp", "field", field, "value", value, "error", err)
	}
	return t
}

// LoadCursors returns the persisted cursor map.
func (s *Store) LoadCursors(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, processed_at FROM cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cursors := make(map[string]uint64)
	for rows.Next() {
		var (
			groupID string
			at      int64
		)
		if err := rows.Scan(&groupID, &at); err != nil {
			return nil, err
		}
		cursors[groupID] = uint64(at)
	}
	return cursors, rows.Err()
}

// SaveCursors replaces the cursor map in one transaction.
func (s *Store) SaveCursors(ctx context.Context, cursors map[string]uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cursors`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cursors (group_id, processed_at) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for groupID, at := range cursors {
		if _, err := stmt.ExecContext(ctx, groupID, int64(at)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// tombstoned matches a deleted record that blocks the incoming share.
const tombstoned = `media.status = 'deleted' AND media.group_id = excluded.group_id
		   AND media.owner IN ('', excluded.owner)`

// UpsertMedia inserts or refreshes a media record. A deleted record of the
// same group and owner keeps its status and reason; cached blob paths are
// never overwritten here.
func (s *Store) UpsertMedia(ctx context.Context, rec storage.MediaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (item_id, group_id, owner, signer, status, reason, title,
		   blob_url, blob_mime, blob_length, blob_cid, thumbnail_url, descriptor, digest,
		   shared_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   group_id = excluded.group_id,
		   owner = excluded.owner,
		   signer = excluded.signer,
		   status = CASE WHEN `+tombstoned+` THEN media.status ELSE excluded.status END,
		   reason = CASE WHEN `+tombstoned+` THEN media.reason ELSE excluded.reason END,
		   title = excluded.title,
		   blob_url = excluded.blob_url,
		   blob_mime = excluded.blob_mime,
		   blob_length = excluded.blob_length,
		   blob_cid = excluded.blob_cid,
		   thumbnail_url = excluded.thumbnail_url,
		   descriptor = excluded.descriptor,
		   digest = excluded.digest,
		   shared_at = excluded.shared_at,
		   updated_at = excluded.updated_at`,
		rec.ItemID, rec.GroupID, rec.Owner, rec.Signer, string(rec.Status), rec.Reason, rec.Title,
		rec.BlobURL, rec.BlobMIME, rec.BlobLength, rec.BlobCID, rec.ThumbnailURL, rec.Descriptor, rec.Digest,
		formatTime(rec.SharedAt), formatTime(time.Now()))
	return err
}

// SetMediaStatus transitions an item's status within groupID. Deleted items
// are final.
func (s *Store) SetMediaStatus(ctx context.Context, itemID, groupID, owner string, status storage.MediaStatus, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (item_id, group_id, owner, status, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   status = excluded.status,
		   reason = excluded.reason,
		   updated_at = excluded.updated_at
		 WHERE media.status <> 'deleted' AND media.group_id = excluded.group_id`,
		itemID, groupID, owner, string(status), reason, formatTime(time.Now()))
	return err
}

func (s *Store) SetCachedBlobs(ctx context.Context, itemID, blob, thumbnail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media SET cached_blob = ?, cached_thumbnail = ? WHERE item_id = ?`,
		blob, thumbnail, itemID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, itemID)
	}
	return nil
}

// ClearCachedBlobs drops the local cache references of an item of groupID.
// Unknown items are ignored.
func (s *Store) ClearCachedBlobs(ctx context.Context, itemID, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media SET cached_blob = '', cached_thumbnail = '' WHERE item_id = ? AND group_id = ?`,
		itemID, groupID)
	return err
}

const mediaColumns = `item_id, group_id, owner, signer, status, reason, title, blob_url, blob_mime,
	blob_length, blob_cid, thumbnail_url, descriptor, digest, cached_blob, cached_thumbnail,
	shared_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMedia(row scanner) (*storage.MediaRecord, error) {
	var (
		rec                 storage.MediaRecord
		status              string
		sharedAt, updatedAt string
	)
	err := row.Scan(&rec.ItemID, &rec.GroupID, &rec.Owner, &rec.Signer, &status, &rec.Reason,
		&rec.Title, &rec.BlobURL, &rec.BlobMIME, &rec.BlobLength, &rec.BlobCID, &rec.ThumbnailURL,
		&rec.Descriptor, &rec.Digest, &rec.CachedBlob, &rec.CachedThumbnail, &sharedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = storage.MediaStatus(status)
	rec.SharedAt = parseTime("shared_at", sharedAt)
	rec.UpdatedAt = parseTime("updated_at", updatedAt)
	return &rec, nil
}

func (s *Store) Media(ctx context.Context, itemID string) (*storage.MediaRecord, error) {
	rec, err := scanMedia(s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE item_id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, itemID)
	}
	return rec, err
}

// ListMedia returns the records of groupID, or of every group when groupID
// is empty.
func (s *Store) ListMedia(ctx context.Context, groupID string) ([]storage.MediaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE ? = '' OR group_id = ? ORDER BY item_id`,
		groupID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.MediaRecord
	for rows.Next() {
		rec, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// AddReaction records a reaction. Idempotent per item and viewer.
func (s *Store) AddReaction(ctx context.Context, r storage.Reaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reactions (item_id, viewer, group_id, signer, event_id, reacted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, viewer) DO NOTHING`,
		r.ItemID, r.Viewer, r.GroupID, r.Signer, r.EventID, formatTime(r.At))
	return err
}

func (s *Store) Reactions(ctx context.Context, itemID string) ([]storage.Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, viewer, group_id, signer, event_id, reacted_at
		 FROM reactions WHERE item_id = ? ORDER BY viewer`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Reaction
	for rows.Next() {
		var (
			r  storage.Reaction
			at string
		)
		if err := rows.Scan(&r.ItemID, &r.Viewer, &r.GroupID, &r.Signer, &r.EventID, &at); err != nil {
			return nil, err
		}
		r.At = parseTime("reacted_at", at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddReport records a report. Idempotent per event id.
func (s *Store) AddReport(ctx context.Context, r storage.Report) error {
	if r.EventID == "" {
		return errors.New("report without event id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (event_id, id, item_id, group_id, subject, reason, reporter, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		r.EventID, r.ID, r.ItemID, r.GroupID, r.Subject, r.Reason, r.Reporter, string(r.Status), formatTime(r.ReceivedAt))
	return err
}

// Reports returns reports with status, or all reports when status is empty,
// oldest first.
func (s *Store) Reports(ctx context.Context, status storage.ReportStatus) ([]storage.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, group_id, subject, reason, reporter, event_id, status, received_at
		 FROM reports WHERE ? = '' OR status = ? ORDER BY received_at, id`,
		string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Report
	for rows.Next() {
		var (
			r          storage.Report
			st, recvAt string
		)
		if err := rows.Scan(&r.ID, &r.ItemID, &r.GroupID, &r.Subject, &r.Reason, &r.Reporter, &r.EventID, &st, &recvAt); err != nil {
			return nil, err
		}
		r.Status = storage.ReportStatus(st)
		r.ReceivedAt = parseTime("received_at", recvAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
