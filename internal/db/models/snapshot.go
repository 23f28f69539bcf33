package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SnapshotState is the lifecycle state of a runtime snapshot.
//
// creating -> ready -> unhealthy -> deleted, with creating -> deleted for
// abandoned builds. deleted is terminal; artifacts are reclaimed by the GC,
// never inline with the transition.
type SnapshotState string

const (
	SnapshotCreating  SnapshotState = "creating"
	SnapshotReady     SnapshotState = "ready"
	SnapshotUnhealthy SnapshotState = "unhealthy"
	SnapshotDeleted   SnapshotState = "deleted"
)

// ErrBuildInFlight is returned when a second creating row is attempted for a
// runtime image that already has a build in progress.
var ErrBuildInFlight = errors.New("a snapshot build is already in flight for this image")

// RuntimeSnapshot is one buildable/restorable artifact set tied to an exact
// runtime image version and hypervisor build.
type RuntimeSnapshot struct {
	ID                string
	RuntimeImageID    string
	SnapshotPath      string
	State             SnapshotState
	HypervisorVersion string
	CreatedAt         time.Time
	SuccessCount      int64
	FailureCount      int64
	FailureStreak     int64
	LastUsedAt        *time.Time
	Meta              SnapshotMeta
}

// SnapshotMeta describes the artifact set on disk.
type SnapshotMeta struct {
	SizeBytes       int64         `json:"size_bytes"`
	MemSizeBytes    int64         `json:"mem_size_bytes"`
	StateSizeBytes  int64         `json:"state_size_bytes"`
	RootfsSizeBytes int64         `json:"rootfs_size_bytes"`
	Compressed      bool          `json:"compressed"`
	BuildDuration   time.Duration `json:"-"`
}

type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(database *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: database}
}

const snapshotColumns = `id, runtime_image_id, snapshot_path, state, hypervisor_version,
	created_at, success_count, failure_count, failure_streak, last_used_at,
	size_bytes, mem_size_bytes, state_size_bytes, rootfs_size_bytes, compressed, build_duration_ms`

// InsertCreating allocates a new row in creating state. The partial unique
// index guarantees at most one creating row per image even across processes;
// a conflict comes back as ErrBuildInFlight.
func (s *SnapshotStore) InsertCreating(ctx context.Context, snap *RuntimeSnapshot) error {
	query := `
		INSERT INTO runtime_snapshots (id, runtime_image_id, snapshot_path, state, hypervisor_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.RuntimeImageID, snap.SnapshotPath, string(SnapshotCreating), snap.HypervisorVersion, now)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return ErrBuildInFlight
		}
		return err
	}

	snap.State = SnapshotCreating
	snap.CreatedAt = time.Unix(now, 0)
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (*RuntimeSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM runtime_snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// List returns all snapshots except deleted ones, newest first.
func (s *SnapshotStore) List(ctx context.Context) ([]*RuntimeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM runtime_snapshots WHERE state != 'deleted' ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// FindLatestByImage returns the newest non-deleted snapshot for an image, or
// ErrNotFound. The caller inspects the state: the orchestrator needs to see
// creating and unhealthy rows, not just ready ones.
func (s *SnapshotStore) FindLatestByImage(ctx context.Context, runtimeImageID string) (*RuntimeSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM runtime_snapshots
		WHERE runtime_image_id = ? AND state != 'deleted'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, runtimeImageID)
	return scanSnapshot(row)
}

// TransitionState performs a compare-and-swap move from one state to
// another. Returns false when the row was not in the expected state, which
// callers treat as losing a race, never as corruption.
func (s *SnapshotStore) TransitionState(ctx context.Context, id string, from, to SnapshotState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runtime_snapshots SET state = ? WHERE id = ? AND state = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkReady moves creating -> ready and records the artifact metadata in the
// same statement, so a row can never be ready without its metadata.
func (s *SnapshotStore) MarkReady(ctx context.Context, id string, meta SnapshotMeta) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runtime_snapshots
		SET state = 'ready',
		    size_bytes = ?, mem_size_bytes = ?, state_size_bytes = ?, rootfs_size_bytes = ?,
		    compressed = ?, build_duration_ms = ?
		WHERE id = ? AND state = 'creating'
	`, meta.SizeBytes, meta.MemSizeBytes, meta.StateSizeBytes, meta.RootfsSizeBytes,
		boolToInt(meta.Compressed), meta.BuildDuration.Milliseconds(), id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordSuccess atomically bumps the success counter, clears the consecutive
// failure streak, and stamps last_used_at.
func (s *SnapshotStore) RecordSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runtime_snapshots
		SET success_count = success_count + 1, failure_streak = 0, last_used_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	return err
}

// RecordFailure atomically bumps both failure counters and returns the new
// consecutive streak, so concurrent failures each see a distinct value and
// the unhealthy-threshold decision cannot race.
func (s *SnapshotStore) RecordFailure(ctx context.Context, id string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE runtime_snapshots
		SET failure_count = failure_count + 1, failure_streak = failure_streak + 1
		WHERE id = ?
		RETURNING failure_streak
	`, id)

	var streak int64
	if err := row.Scan(&streak); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return streak, nil
}

// SoftDelete marks a snapshot deleted. The second delete of the same row is
// a no-op and reports false.
func (s *SnapshotStore) SoftDelete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runtime_snapshots SET state = 'deleted' WHERE id = ? AND state != 'deleted'`, id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListDeleted returns rows awaiting artifact reclamation.
func (s *SnapshotStore) ListDeleted(ctx context.Context) ([]*RuntimeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM runtime_snapshots WHERE state = 'deleted'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Purge removes a deleted row after its artifacts are gone.
func (s *SnapshotStore) Purge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runtime_snapshots WHERE id = ? AND state = 'deleted'`, id)
	return err
}

// ListStaleCreating returns creating rows older than the TTL: builds whose
// process died mid-way and can never finish. The GC CAS-moves them to
// deleted so they stop blocking new builds for the image.
func (s *SnapshotStore) ListStaleCreating(ctx context.Context, ttl time.Duration) ([]*RuntimeSnapshot, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM runtime_snapshots WHERE state = 'creating' AND created_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*RuntimeSnapshot, error) {
	var (
		createdAt  int64
		lastUsedAt sql.NullInt64
		state      string
		compressed int64
		durationMs int64
	)

	snap := &RuntimeSnapshot{}
	err := row.Scan(
		&snap.ID, &snap.RuntimeImageID, &snap.SnapshotPath, &state, &snap.HypervisorVersion,
		&createdAt, &snap.SuccessCount, &snap.FailureCount, &snap.FailureStreak, &lastUsedAt,
		&snap.Meta.SizeBytes, &snap.Meta.MemSizeBytes, &snap.Meta.StateSizeBytes,
		&snap.Meta.RootfsSizeBytes, &compressed, &durationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.State = SnapshotState(state)
	snap.CreatedAt = time.Unix(createdAt, 0)
	snap.Meta.Compressed = compressed != 0
	snap.Meta.BuildDuration = time.Duration(durationMs) * time.Millisecond
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0)
		snap.LastUsedAt = &t
	}

	return snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]*RuntimeSnapshot, error) {
	var snaps []*RuntimeSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
