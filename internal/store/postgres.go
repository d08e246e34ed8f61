package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronicle/collab/internal/codec"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/relay"
)

// PostgresStore keeps, per document, the latest snapshot, the updates merged
// since it was taken and the write-once replica bindings.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

var _ relay.Persistence = (*PostgresStore)(nil)

func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM collab_snapshots WHERE document_id=$1`, documentID).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM collab_updates WHERE document_id=$1 ORDER BY id`, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates: %w", err)
	}
	return snapshot, updates, nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO collab_updates (document_id, payload) VALUES ($1, $2)`, documentID, update); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// SaveCheckpoint folds snapshot into the stored one and deletes the logged
// updates the result covers. Checkpoints of relay nodes that merged
// different updates join instead of replacing each other, and updates no
// node has merged yet stay in the log.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, documentID string, snapshot []byte, bindings map[uint64]string) error {
	snap, err := codec.DecodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	merged, err := joinSnapshot(ctx, tx, documentID, snap, snapshot)
	if err != nil {
		return err
	}

	covered, err := coveredUpdates(ctx, tx, documentID, merged.StateVector)
	if err != nil {
		return err
	}
	for _, id := range covered {
		if _, err := tx.ExecContext(ctx, `DELETE FROM collab_updates WHERE id=$1`, id); err != nil {
			return fmt.Errorf("truncate update log: %w", err)
		}
	}

	all := map[uint64]string{}
	for _, b := range merged.Bindings {
		all[b.Replica] = b.User
	}
	for replica, user := range bindings {
		if _, ok := all[replica]; !ok {
			all[replica] = user
		}
	}
	for replica, user := range all {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collab_identity_bindings (document_id, replica_id, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id, replica_id) DO NOTHING
		`, documentID, int64(replica), user); err != nil {
			return fmt.Errorf("save binding %d: %w", replica, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// joinSnapshot stores the join of snap and the document's stored snapshot
// and returns it. The stored row stays locked until tx ends.
func joinSnapshot(ctx context.Context, tx *sql.Tx, documentID string, snap *crdt.Snapshot, payload []byte) (*crdt.Snapshot, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO collab_snapshots (document_id, snapshot, size_bytes, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id) DO NOTHING
	`, documentID, payload, len(payload))
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return snap, nil
	}

	var stored []byte
	if err := tx.QueryRowContext(ctx, `SELECT snapshot FROM collab_snapshots WHERE document_id=$1 FOR UPDATE`, documentID).Scan(&stored); err != nil {
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	current, err := codec.DecodeSnapshot(stored)
	if err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	merged, err := JoinSnapshots(current, snap)
	if err != nil {
		return nil, err
	}
	switch merged {
	case current:
		return current, nil
	case snap:
	default:
		payload = codec.EncodeSnapshot(merged)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE collab_snapshots SET snapshot=$2, size_bytes=$3, updated_at=NOW() WHERE document_id=$1
	`, documentID, payload, len(payload)); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return merged, nil
}

// JoinSnapshots returns the state holding everything of a and b. When one
// already covers the other it is returned as is.
func JoinSnapshots(a, b *crdt.Snapshot) (*crdt.Snapshot, error) {
	switch {
	case a.StateVector.Dominates(b.StateVector):
		return a, nil
	case b.StateVector.Dominates(a.StateVector):
		return b, nil
	}
	joined := crdt.NewStore(0, crdt.Options{})
	for _, snap := range []*crdt.Snapshot{a, b} {
		if _, err := joined.Merge(snap); err != nil {
			return nil, fmt.Errorf("join snapshots: %w", err)
		}
	}
	return joined.Snapshot(), nil
}

func coveredUpdates(ctx context.Context, tx *sql.Tx, documentID string, sv crdt.StateVector) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM collab_updates WHERE document_id=$1 ORDER BY id FOR UPDATE`, documentID)
	if err != nil {
		return nil, fmt.Errorf("lock update log: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		if Covered(sv, payload) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return ids, nil
}

// Covered reports whether a logged payload adds nothing to a snapshot with
// the given state vector. Payloads that fail to decode are covered: they can
// never be merged.
func Covered(sv crdt.StateVector, payload []byte) bool {
	format, err := codec.FormatOf(payload)
	if err != nil {
		return true
	}
	switch format {
	case codec.FormatUpdateV1:
		u, err := codec.DecodeUpdate(payload)
		if err != nil {
			return true
		}
		for _, op := range u.Ops {
			if op.End() > sv[op.ID.Replica] {
				return false
			}
		}
		return true
	case codec.FormatSnapshotV1:
		snap, err := codec.DecodeSnapshot(payload)
		if err != nil {
			return true
		}
		return sv.Dominates(snap.StateVector)
	}
	return true
}

// Bindings returns the replica bindings recorded for a document.
func (s *PostgresStore) Bindings(ctx context.Context, documentID string) (map[uint64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT replica_id, user_id FROM collab_identity_bindings WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := map[uint64]string{}
	for rows.Next() {
		var replica int64
		var user string
		if err := rows.Scan(&replica, &user); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out[uint64(replica)] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return out, nil
}

// DocumentStats describes what is stored for a document.
type DocumentStats struct {
	SnapshotBytes  int       `json:"snapshotBytes"`
	PendingUpdates int       `json:"pendingUpdates"`
	CheckpointedAt time.Time `json:"checkpointedAt"`
}

func (s *PostgresStore) Stats(ctx context.Context, documentID string) (DocumentStats, error) {
	var stats DocumentStats
	err := s.db.QueryRowContext(ctx, `SELECT size_bytes, updated_at FROM collab_snapshots WHERE document_id=$1`, documentID).
		Scan(&stats.SnapshotBytes, &stats.CheckpointedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return DocumentStats{}, fmt.Errorf("load snapshot stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collab_updates WHERE document_id=$1`, documentID).Scan(&stats.PendingUpdates); err != nil {
		return DocumentStats{}, fmt.Errorf("count updates: %w", err)
	}
	return stats, nil
}
