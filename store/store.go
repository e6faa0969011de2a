package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"roomcrypt/crypto"
	"roomcrypt/domain"
	"roomcrypt/logging"
	"roomcrypt/store/migrations"
)

// Store is the SQLite-backed key store. It serializes writers with an
// RWMutex on top of the database handle so concurrent flows cannot
// interleave mutations; readers proceed concurrently with each other.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	pickle crypto.PickleKey
	log    logging.Logger
}

// Open opens (or creates) the store at path and brings the schema up to
// date. A database whose schema version is newer than this build knows is
// refused with ErrStoreCorrupt rather than best-effort-read.
func Open(ctx context.Context, path string, pickleKey crypto.PickleKey, log logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, pickle: pickleKey, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: cannot read schema version: %v", domain.ErrStoreCorrupt, err)
	}
	if version > migrations.Latest {
		return fmt.Errorf("%w: schema version %d is newer than supported %d",
			domain.ErrStoreCorrupt, version, migrations.Latest)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("%w: migration failed: %v", domain.ErrStoreCorrupt, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------- Account ----------

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := crypto.Pickle(s.pickle, a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account (id, pickle) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle`, blob)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *Store) LoadAccount(ctx context.Context) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT pickle FROM account WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	var a domain.Account
	if err := crypto.Unpickle(s.pickle, blob, &a); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// ---------- Pairwise sessions ----------

func (s *Store) SavePairwiseSession(ctx context.Context, sess domain.PairwiseSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := crypto.Pickle(s.pickle, sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pairwise_sessions (session_id, remote_curve_key, pickle, last_received)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pickle = excluded.pickle,
			last_received = excluded.last_received`,
		sess.ID, sess.RemoteCurve.Base64(), blob, sess.LastReceived.UnixMilli())
	if err != nil {
		return fmt.Errorf("save pairwise session %s: %w", sess.ID, err)
	}
	return nil
}

// LoadPairwiseSessions returns every session for a remote curve key, most
// recently active first.
func (s *Store) LoadPairwiseSessions(ctx context.Context, remoteCurve domain.X25519Public) ([]domain.PairwiseSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT pickle FROM pairwise_sessions
		WHERE remote_curve_key = ?
		ORDER BY last_received DESC`, remoteCurve.Base64())
	if err != nil {
		return nil, fmt.Errorf("load pairwise sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.PairwiseSession
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var sess domain.PairwiseSession
		if err := crypto.Unpickle(s.pickle, blob, &sess); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeletePairwiseSessions(ctx context.Context, remoteCurve domain.X25519Public) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pairwise_sessions WHERE remote_curve_key = ?`, remoteCurve.Base64())
	if err != nil {
		return fmt.Errorf("delete pairwise sessions: %w", err)
	}
	return nil
}

// ---------- Group sessions ----------

func (s *Store) SaveOutboundGroupSession(ctx context.Context, sess domain.GroupOutbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := crypto.Pickle(s.pickle, sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_sessions_out (room_id, session_id, pickle, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			session_id = excluded.session_id,
			pickle = excluded.pickle,
			created_at = excluded.created_at`,
		sess.RoomID, sess.ID, blob, sess.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save outbound group session for %s: %w", sess.RoomID, err)
	}
	return nil
}

func (s *Store) LoadOutboundGroupSession(ctx context.Context, roomID string) (domain.GroupOutbound, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle FROM group_sessions_out WHERE room_id = ?`, roomID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupOutbound{}, false, nil
	}
	if err != nil {
		return domain.GroupOutbound{}, false, fmt.Errorf("load outbound group session: %w", err)
	}
	var sess domain.GroupOutbound
	if err := crypto.Unpickle(s.pickle, blob, &sess); err != nil {
		return domain.GroupOutbound{}, false, err
	}
	return sess, true, nil
}

func (s *Store) SaveInboundGroupSession(ctx context.Context, sess domain.GroupInbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := crypto.Pickle(s.pickle, sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_sessions_in (room_id, session_id, pickle)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, session_id) DO UPDATE SET pickle = excluded.pickle`,
		sess.RoomID, sess.ID, blob)
	if err != nil {
		return fmt.Errorf("save inbound group session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) LoadInboundGroupSession(ctx context.Context, roomID, sessionID string) (domain.GroupInbound, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle FROM group_sessions_in WHERE room_id = ? AND session_id = ?`,
		roomID, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupInbound{}, false, nil
	}
	if err != nil {
		return domain.GroupInbound{}, false, fmt.Errorf("load inbound group session: %w", err)
	}
	var sess domain.GroupInbound
	if err := crypto.Unpickle(s.pickle, blob, &sess); err != nil {
		return domain.GroupInbound{}, false, err
	}
	return sess, true, nil
}

// ---------- Replay log ----------

// RecordMessageIndex claims (sessionID, index) for eventID. If the slot is
// already taken, the recorded event id is returned unchanged so the caller
// can distinguish redelivery from replay.
func (s *Store) RecordMessageIndex(ctx context.Context, sessionID string, index uint32, eventID string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id FROM replay_log WHERE session_id = ? AND message_index = ?`,
		sessionID, index).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("replay lookup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replay_log (session_id, message_index, event_id, ts)
		VALUES (?, ?, ?, ?)`,
		sessionID, index, eventID, at.UnixMilli())
	if err != nil {
		return "", false, fmt.Errorf("replay record: %w", err)
	}
	return "", false, nil
}

func (s *Store) HighestRecordedIndex(ctx context.Context, sessionID string) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var index sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(message_index) FROM replay_log WHERE session_id = ?`,
		sessionID).Scan(&index)
	if err != nil {
		return 0, false, fmt.Errorf("highest recorded index: %w", err)
	}
	if !index.Valid {
		return 0, false, nil
	}
	return uint32(index.Int64), true, nil
}

// ---------- Room-key share bookkeeping ----------

// DevicesWithoutKey returns candidates minus the devices already recorded as
// holding the session key.
func (s *Store) DevicesWithoutKey(ctx context.Context, roomID, sessionID string, candidates []domain.DeviceRef) ([]domain.DeviceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id FROM room_key_shares
		WHERE room_id = ? AND session_id = ?`, roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load key shares: %w", err)
	}
	defer rows.Close()

	shared := make(map[domain.DeviceRef]struct{})
	for rows.Next() {
		var ref domain.DeviceRef
		if err := rows.Scan(&ref.UserID, &ref.DeviceID); err != nil {
			return nil, err
		}
		shared[ref] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.DeviceRef, 0, len(candidates))
	for _, ref := range candidates {
		if _, ok := shared[ref]; !ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *Store) MarkDevicesReceivedKey(ctx context.Context, roomID, sessionID string, devices []domain.DeviceRef, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, ref := range devices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_key_shares (room_id, session_id, user_id, device_id, message_index)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(room_id, session_id, user_id, device_id) DO NOTHING`,
			roomID, sessionID, ref.UserID, ref.DeviceID, index); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("mark key share: %w", err)
		}
	}
	return tx.Commit()
}

// ---------- Device trust ----------

func (s *Store) SetDeviceTrust(ctx context.Context, signingKey domain.Ed25519Public, state domain.TrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_trust (signing_key, state) VALUES (?, ?)
		ON CONFLICT(signing_key) DO UPDATE SET state = excluded.state`,
		signingKey.Base64(), string(state))
	if err != nil {
		return fmt.Errorf("set device trust: %w", err)
	}
	return nil
}

func (s *Store) DeviceTrust(ctx context.Context, signingKey domain.Ed25519Public) (domain.TrustState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM device_trust WHERE signing_key = ?`, signingKey.Base64()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrustUnverified, nil
	}
	if err != nil {
		return "", fmt.Errorf("device trust: %w", err)
	}
	return domain.TrustState(state), nil
}

// ---------- Room lifecycle ----------

// ClearRoomData removes everything tied to a room: sessions, replay records,
// and key-share bookkeeping.
func (s *Store) ClearRoomData(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM replay_log WHERE session_id IN
			(SELECT session_id FROM group_sessions_in WHERE room_id = ?)`,
		`DELETE FROM replay_log WHERE session_id IN
			(SELECT session_id FROM group_sessions_out WHERE room_id = ?)`,
		`DELETE FROM group_sessions_in WHERE room_id = ?`,
		`DELETE FROM group_sessions_out WHERE room_id = ?`,
		`DELETE FROM room_key_shares WHERE room_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear room data: %w", err)
		}
	}
	return tx.Commit()
}

// Compile-time assertion that Store implements domain.KeyStore.
var _ domain.KeyStore = (*Store)(nil)
