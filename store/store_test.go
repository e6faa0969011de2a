package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"roomcrypt/crypto"
	"roomcrypt/domain"
	"roomcrypt/logging"
	"roomcrypt/store"
	"roomcrypt/store/migrations"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	var key crypto.PickleKey
	copy(key[:], "0123456789abcdef0123456789abcdef")
	st, err := store.Open(context.Background(), path, key, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_AccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	_, err := st.LoadAccount(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	account := domain.Account{
		UserID:   "@alice:example.org",
		DeviceID: "DEVA",
		CurveKey: domain.X25519Public{1, 2, 3},
		OneTimeKeys: []domain.OneTimeKeyPair{
			{ID: "otk1", Pub: domain.X25519Public{4}, Priv: domain.X25519Private{5}},
		},
		PublishedCount: 1,
	}
	require.NoError(t, st.SaveAccount(ctx, account))

	got, err := st.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, account.UserID, got.UserID)
	assert.Equal(t, account.CurveKey, got.CurveKey)
	require.Len(t, got.OneTimeKeys, 1)
	assert.Equal(t, "otk1", got.OneTimeKeys[0].ID)

	// Overwrite is an upsert, not a second row.
	account.PublishedCount = 2
	require.NoError(t, st.SaveAccount(ctx, account))
	got, err = st.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PublishedCount)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")
	var key crypto.PickleKey
	copy(key[:], "0123456789abcdef0123456789abcdef")

	st, err := store.Open(ctx, path, key, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(ctx, domain.Account{UserID: "@alice:example.org"}))
	require.NoError(t, st.Close())

	// Opening an up-to-date database must be a no-op, not a failure.
	st, err = store.Open(ctx, path, key, logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", got.UserID)
}

func TestStore_FutureSchemaVersionRefused(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")
	var key crypto.PickleKey
	copy(key[:], "0123456789abcdef0123456789abcdef")

	st, err := store.Open(ctx, path, key, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Simulate a database written by a newer build.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO goose_db_version (version_id, is_applied) VALUES (?, 1)`,
		migrations.Latest+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = store.Open(ctx, path, key, logging.Nop())
	require.ErrorIs(t, err, domain.ErrStoreCorrupt)
}

func TestStore_WrongPickleKeyRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")
	var key, other crypto.PickleKey
	copy(key[:], "0123456789abcdef0123456789abcdef")
	copy(other[:], "fedcba9876543210fedcba9876543210")

	st, err := store.Open(ctx, path, key, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(ctx, domain.Account{UserID: "@alice:example.org"}))
	require.NoError(t, st.Close())

	st, err = store.Open(ctx, path, other, logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.LoadAccount(ctx)
	require.ErrorIs(t, err, domain.ErrStoreCorrupt)
}

func TestStore_PairwiseSessions(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	remote := domain.X25519Public{9, 9, 9}
	older := domain.PairwiseSession{
		ID:           "sess-old",
		RemoteCurve:  remote,
		LastReceived: time.UnixMilli(1000),
	}
	newer := domain.PairwiseSession{
		ID:           "sess-new",
		RemoteCurve:  remote,
		LastReceived: time.UnixMilli(2000),
	}
	require.NoError(t, st.SavePairwiseSession(ctx, older))
	require.NoError(t, st.SavePairwiseSession(ctx, newer))

	got, err := st.LoadPairwiseSessions(ctx, remote)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sess-new", got[0].ID)
	assert.Equal(t, "sess-old", got[1].ID)

	// Re-saving with a newer receive time reorders.
	older.LastReceived = time.UnixMilli(3000)
	require.NoError(t, st.SavePairwiseSession(ctx, older))
	got, err = st.LoadPairwiseSessions(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, "sess-old", got[0].ID)

	// Sessions for other curve keys are untouched by deletion.
	otherRemote := domain.X25519Public{7}
	require.NoError(t, st.SavePairwiseSession(ctx, domain.PairwiseSession{ID: "sess-other", RemoteCurve: otherRemote}))
	require.NoError(t, st.DeletePairwiseSessions(ctx, remote))

	got, err = st.LoadPairwiseSessions(ctx, remote)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = st.LoadPairwiseSessions(ctx, otherRemote)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStore_GroupSessions(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	_, ok, err := st.LoadOutboundGroupSession(ctx, "!room")
	require.NoError(t, err)
	assert.False(t, ok)

	out := domain.GroupOutbound{
		RoomID:    "!room",
		ID:        "session-a",
		ChainKey:  []byte("chainchainchainchainchainchain32"),
		Index:     3,
		CreatedAt: time.UnixMilli(5000),
	}
	require.NoError(t, st.SaveOutboundGroupSession(ctx, out))

	got, ok, err := st.LoadOutboundGroupSession(ctx, "!room")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.ID, got.ID)
	assert.Equal(t, uint32(3), got.Index)

	// One outbound session per room: a rotation replaces it.
	out.ID = "session-b"
	out.Index = 0
	require.NoError(t, st.SaveOutboundGroupSession(ctx, out))
	got, ok, err = st.LoadOutboundGroupSession(ctx, "!room")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-b", got.ID)

	in := domain.GroupInbound{
		RoomID:          "!room",
		ID:              "session-a",
		FirstKnownIndex: 2,
		ChainKey:        []byte("otherchainotherchainotherchain32"),
	}
	require.NoError(t, st.SaveInboundGroupSession(ctx, in))

	gotIn, ok, err := st.LoadInboundGroupSession(ctx, "!room", "session-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), gotIn.FirstKnownIndex)

	_, ok, err = st.LoadInboundGroupSession(ctx, "!room", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ReplayLog(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	existing, taken, err := st.RecordMessageIndex(ctx, "sess", 0, "$event1", time.Now())
	require.NoError(t, err)
	assert.False(t, taken)
	assert.Empty(t, existing)

	// Same slot again: first writer wins, recorded id comes back.
	existing, taken, err = st.RecordMessageIndex(ctx, "sess", 0, "$event2", time.Now())
	require.NoError(t, err)
	assert.True(t, taken)
	assert.Equal(t, "$event1", existing)

	_, _, err = st.RecordMessageIndex(ctx, "sess", 5, "$event3", time.Now())
	require.NoError(t, err)

	index, any, err := st.HighestRecordedIndex(ctx, "sess")
	require.NoError(t, err)
	require.True(t, any)
	assert.Equal(t, uint32(5), index)

	_, any, err = st.HighestRecordedIndex(ctx, "other-sess")
	require.NoError(t, err)
	assert.False(t, any)
}

func TestStore_KeyShareBookkeeping(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	a := domain.DeviceRef{UserID: "@alice:example.org", DeviceID: "A1"}
	b := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}
	c := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B2"}

	need, err := st.DevicesWithoutKey(ctx, "!room", "sess", []domain.DeviceRef{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceRef{a, b, c}, need)

	require.NoError(t, st.MarkDevicesReceivedKey(ctx, "!room", "sess", []domain.DeviceRef{a, b}, 0))

	need, err = st.DevicesWithoutKey(ctx, "!room", "sess", []domain.DeviceRef{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceRef{c}, need)

	// Marking again is idempotent.
	require.NoError(t, st.MarkDevicesReceivedKey(ctx, "!room", "sess", []domain.DeviceRef{a}, 0))

	// A different session starts from scratch.
	need, err = st.DevicesWithoutKey(ctx, "!room", "sess2", []domain.DeviceRef{a, b})
	require.NoError(t, err)
	assert.Len(t, need, 2)
}

func TestStore_DeviceTrust(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	key := domain.Ed25519Public{1, 1, 1}

	state, err := st.DeviceTrust(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.TrustUnverified, state)

	require.NoError(t, st.SetDeviceTrust(ctx, key, domain.TrustVerified))
	state, err = st.DeviceTrust(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.TrustVerified, state)

	require.NoError(t, st.SetDeviceTrust(ctx, key, domain.TrustBlacklisted))
	state, err = st.DeviceTrust(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.TrustBlacklisted, state)
}

func TestStore_ClearRoomData(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	require.NoError(t, st.SaveOutboundGroupSession(ctx, domain.GroupOutbound{RoomID: "!room", ID: "out-sess", ChainKey: []byte("k")}))
	require.NoError(t, st.SaveInboundGroupSession(ctx, domain.GroupInbound{RoomID: "!room", ID: "in-sess", ChainKey: []byte("k")}))
	_, _, err := st.RecordMessageIndex(ctx, "in-sess", 0, "$event", time.Now())
	require.NoError(t, err)
	dev := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}
	require.NoError(t, st.MarkDevicesReceivedKey(ctx, "!room", "out-sess", []domain.DeviceRef{dev}, 0))

	// Unrelated room state must survive.
	require.NoError(t, st.SaveOutboundGroupSession(ctx, domain.GroupOutbound{RoomID: "!other", ID: "other-sess", ChainKey: []byte("k")}))

	require.NoError(t, st.ClearRoomData(ctx, "!room"))

	_, ok, err := st.LoadOutboundGroupSession(ctx, "!room")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.LoadInboundGroupSession(ctx, "!room", "in-sess")
	require.NoError(t, err)
	assert.False(t, ok)
	_, any, err := st.HighestRecordedIndex(ctx, "in-sess")
	require.NoError(t, err)
	assert.False(t, any)
	need, err := st.DevicesWithoutKey(ctx, "!room", "out-sess", []domain.DeviceRef{dev})
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceRef{dev}, need)

	_, ok, err = st.LoadOutboundGroupSession(ctx, "!other")
	require.NoError(t, err)
	assert.True(t, ok)
}
