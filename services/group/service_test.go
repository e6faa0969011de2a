package group_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/crypto"
	"roomcrypt/domain"
	"roomcrypt/logging"
	protocol "roomcrypt/protocol/group"
	"roomcrypt/services/group"
	"roomcrypt/store"
)

// fakePairwise hands the key-share payload straight through, recording it
// per device.
type fakePairwise struct {
	sessions map[domain.DeviceRef]bool
	payloads map[domain.DeviceRef][][]byte
	failFor  map[domain.DeviceRef]error
}

func newFakePairwise() *fakePairwise {
	return &fakePairwise{
		sessions: make(map[domain.DeviceRef]bool),
		payloads: make(map[domain.DeviceRef][][]byte),
		failFor:  make(map[domain.DeviceRef]error),
	}
}

func (f *fakePairwise) HasSession(ctx context.Context, userID, deviceID string) (bool, error) {
	return f.sessions[domain.DeviceRef{UserID: userID, DeviceID: deviceID}], nil
}

func (f *fakePairwise) CreateOutbound(ctx context.Context, userID, deviceID string) error {
	ref := domain.DeviceRef{UserID: userID, DeviceID: deviceID}
	if err := f.failFor[ref]; err != nil {
		return err
	}
	f.sessions[ref] = true
	return nil
}

func (f *fakePairwise) Encrypt(ctx context.Context, userID, deviceID string, plaintext []byte) (domain.PairwiseMessage, error) {
	ref := domain.DeviceRef{UserID: userID, DeviceID: deviceID}
	if err := f.failFor[ref]; err != nil {
		return domain.PairwiseMessage{}, err
	}
	f.payloads[ref] = append(f.payloads[ref], plaintext)
	return domain.PairwiseMessage{Type: domain.MessageNormal, Cipher: plaintext}, nil
}

type fakeSender struct {
	sent    []domain.DeviceRef
	failFor map[domain.DeviceRef]error
}

func (f *fakeSender) SendToDevice(ctx context.Context, userID, deviceID string, payload domain.EncryptedToDevice) error {
	ref := domain.DeviceRef{UserID: userID, DeviceID: deviceID}
	if err := f.failFor[ref]; err != nil {
		return err
	}
	f.sent = append(f.sent, ref)
	return nil
}

type harness struct {
	svc      *group.Service
	store    *store.Store
	pairwise *fakePairwise
	sender   *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	var key crypto.PickleKey
	copy(key[:], "0123456789abcdef0123456789abcdef")
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "keys.db"), key, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SaveAccount(ctx, domain.Account{
		UserID:   "@alice:example.org",
		DeviceID: "A1",
		CurveKey: domain.X25519Public{1},
	}))

	pw := newFakePairwise()
	sender := &fakeSender{failFor: make(map[domain.DeviceRef]error)}
	return &harness{
		svc:      group.New(st, pw, sender, logging.Nop()),
		store:    st,
		pairwise: pw,
		sender:   sender,
	}
}

func TestGroup_EnsureOutboundReusesAndRotates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	policy := domain.RotationPolicy{MaxMessages: 2}

	first, err := h.svc.EnsureOutbound(ctx, "!room", policy)
	require.NoError(t, err)

	same, err := h.svc.EnsureOutbound(ctx, "!room", policy)
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)

	// Two messages hit the limit.
	for i := 0; i < 2; i++ {
		_, _, _, err := h.svc.EncryptRoomMessage(ctx, "!room", []byte("m"))
		require.NoError(t, err)
	}
	rotated, err := h.svc.EnsureOutbound(ctx, "!room", policy)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, rotated.ID)
	assert.Equal(t, uint32(0), rotated.Index)
}

func TestGroup_EnsureOutboundRotatesOnAge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)

	rotated, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{MaxAge: time.Nanosecond})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, rotated.ID)
}

func TestGroup_ShareAndDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	sender := newHarness(t)
	receiver := newHarness(t)

	bob := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}

	_, err := sender.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)

	need, err := sender.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{bob})
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceRef{bob}, need)

	require.NoError(t, sender.svc.ShareKeyWithDevices(ctx, "!room", need))
	assert.Equal(t, []domain.DeviceRef{bob}, sender.sender.sent)

	// The shared payload decodes to a key export the receiver can import.
	require.Len(t, sender.pairwise.payloads[bob], 1)
	inner, err := domain.DecodeToDevicePayload(sender.pairwise.payloads[bob][0])
	require.NoError(t, err)
	share, ok := inner.(domain.RoomKeyShare)
	require.True(t, ok)
	require.NoError(t, receiver.svc.ImportInbound(ctx, share.Export))

	ct, sessionID, index, err := sender.svc.EncryptRoomMessage(ctx, "!room", []byte("hello room"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), index)

	pt, err := receiver.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct, "$event1")
	require.NoError(t, err)
	assert.Equal(t, "hello room", string(pt))

	// Already-shared devices are not shared with again.
	need, err = sender.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{bob})
	require.NoError(t, err)
	assert.Empty(t, need)
}

func TestGroup_ShareFailureLeavesDevicePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	good := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}
	bad := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B2"}
	h.sender.failFor[bad] = errors.New("unreachable")

	_, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)

	require.NoError(t, h.svc.ShareKeyWithDevices(ctx, "!room", []domain.DeviceRef{good, bad}))

	need, err := h.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{good, bad})
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceRef{bad}, need)

	// Once the device is reachable the next share succeeds.
	delete(h.sender.failFor, bad)
	require.NoError(t, h.svc.ShareKeyWithDevices(ctx, "!room", need))
	need, err = h.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{good, bad})
	require.NoError(t, err)
	assert.Empty(t, need)
}

func TestGroup_RotationResetsRecipientSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := domain.DeviceRef{UserID: "@bob:example.org", DeviceID: "B1"}

	_, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)
	require.NoError(t, h.svc.ShareKeyWithDevices(ctx, "!room", []domain.DeviceRef{bob}))

	need, err := h.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{bob})
	require.NoError(t, err)
	require.Empty(t, need)

	// Force a rotation; the fresh session has an empty recipient set.
	_, err = h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{MaxAge: time.Nanosecond})
	require.NoError(t, err)

	need, err = h.svc.DevicesNeedingKey(ctx, "!room", []domain.DeviceRef{bob})
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceRef{bob}, need)
}

func TestGroup_UnknownSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.DecryptRoomMessage(ctx, "!room", "missing", []byte{0, 0, 0, 0}, "$event")
	require.ErrorIs(t, err, domain.ErrUnknownSession)

	_, _, _, err = h.svc.EncryptRoomMessage(ctx, "!room", []byte("m"))
	require.ErrorIs(t, err, domain.ErrNoSession)
}

func TestGroup_ReplayDetection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)
	require.NoError(t, h.svc.ImportInbound(ctx, protocol.Export(out)))

	ct, sessionID, _, err := h.svc.EncryptRoomMessage(ctx, "!room", []byte("once"))
	require.NoError(t, err)

	pt, err := h.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct, "$event1")
	require.NoError(t, err)
	assert.Equal(t, "once", string(pt))

	// Redelivery of the same event is idempotent.
	pt, err = h.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct, "$event1")
	require.NoError(t, err)
	assert.Equal(t, "once", string(pt))

	// A different event claiming the same index is a replay.
	_, err = h.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct, "$event2")
	require.ErrorIs(t, err, domain.ErrReplayDetected)
}

func TestGroup_DowngradeRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)
	early := protocol.Export(out)

	// Advance past index 1 before importing, then decrypt at index 2.
	var ct []byte
	var sessionID string
	for i := 0; i < 3; i++ {
		ct, sessionID, _, err = h.svc.EncryptRoomMessage(ctx, "!room", []byte("m"))
		require.NoError(t, err)
	}
	// Import a session starting at index 0 and record a decrypt at index 2.
	require.NoError(t, h.svc.ImportInbound(ctx, early))
	_, err = h.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct, "$event3")
	require.NoError(t, err)

	// A re-import claiming an earlier start than recorded decrypts is
	// refused and the working session kept.
	err = h.svc.ImportInbound(ctx, early)
	require.ErrorIs(t, err, domain.ErrSessionDowngrade)

	ct2, _, _, err := h.svc.EncryptRoomMessage(ctx, "!room", []byte("still fine"))
	require.NoError(t, err)
	pt, err := h.svc.DecryptRoomMessage(ctx, "!room", sessionID, ct2, "$event4")
	require.NoError(t, err)
	assert.Equal(t, "still fine", string(pt))
}

func TestGroup_ClearRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.svc.EnsureOutbound(ctx, "!room", domain.RotationPolicy{})
	require.NoError(t, err)
	require.NoError(t, h.svc.ImportInbound(ctx, protocol.Export(out)))

	require.NoError(t, h.svc.ClearRoom(ctx, "!room"))

	_, _, _, err = h.svc.EncryptRoomMessage(ctx, "!room", []byte("m"))
	require.ErrorIs(t, err, domain.ErrNoSession)
	_, err = h.svc.DecryptRoomMessage(ctx, "!room", out.ID, []byte{0, 0, 0, 0}, "$event")
	require.ErrorIs(t, err, domain.ErrUnknownSession)
}
