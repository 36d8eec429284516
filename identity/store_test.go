package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
)

// recordingPublisher counts publish calls and remembers the last key.
type recordingPublisher struct {
	calls   int
	lastKey [crypto.KeySize]byte
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, key [crypto.KeySize]byte) error {
	p.calls++
	p.lastKey = key
	return p.err
}

func newTestStore(t *testing.T, dir string, pub Publisher) *Store {
	t.Helper()
	store, err := NewStore(dir, []byte("test-master-password"), pub)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadOrCreateGeneratesAndPublishesOnce(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStore(t, t.TempDir(), pub)

	pair, err := store.LoadOrCreate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.NoError(t, pair.Validate())

	assert.Equal(t, 1, pub.calls, "exactly one publish per generation")
	assert.Equal(t, pair.Public, pub.lastKey)
}

func TestLoadOrCreateReusesPersistedPair(t *testing.T) {
	dir := t.TempDir()

	pub1 := &recordingPublisher{}
	store1 := newTestStore(t, dir, pub1)
	pair1, err := store1.LoadOrCreate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	// A fresh store over the same directory must load, not regenerate.
	pub2 := &recordingPublisher{}
	store2 := newTestStore(t, dir, pub2)
	pair2, err := store2.LoadOrCreate(context.Background(), "alice@example.com")
	require.NoError(t, err)

	assert.Equal(t, pair1.Public, pair2.Public)
	assert.Equal(t, 0, pub2.calls, "valid persisted pair must not publish")
}

func TestLoadOrCreateCachesInMemory(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStore(t, t.TempDir(), pub)

	pair1, err := store.LoadOrCreate(context.Background(), "bob")
	require.NoError(t, err)
	pair2, err := store.LoadOrCreate(context.Background(), "bob")
	require.NoError(t, err)

	assert.Same(t, pair1, pair2)
	assert.Equal(t, 1, pub.calls)
}

func TestLoadOrCreatePerAccountIsolation(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStore(t, t.TempDir(), pub)

	alice, err := store.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	bob, err := store.LoadOrCreate(context.Background(), "bob")
	require.NoError(t, err)

	assert.NotEqual(t, alice.Public, bob.Public)
	assert.Equal(t, 2, pub.calls)
}

func TestLoadOrCreateRegeneratesCorruptPair(t *testing.T) {
	dir := t.TempDir()

	pub1 := &recordingPublisher{}
	store1 := newTestStore(t, dir, pub1)
	pair1, err := store1.LoadOrCreate(context.Background(), "carol")
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	// Corrupt the persisted key file; GCM authentication will reject it.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Name() == ".salt" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}

	pub2 := &recordingPublisher{}
	store2 := newTestStore(t, dir, pub2)
	pair2, err := store2.LoadOrCreate(context.Background(), "carol")
	require.NoError(t, err)

	assert.NotEqual(t, pair1.Public, pair2.Public, "corrupt pair must be regenerated")
	assert.Equal(t, 1, pub2.calls, "regeneration publishes the replacement key")
}

func TestLoadOrCreatePublishFailureIsFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("directory down")}
	store := newTestStore(t, t.TempDir(), pub)

	_, err := store.LoadOrCreate(context.Background(), "dave")
	assert.ErrorIs(t, err, ErrPublishFailure)
}

func TestLoadOrCreatePublishRetriedAfterFailure(t *testing.T) {
	dir := t.TempDir()

	// Generation persists the pair, but the directory is down.
	pub1 := &recordingPublisher{err: errors.New("directory down")}
	store1 := newTestStore(t, dir, pub1)
	_, err := store1.LoadOrCreate(context.Background(), "erin")
	require.ErrorIs(t, err, ErrPublishFailure)
	require.Equal(t, 1, pub1.calls)

	require.NoError(t, store1.Close())

	// The directory recovers: a fresh store loads the persisted pair and
	// finally publishes its public half.
	pub2 := &recordingPublisher{}
	store2 := newTestStore(t, dir, pub2)
	pair, err := store2.LoadOrCreate(context.Background(), "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, pub2.calls, "unpublished persisted pair must be published on load")
	assert.Equal(t, pair.Public, pub2.lastKey)
	require.NoError(t, store2.Close())

	// Once published, further loads see the marker and stay quiet.
	pub3 := &recordingPublisher{}
	store3 := newTestStore(t, dir, pub3)
	pair3, err := store3.LoadOrCreate(context.Background(), "erin")
	require.NoError(t, err)
	assert.Equal(t, pair.Public, pair3.Public, "pair must survive the failed publish")
	assert.Equal(t, 0, pub3.calls)
}

func TestLoadOrCreateEmptyAccountID(t *testing.T) {
	store := newTestStore(t, t.TempDir(), &recordingPublisher{})

	_, err := store.LoadOrCreate(context.Background(), "")
	assert.Error(t, err)
}

func TestNewStoreRequiresMasterPassword(t *testing.T) {
	_, err := NewStore(t.TempDir(), nil, nil)
	assert.Error(t, err)
}

func TestEncryptedFileStoreRoundTrip(t *testing.T) {
	fs, err := newEncryptedFileStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)

	payload := []byte("sensitive key material")
	require.NoError(t, fs.writeEncrypted("blob.key", payload))

	got, err := fs.readEncrypted("blob.key")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = fs.readEncrypted("missing.key")
	assert.Error(t, err)
}

func TestKeyFilenameStable(t *testing.T) {
	assert.Equal(t, keyFilename("alice@example.com"), keyFilename("alice@example.com"))
	assert.NotEqual(t, keyFilename("alice@example.com"), keyFilename("bob@example.com"))
	assert.NotContains(t, keyFilename("alice@example.com"), "@")
}
