// ABOUTME: End-to-end tests for the auth service over an in-memory store and
// ABOUTME: a fake companion transport: login, restore, concurrent signing, logout.

package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/credstore"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/keys"
	"github.com/2389/signet/internal/signer"
	"github.com/2389/signet/internal/sigqueue"
)

const testPrivKey = "0000000000000000000000000000000000000000000000000000000000000001"

// memStore is an in-memory credstore.Store for service tests. The persistence
// layer itself is covered by the credstore package tests.
type memStore struct {
	mu       sync.Mutex
	values   map[string]string
	migrated bool
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) Get(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		return "", credstore.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

func (m *memStore) MigrateOnce(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrated = true
	return nil
}

func (m *memStore) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// gatedCompanion is a fake companion app holding real key material. The
// handshake answers immediately; sign_event responses are held until release
// is closed, so tests can observe in-flight operations.
type gatedCompanion struct {
	conn    *companion.Connection
	priv    *btcec.PrivateKey
	pub     string
	release chan struct{}
}

func newGatedCompanion(t *testing.T) *gatedCompanion {
	t.Helper()
	priv, err := keys.ParsePrivateKey(testPrivKey)
	require.NoError(t, err)

	g := &gatedCompanion{
		priv:    priv,
		pub:     hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		release: make(chan struct{}),
	}
	g.conn = companion.NewConnection(g, nil, nil)
	t.Cleanup(func() {
		g.open()
		g.conn.Close()
	})
	return g
}

func (g *gatedCompanion) Deliver(_ context.Context, req *companion.Request) error {
	switch req.Type {
	case companion.RequestTypeGetPublicKey:
		go g.conn.HandleResponse(&companion.Response{RequestID: req.ID, PubKey: g.pub, Package: "com.example.signer"})
	case companion.RequestTypeSignEvent:
		id := req.Event.ID
		go func() {
			<-g.release
			hash, err := hex.DecodeString(id)
			if err != nil {
				g.conn.HandleResponse(&companion.Response{RequestID: req.ID, Error: "bad event id"})
				return
			}
			sig, err := schnorr.Sign(g.priv, hash)
			if err != nil {
				g.conn.HandleResponse(&companion.Response{RequestID: req.ID, Error: err.Error()})
				return
			}
			g.conn.HandleResponse(&companion.Response{RequestID: req.ID, Signature: hex.EncodeToString(sig.Serialize())})
		}()
	}
	return nil
}

// open lets all held sign_event responses through. Safe to call twice.
func (g *gatedCompanion) open() {
	select {
	case <-g.release:
	default:
		close(g.release)
	}
}

// silentTransport delivers requests into the void; nothing ever calls back.
type silentTransport struct{}

func (silentTransport) Deliver(context.Context, *companion.Request) error { return nil }

func TestLoginWithPrivateKeyAndSign(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, nil, Options{}, nil)
	svc.Start(context.Background())

	pub, err := svc.LoginWithPrivateKey(context.Background(), testPrivKey)
	require.NoError(t, err)

	st := svc.State()
	assert.Equal(t, authstate.PhaseAuthenticated, st.Phase)
	assert.Equal(t, authstate.MethodPrivateKey, st.Method)
	assert.Equal(t, pub, st.User)

	stored, err := store.Get(context.Background(), credstore.NamePrivateKey)
	require.NoError(t, err)
	assert.Equal(t, testPrivKey, stored)

	ev := &event.Event{CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	sig, err := svc.SignEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, sig, ev.Sig)
	assert.Equal(t, pub, ev.PubKey)
	require.NoError(t, ev.Verify())

	assert.Equal(t, authstate.PhaseAuthenticated, svc.State().Phase)
}

func TestSignWhileUnauthenticated(t *testing.T) {
	svc := New(newMemStore(), nil, nil, Options{}, nil)
	svc.Start(context.Background())

	_, err := svc.SignEvent(context.Background(), &event.Event{Kind: 1})
	assert.True(t, errors.Is(err, authstate.ErrInvalidTransition), "expected ErrInvalidTransition, got %v", err)

	// The rejection is recoverable: a later login must still succeed.
	_, err = svc.LoginWithPrivateKey(context.Background(), testPrivKey)
	require.NoError(t, err)
	assert.Equal(t, authstate.PhaseAuthenticated, svc.State().Phase)
}

func TestStartRestoresPrivateKey(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set(context.Background(), credstore.NamePrivateKey, testPrivKey))

	svc := New(store, nil, nil, Options{}, nil)
	svc.Start(context.Background())

	st := svc.State()
	assert.Equal(t, authstate.PhaseAuthenticated, st.Phase)
	assert.Equal(t, authstate.MethodPrivateKey, st.Method)
	assert.True(t, store.migrated, "startup must run the credential migration")
}

func TestStartRestoresExternalSigner(t *testing.T) {
	comp := newGatedCompanion(t)
	store := newMemStore()
	require.NoError(t, store.Set(context.Background(), credstore.NameExternalSignerLinkage,
		`{"pubkey":"`+comp.pub+`","package":"com.example.signer"}`))

	svc := New(store, comp.conn, nil, Options{}, nil)
	svc.Start(context.Background())

	st := svc.State()
	assert.Equal(t, authstate.PhaseAuthenticated, st.Phase)
	assert.Equal(t, authstate.MethodExternalSigner, st.Method)
	assert.Equal(t, comp.pub, st.User)
}

func TestStartWithNoCredentials(t *testing.T) {
	svc := New(newMemStore(), nil, nil, Options{}, nil)
	svc.Start(context.Background())
	assert.Equal(t, authstate.PhaseUnauthenticated, svc.State().Phase)
}

func TestStartWithCorruptLinkage(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set(context.Background(), credstore.NameExternalSignerLinkage, "not json"))

	svc := New(store, nil, nil, Options{}, nil)
	svc.Start(context.Background())

	// Restore failures never block startup.
	assert.Equal(t, authstate.PhaseUnauthenticated, svc.State().Phase)
}

func TestExternalLoginAndConcurrentSigning(t *testing.T) {
	comp := newGatedCompanion(t)
	svc := New(newMemStore(), comp.conn, nil, Options{MaxConcurrent: 2}, nil)
	svc.Start(context.Background())

	pub, err := svc.LoginWithExternalSigner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, comp.pub, pub)

	type outcome struct {
		ev  *event.Event
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		ev := &event.Event{CreatedAt: 1700000000 + int64(i), Kind: 1, Content: "note"}
		go func(ev *event.Event) {
			_, err := svc.SignEvent(context.Background(), ev)
			results <- outcome{ev: ev, err: err}
		}(ev)
	}

	// Both operations reach the companion and are held there.
	require.Eventually(t, func() bool {
		st := svc.State()
		return st.Phase == authstate.PhaseSigning && st.Count == 2
	}, time.Second, 5*time.Millisecond, "both operations must be observed in flight")

	comp.open()

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		require.NoError(t, out.ev.Verify())
	}

	st := svc.State()
	assert.Equal(t, authstate.PhaseAuthenticated, st.Phase)
	assert.Equal(t, 0, st.Count)
}

func TestLogoutMidSigning(t *testing.T) {
	comp := newGatedCompanion(t)
	store := newMemStore()
	svc := New(store, comp.conn, nil, Options{}, nil)
	svc.Start(context.Background())

	_, err := svc.LoginWithExternalSigner(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := svc.SignEvent(context.Background(), &event.Event{Kind: 1, Content: "doomed"})
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return svc.State().Phase == authstate.PhaseSigning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Logout(context.Background()))

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, sigqueue.ErrCancelled), "expected ErrCancelled, got %v", err)
	case <-time.After(time.Second):
		t.Fatal("signing operation did not settle after logout")
	}

	assert.Equal(t, authstate.PhaseUnauthenticated, svc.State().Phase)
	assert.Equal(t, 0, svc.QueueDepth())
	assert.Equal(t, 0, store.len(), "logout must clear every persisted credential")
}

func TestExternalLoginTimeout(t *testing.T) {
	conn := companion.NewConnection(silentTransport{}, nil, nil)
	t.Cleanup(conn.Close)

	store := newMemStore()
	svc := New(store, conn, nil, Options{Timeout: 30 * time.Millisecond}, nil)
	svc.Start(context.Background())

	_, err := svc.LoginWithExternalSigner(context.Background())
	assert.True(t, errors.Is(err, companion.ErrTimeout), "expected ErrTimeout, got %v", err)

	assert.Equal(t, authstate.PhaseUnauthenticated, svc.State().Phase)
	assert.Equal(t, 0, store.len(), "nothing may be persisted on a failed login")
}

func TestCreateEphemeralIdentity(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set(context.Background(), credstore.NamePrivateKey, testPrivKey))

	svc := New(store, nil, nil, Options{}, nil)
	pub, err := svc.CreateEphemeralIdentity(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pub)

	st := svc.State()
	assert.Equal(t, authstate.PhaseAuthenticated, st.Phase)
	assert.Equal(t, authstate.MethodEphemeral, st.Method)
	assert.Equal(t, 0, store.len(), "ephemeral login must purge persisted credentials")

	// A fresh process over the same store comes up unauthenticated.
	next := New(store, nil, nil, Options{}, nil)
	next.Start(context.Background())
	assert.Equal(t, authstate.PhaseUnauthenticated, next.State().Phase)
}

func TestEphemeralSigningAndLogout(t *testing.T) {
	svc := New(newMemStore(), nil, nil, Options{}, nil)

	pub, err := svc.CreateEphemeralIdentity(context.Background())
	require.NoError(t, err)

	ev := &event.Event{CreatedAt: 1700000000, Kind: 1, Content: "throwaway"}
	_, err = svc.SignEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, pub, ev.PubKey)
	require.NoError(t, ev.Verify())

	require.NoError(t, svc.Logout(context.Background()))
	assert.Equal(t, authstate.MethodNone, svc.CurrentMethod())
}

func TestLoginWithMalformedPrivateKey(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil, nil, Options{}, nil)

	_, err := svc.LoginWithPrivateKey(context.Background(), "zz")
	assert.True(t, errors.Is(err, keys.ErrMalformedKey), "expected ErrMalformedKey, got %v", err)
	assert.Equal(t, authstate.PhaseUnauthenticated, svc.State().Phase)
	assert.Equal(t, 0, store.len())
}

// recordingRegistrar captures network-client registration calls.
type recordingRegistrar struct {
	mu         sync.Mutex
	registered []signer.Signer
	unregister int
}

func (r *recordingRegistrar) RegisterSigner(_ context.Context, s signer.Signer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, s)
	return nil
}

func (r *recordingRegistrar) UnregisterSigner(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregister++
	return nil
}

func TestRegistrarLifecycle(t *testing.T) {
	reg := &recordingRegistrar{}
	svc := New(newMemStore(), nil, reg, Options{}, nil)

	_, err := svc.LoginWithPrivateKey(context.Background(), testPrivKey)
	require.NoError(t, err)
	require.Len(t, reg.registered, 1)
	assert.Equal(t, authstate.MethodPrivateKey, reg.registered[0].Method())

	require.NoError(t, svc.Logout(context.Background()))
	assert.Equal(t, 1, reg.unregister)
}
