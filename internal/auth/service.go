// ABOUTME: Auth orchestration service: owns the one active signer, the state
// ABOUTME: machine, and the signing queue; exposes login, logout, and signing.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/credstore"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/signer"
	"github.com/2389/signet/internal/sigqueue"
)

// Registrar is the narrow contract to the decentralized-network client: it is
// told which signer produces this process's events. Everything else about the
// network layer (relays, pooling, fetching) is out of scope.
type Registrar interface {
	RegisterSigner(ctx context.Context, s signer.Signer) error
	UnregisterSigner(ctx context.Context) error
}

// NopRegistrar is a Registrar for deployments without a network client.
type NopRegistrar struct{}

func (NopRegistrar) RegisterSigner(context.Context, signer.Signer) error { return nil }
func (NopRegistrar) UnregisterSigner(context.Context) error              { return nil }

// defaultPermissions is requested during the external-signer login handshake.
var defaultPermissions = []companion.Permission{
	{Type: "sign_event"},
}

// Options configures a Service.
type Options struct {
	// Timeout bounds each external round-trip. Defaults to 15s.
	Timeout time.Duration
	// MaxConcurrent bounds simultaneous in-flight signings. Defaults to 1.
	MaxConcurrent int
}

// Service coordinates the credential store, signer, queue, and state machine.
// Constructed once per process; owns exactly one active signer at a time.
type Service struct {
	store     credstore.Store
	machine   *authstate.Machine
	queue     *sigqueue.Queue
	conn      *companion.Connection
	registrar Registrar
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	active signer.Signer
}

// New creates the Service. conn may be nil when no companion app is
// configured; external-signer logins then fail cleanly.
func New(store credstore.Store, conn *companion.Connection, registrar Registrar, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registrar == nil {
		registrar = NopRegistrar{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = sigqueue.DefaultTimeout
	}

	s := &Service{
		store:     store,
		machine:   authstate.NewMachine(logger),
		conn:      conn,
		registrar: registrar,
		timeout:   opts.Timeout,
		logger:    logger.With("component", "auth"),
	}
	s.queue = sigqueue.New(s.currentSigner, sigqueue.Options{
		MaxConcurrent: opts.MaxConcurrent,
		Timeout:       opts.Timeout,
	}, logger)
	return s
}

// Start runs the startup sequence: one-time credential migration, then signer
// restore from persisted credentials. Authentication is a precondition for
// features, not for the process: every failure is logged and leaves the
// service Unauthenticated rather than propagating.
func (s *Service) Start(ctx context.Context) {
	if err := s.store.MigrateOnce(ctx); err != nil {
		s.logger.Error("credential migration failed", "error", err)
	}
	if err := s.restore(ctx); err != nil {
		s.logger.Warn("startup restore failed, remaining unauthenticated", "error", err)
	}
}

// restore reconstructs a signer from persisted credentials, if any.
func (s *Service) restore(ctx context.Context) error {
	priv, err := s.store.Get(ctx, credstore.NamePrivateKey)
	if err == nil {
		sgn, err := signer.NewLocal(priv)
		if err != nil {
			return fmt.Errorf("restoring private-key signer: %w", err)
		}
		return s.establish(ctx, sgn)
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		return err
	}

	raw, err := s.store.Get(ctx, credstore.NameExternalSignerLinkage)
	if errors.Is(err, credstore.ErrNotFound) {
		s.logger.Info("no persisted credentials, starting unauthenticated")
		return nil
	}
	if err != nil {
		return err
	}

	var linkage companion.Linkage
	if err := json.Unmarshal([]byte(raw), &linkage); err != nil {
		return fmt.Errorf("parsing external signer linkage: %w", err)
	}
	if s.conn == nil {
		return fmt.Errorf("external signer linkage present but no companion configured")
	}
	sgn, err := signer.NewExternal(linkage.PubKey, linkage.Package, s.conn, s.logger)
	if err != nil {
		return fmt.Errorf("restoring external signer: %w", err)
	}
	return s.establish(ctx, sgn)
}

// establish registers a signer with the network client, makes it active, and
// drives the state machine to authenticated.
func (s *Service) establish(ctx context.Context, sgn signer.Signer) error {
	if err := s.registrar.RegisterSigner(ctx, sgn); err != nil {
		return fmt.Errorf("registering signer: %w", err)
	}
	s.setActive(sgn)
	if err := s.machine.CompleteAuthentication(sgn.PublicKey(), sgn.Method()); err != nil {
		s.setActive(nil)
		return err
	}
	return nil
}

// LoginWithPrivateKey authenticates with an in-process private key and
// persists it for the next launch. Returns the derived public key.
func (s *Service) LoginWithPrivateKey(ctx context.Context, privHex string) (string, error) {
	if err := s.machine.BeginAuthenticating(authstate.MethodPrivateKey); err != nil {
		return "", err
	}

	sgn, err := signer.NewLocal(privHex)
	if err != nil {
		return "", s.abortLogin(ctx, "parsing key", err)
	}
	if err := s.store.Set(ctx, credstore.NamePrivateKey, privHex); err != nil {
		return "", s.abortLogin(ctx, "persisting key", err)
	}
	if err := s.store.Set(ctx, credstore.NameCachedPublicKey, sgn.PublicKey()); err != nil {
		return "", s.abortLogin(ctx, "caching pubkey", err)
	}
	if err := s.establish(ctx, sgn); err != nil {
		return "", s.abortLogin(ctx, "establishing signer", err)
	}
	return sgn.PublicKey(), nil
}

// LoginWithExternalSigner runs the public-key handshake with the companion
// app, persists the linkage, and completes authentication. The handshake is
// timeout-bounded; on failure nothing is persisted and the state returns to
// Unauthenticated.
func (s *Service) LoginWithExternalSigner(ctx context.Context) (string, error) {
	if err := s.machine.BeginAuthenticating(authstate.MethodExternalSigner); err != nil {
		return "", err
	}
	if s.conn == nil {
		return "", s.abortLogin(ctx, "handshake", fmt.Errorf("no companion app configured"))
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	linkage, err := signer.RequestPublicKey(rctx, s.conn, defaultPermissions)
	if err != nil {
		return "", s.abortLogin(ctx, "handshake", err)
	}

	sgn, err := signer.NewExternal(linkage.PubKey, linkage.Package, s.conn, s.logger)
	if err != nil {
		return "", s.abortLogin(ctx, "constructing signer", err)
	}

	raw, err := json.Marshal(linkage)
	if err != nil {
		return "", s.abortLogin(ctx, "encoding linkage", err)
	}
	if err := s.store.Set(ctx, credstore.NameExternalSignerLinkage, string(raw)); err != nil {
		return "", s.abortLogin(ctx, "persisting linkage", err)
	}
	if err := s.store.Set(ctx, credstore.NameCachedPublicKey, linkage.PubKey); err != nil {
		return "", s.abortLogin(ctx, "caching pubkey", err)
	}
	if err := s.establish(ctx, sgn); err != nil {
		return "", s.abortLogin(ctx, "establishing signer", err)
	}
	return linkage.PubKey, nil
}

// CreateEphemeralIdentity generates a throwaway session identity. Existing
// persisted credentials are proactively deleted; the new key is never stored,
// so the session cannot leak into the next launch.
func (s *Service) CreateEphemeralIdentity(ctx context.Context) (string, error) {
	if err := s.machine.BeginAuthenticating(authstate.MethodEphemeral); err != nil {
		return "", err
	}

	sgn, err := signer.NewEphemeral()
	if err != nil {
		return "", s.abortLogin(ctx, "generating key", err)
	}
	if err := s.store.ClearAll(ctx); err != nil {
		return "", s.abortLogin(ctx, "clearing persisted credentials", err)
	}
	if err := s.establish(ctx, sgn); err != nil {
		return "", s.abortLogin(ctx, "establishing signer", err)
	}
	return sgn.PublicKey(), nil
}

// Logout tears the session down in strict order: cancel every signing
// operation, clear persisted secrets, unregister, and only then flip the
// state machine, so a late external callback lands on an unauthenticated
// system and is discarded.
func (s *Service) Logout(ctx context.Context) error {
	s.queue.CancelAll("logged out")

	var firstErr error
	if err := s.store.ClearAll(ctx); err != nil {
		s.logger.Error("clearing credentials on logout", "error", err)
		firstErr = err
	}
	if err := s.registrar.UnregisterSigner(ctx); err != nil {
		s.logger.Warn("unregistering signer on logout", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	s.setActive(nil)
	s.machine.Logout()
	return firstErr
}

// SignEvent enqueues one signature request and blocks until it settles. The
// state machine observes the operation for its whole lifetime; callers may
// invoke this concurrently and will be served in FIFO order.
func (s *Service) SignEvent(ctx context.Context, ev *event.Event) (string, error) {
	opID := uuid.New().String()
	if err := s.machine.BeginSigning(opID); err != nil {
		return "", err
	}

	res := <-s.queue.Enqueue(ctx, opID, ev)
	s.machine.EndSigning(opID)

	if res.Err != nil {
		return "", res.Err
	}

	// Delegated results are sanity-checked before being handed back.
	if sgn := s.currentSigner(); sgn != nil && sgn.Method() == authstate.MethodExternalSigner {
		if err := ev.Verify(); err != nil {
			return "", fmt.Errorf("%w: %v", signer.ErrMalformedResponse, err)
		}
	}
	return res.Signature, nil
}

// HandleCompanionResponse routes a companion callback to its pending request.
func (s *Service) HandleCompanionResponse(resp *companion.Response) {
	if s.conn == nil {
		s.logger.Warn("companion response with no companion configured")
		return
	}
	s.conn.HandleResponse(resp)
}

// CurrentMethod reports the active authentication method.
func (s *Service) CurrentMethod() authstate.Method {
	return s.machine.Current().Method
}

// State returns a copy of the current auth state.
func (s *Service) State() authstate.State {
	return s.machine.Current()
}

// QueueDepth reports queued plus in-flight signing operations.
func (s *Service) QueueDepth() int {
	return s.queue.Len() + s.queue.Active()
}

// abortLogin undoes a failed login attempt: nothing partial stays persisted
// and the state machine returns to Unauthenticated.
func (s *Service) abortLogin(ctx context.Context, stage string, cause error) error {
	s.logger.Warn("login failed", "stage", stage, "error", cause)
	if err := s.store.ClearAll(ctx); err != nil {
		s.logger.Error("clearing credentials after failed login", "error", err)
	}
	s.setActive(nil)
	s.machine.Logout()
	return cause
}

// currentSigner is the queue's signer provider.
func (s *Service) currentSigner() signer.Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Service) setActive(sgn signer.Signer) {
	s.mu.Lock()
	s.active = sgn
	s.mu.Unlock()
}
