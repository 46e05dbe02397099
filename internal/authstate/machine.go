// ABOUTME: Auth state machine enforcing legal transitions over the AuthState union.
// ABOUTME: Invalid signing attempts are loud: Error state plus an error log.

package authstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidTransition indicates a caller attempted an illegal state change.
// This is a programmer error at the integration boundary, never swallowed.
var ErrInvalidTransition = errors.New("invalid auth state transition")

// Machine holds the single authoritative AuthState and exposes the legal
// transitions. All methods are synchronous; the mutex only guards against
// concurrent callers, there is no internal asynchrony.
type Machine struct {
	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

// NewMachine creates a Machine in the Unauthenticated state.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:  State{Phase: PhaseUnauthenticated},
		logger: logger.With("component", "authstate"),
	}
}

// Current returns a copy of the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// BeginAuthenticating marks a login attempt in flight. Legal from
// Unauthenticated or Error.
func (m *Machine) BeginAuthenticating(method Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case PhaseUnauthenticated, PhaseError:
		m.state = State{Phase: PhaseAuthenticating, Method: method}
		m.logger.Debug("authenticating", "method", method)
		return nil
	default:
		return m.reject("begin_authenticating", method.String())
	}
}

// CompleteAuthentication establishes the stable logged-in state. Legal from
// Authenticating, or directly from Unauthenticated/Error during startup
// restore.
func (m *Machine) CompleteAuthentication(user string, method Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user == "" {
		return fmt.Errorf("%w: authenticated state requires a user", ErrInvalidTransition)
	}

	switch m.state.Phase {
	case PhaseAuthenticating, PhaseUnauthenticated, PhaseError:
		m.state = State{Phase: PhaseAuthenticated, Method: method, User: user}
		m.logger.Info("authenticated", "user", user, "method", method)
		return nil
	default:
		return m.reject("complete_authentication", method.String())
	}
}

// BeginSigning records an outstanding signing operation. From Authenticated
// it enters Signing; from Signing it appends. From any other phase it is a
// programmer error: the machine transitions to Error retaining the prior
// state, and the call fails.
func (m *Machine) BeginSigning(opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case PhaseAuthenticated:
		m.state = State{
			Phase:      PhaseSigning,
			Method:     m.state.Method,
			User:       m.state.User,
			Operations: []string{opID},
			Count:      1,
		}
		m.logger.Debug("signing started", "op", opID)
		return nil

	case PhaseSigning:
		m.state.Operations = append(m.state.Operations, opID)
		m.state.Count = len(m.state.Operations)
		m.logger.Debug("signing operation added", "op", opID, "count", m.state.Count)
		return nil

	default:
		err := fmt.Errorf("%w: cannot sign while %s", ErrInvalidTransition, m.state.Phase)
		prev := m.state.clone()
		m.state = State{Phase: PhaseError, Err: err, Previous: &prev}
		m.logger.Error("sign requested in illegal state",
			"op", opID,
			"phase", prev.Phase,
		)
		return err
	}
}

// EndSigning removes an operation from the Signing state. When the last
// operation is removed the machine collapses back to Authenticated. A no-op
// outside of Signing, so late callbacks after logout are harmless.
func (m *Machine) EndSigning(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseSigning {
		return
	}

	ops := m.state.Operations[:0]
	for _, id := range m.state.Operations {
		if id != opID {
			ops = append(ops, id)
		}
	}
	m.state.Operations = ops
	m.state.Count = len(ops)

	if m.state.Count == 0 {
		m.state = State{
			Phase:  PhaseAuthenticated,
			Method: m.state.Method,
			User:   m.state.User,
		}
		m.logger.Debug("signing finished")
		return
	}
	m.logger.Debug("signing operation removed", "op", opID, "count", m.state.Count)
}

// Logout unconditionally transitions to Unauthenticated. Callers must cancel
// the signing queue and clear the credential store first, so a late external
// callback lands on an already-unauthenticated machine.
func (m *Machine) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{Phase: PhaseUnauthenticated}
	m.logger.Info("logged out")
}

// Fail transitions to Error from any state, retaining the previous state
// for diagnostics and recovery.
func (m *Machine) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state.clone()
	m.state = State{Phase: PhaseError, Err: cause, Previous: &prev}
	m.logger.Error("auth fault", "error", cause, "previous", prev.Phase)
}

// reject logs and returns an ErrInvalidTransition without changing state.
func (m *Machine) reject(op, detail string) error {
	err := fmt.Errorf("%w: %s not legal from %s", ErrInvalidTransition, op, m.state.Phase)
	m.logger.Error("rejected transition", "op", op, "detail", detail, "phase", m.state.Phase)
	return err
}
