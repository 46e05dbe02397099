// ABOUTME: AuthState tagged union and auth method enumeration.
// ABOUTME: The state is only ever mutated through Machine transitions.

package authstate

// Method identifies how the current user authenticates and signs.
type Method int

const (
	MethodNone Method = iota
	MethodPrivateKey
	MethodExternalSigner
	MethodEphemeral
)

// String returns the method name for logs and status output.
func (m Method) String() string {
	switch m {
	case MethodPrivateKey:
		return "private_key"
	case MethodExternalSigner:
		return "external_signer"
	case MethodEphemeral:
		return "ephemeral"
	default:
		return "none"
	}
}

// Phase is the discriminant of the AuthState union.
type Phase int

const (
	PhaseUnauthenticated Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseSigning
	PhaseError
)

// String returns the phase name for logs and status output.
func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseSigning:
		return "signing"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is one member of the AuthState union. Which fields are meaningful
// depends on Phase: User and Method are set for Authenticated and Signing,
// Operations and Count only for Signing, Err and Previous only for Error.
// Count always equals len(Operations).
type State struct {
	Phase      Phase
	Method     Method
	User       string // canonical hex public key
	Operations []string
	Count      int
	Err        error
	Previous   *State
}

// clone returns a copy safe to hand to callers; the operations slice is
// duplicated so external code cannot mutate machine state.
func (s *State) clone() State {
	out := *s
	if s.Operations != nil {
		out.Operations = append([]string(nil), s.Operations...)
	}
	return out
}
