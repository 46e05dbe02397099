// ABOUTME: Wire types for the delegated-signing protocol with the companion app.
// ABOUTME: Requests carry unsigned event JSON; responses carry a signature or denial.

package companion

import "github.com/2389/signet/internal/event"

// RequestType discriminates outbound requests.
type RequestType string

const (
	// RequestTypeSignEvent asks the companion to sign an event.
	RequestTypeSignEvent RequestType = "sign_event"
	// RequestTypeGetPublicKey is the login-time-only handshake requesting
	// the user's public key and the companion's identifier.
	RequestTypeGetPublicKey RequestType = "get_public_key"
)

// Permission is one capability requested during the login handshake.
type Permission struct {
	Type string `json:"type"`
	Kind int    `json:"kind,omitempty"`
}

// Request is an outbound message to the companion app. ID correlates the
// eventual callback; CallbackToken must be presented on that callback.
type Request struct {
	ID            string       `json:"id"`
	Type          RequestType  `json:"type"`
	Event         *event.Event `json:"event,omitempty"`
	CurrentUser   string       `json:"current_user,omitempty"`
	Permissions   []Permission `json:"permissions,omitempty"`
	CallbackToken string       `json:"callback_token,omitempty"`
}

// Response is an inbound callback from the companion app. Exactly one of the
// result fields is meaningful: Signature for sign_event, PubKey+Package for
// get_public_key, or Denied/Error for a rejection.
type Response struct {
	RequestID string `json:"request_id"`
	Signature string `json:"signature,omitempty"`
	PubKey    string `json:"pubkey,omitempty"`
	Package   string `json:"package,omitempty"`
	Denied    bool   `json:"denied,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Linkage is the persisted external-signer association: the user's public key
// and the identifier of the companion app that holds the private key.
type Linkage struct {
	PubKey  string `json:"pubkey"`
	Package string `json:"package"`
}
