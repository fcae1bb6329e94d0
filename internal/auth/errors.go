package auth

import (
	"errors"
	"net/http"
)

// Kind is the machine-checkable discriminator carried by every Error.
type Kind string

const (
	KindAuth                    Kind = "auth_error"
	KindConfiguration           Kind = "configuration_error"
	KindToken                   Kind = "token_error"
	KindTokenHeaderMissing      Kind = "token_header_missing"
	KindBrokenToken             Kind = "broken_token"
	KindMissingKey              Kind = "missing_key"
	KindTokenDecode             Kind = "token_decode_error"
	KindExpiredToken            Kind = "expired_token"
	KindInsufficientPermissions Kind = "insufficient_permissions"
	KindStore                   Kind = "store_error"
	KindConflict                Kind = "conflict"
	KindIntegrity               Kind = "integrity_error"
	KindNotFound                Kind = "not_found"
	KindInvalidInput            Kind = "invalid_input"
)

// Error is the root of the thunderstorm auth error taxonomy. Message is safe to
// show across a trust boundary, Err holds the internal cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "auth: " + e.Message + ": " + e.Err.Error()
	}
	return "auth: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an Error against a sentinel of the same kind or any
// of its parent kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	switch t.Kind {
	case KindAuth:
		return true
	case KindToken:
		return e.Kind.isToken()
	case KindStore:
		return e.Kind.isStore()
	}
	return e.Kind == t.Kind
}

func (k Kind) isToken() bool {
	switch k {
	case KindToken, KindTokenHeaderMissing, KindBrokenToken, KindMissingKey, KindTokenDecode, KindExpiredToken:
		return true
	}
	return false
}

func (k Kind) isStore() bool {
	switch k {
	case KindStore, KindConflict, KindIntegrity, KindNotFound:
		return true
	}
	return false
}

var (
	ErrAuth          = &Error{Kind: KindAuth, Message: "authentication error"}
	ErrConfiguration = &Error{Kind: KindConfiguration, Message: "auth is misconfigured"}

	ErrToken              = &Error{Kind: KindToken, Message: "invalid token"}
	ErrTokenHeaderMissing = &Error{Kind: KindTokenHeaderMissing, Message: "token header missing"}
	ErrBrokenToken        = &Error{Kind: KindBrokenToken, Message: "malformed token"}
	ErrMissingKey         = &Error{Kind: KindMissingKey, Message: "token signed by unknown key"}
	ErrTokenDecode        = &Error{Kind: KindTokenDecode, Message: "token signature invalid"}
	ErrExpiredToken       = &Error{Kind: KindExpiredToken, Message: "token expired"}

	ErrInsufficientPermissions = &Error{Kind: KindInsufficientPermissions, Message: "insufficient permissions"}

	ErrStore     = &Error{Kind: KindStore, Message: "store error"}
	ErrConflict  = &Error{Kind: KindConflict, Message: "already exists"}
	ErrIntegrity = &Error{Kind: KindIntegrity, Message: "referenced row does not exist"}
	ErrNotFound  = &Error{Kind: KindNotFound, Message: "not found"}

	ErrInvalidInput = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

// Wrap returns a new error of the sentinel's kind carrying cause.
func Wrap(sentinel *Error, cause error) error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Err: cause}
}

// Errorf returns an error of the sentinel's kind with a more specific message.
func Errorf(sentinel *Error, message string) error {
	return &Error{Kind: sentinel.Kind, Message: message}
}

// KindOf returns the kind of the first Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SafeMessage returns the user-facing message of err without internal causes.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsTokenError reports whether err is any per-request token error.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrToken)
}

// HTTPStatus maps err to the status an HTTP adapter should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsTokenError(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientPermissions):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
