package imap

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by the part of the protocol or backend contract
// it came from, per the error handling design.
type Kind int

const (
	// KindNetwork covers transport failures: timeouts, I/O errors, TLS
	// handshake/validation failures, and unexpected disconnects.
	KindNetwork Kind = iota
	// KindProtocol covers parse failures and responses that don't match
	// what the caller asked the parser to expect.
	KindProtocol
	// KindAuthentication covers LOGIN/AUTHENTICATE failures.
	KindAuthentication
	// KindPermission covers read-only mailboxes and \Noselect mailboxes.
	KindPermission
	// KindNotFound covers references to mailboxes or envelopes the store
	// has no record of.
	KindNotFound
	// KindUnsupported covers operations that need a capability the server
	// did not advertise.
	KindUnsupported
	// KindConfiguration covers invalid or incomplete account configuration.
	KindConfiguration
	// KindCache covers failures from the pluggable Cache; always non-fatal.
	KindCache
	// KindBug covers internal invariant violations.
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not found"
	case KindUnsupported:
		return "unsupported"
	case KindConfiguration:
		return "configuration"
	case KindCache:
		return "cache"
	case KindBug:
		return "bug"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the typed error returned by every suspendable operation in this
// module. It wraps an underlying cause (which may be nil) with a Kind so
// callers can branch on errors.Is/errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "select", "idle", "fetch"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("imap: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("imap: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, &imap.Error{Kind: imap.KindNetwork}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError wraps err as an *Error of the given kind and operation name.
// The result always carries kind, even when err is itself an *Error with
// a different Kind; that inner *Error stays reachable through Unwrap.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel errors for common, stateless conditions checked with errors.Is.
var (
	ErrOffline       = errors.New("imap: connection is offline")
	ErrReadOnlyBox   = errors.New("imap: mailbox is read-only")
	ErrNoSelectBox   = errors.New("imap: mailbox cannot be selected (\\Noselect)")
	ErrUIDValidity   = errors.New("imap: uidvalidity changed")
	ErrNotIMAP4rev1  = errors.New("imap: server does not advertise IMAP4rev1")
	ErrLoginDisabled = errors.New("imap: server advertises LOGINDISABLED")
	ErrNoOAuthToken  = errors.New("imap: XOAUTH2 requested but no token configured")
)

// IsKind reports whether err (or any error it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
