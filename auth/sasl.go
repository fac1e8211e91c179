// Package auth provides SASL client mechanisms for authenticating an IMAP
// connection, adapting github.com/emersion/go-sasl onto the shape the conn
// package's AUTHENTICATE command driver expects.
package auth

import "github.com/emersion/go-sasl"

// ClientMechanism is a SASL mechanism driver as the AUTHENTICATE command
// loop calls it: an initial response, then a challenge/response exchange
// until the server's tagged response ends it.
type ClientMechanism interface {
	// Name is the mechanism name sent after "AUTHENTICATE" (e.g. "XOAUTH2").
	Name() string
	// Start returns the initial response, or nil if the mechanism has
	// none and waits for the server's first challenge instead.
	Start() ([]byte, error)
	// Next computes the response to a server challenge.
	Next(challenge []byte) ([]byte, error)
}

// saslAdapter adapts a go-sasl sasl.Client, whose Start returns the
// mechanism name alongside the initial response, to ClientMechanism, which
// already knows its own name statically.
type saslAdapter struct {
	name string
	c    sasl.Client
}

func (a *saslAdapter) Name() string { return a.name }

func (a *saslAdapter) Start() ([]byte, error) {
	_, ir, err := a.c.Start()
	return ir, err
}

func (a *saslAdapter) Next(challenge []byte) ([]byte, error) {
	return a.c.Next(challenge)
}

// NewXOAUTH2 builds the XOAUTH2 mechanism (Google/Microsoft OAuth2 bearer
// tokens over IMAP, per Google's XOAUTH2 extension to RFC 4422).
func NewXOAUTH2(username, token string) ClientMechanism {
	return &saslAdapter{name: "XOAUTH2", c: sasl.NewXoauth2Client(username, token)}
}

// NewPlain builds the PLAIN mechanism (RFC 4616), sent as a single initial
// response rather than a multi-step challenge exchange.
func NewPlain(identity, username, password string) ClientMechanism {
	return &saslAdapter{name: "PLAIN", c: sasl.NewPlainClient(identity, username, password)}
}

// XOAUTH2Error, if returned from the server as the AUTHENTICATE failure
// continuation, carries the server's JSON status payload instead of a
// plain tagged NO/BAD. go-sasl's Xoauth2Client handles sending the
// empty-response cancellation itself; this type exists so callers in the
// conn package can recognize and report it distinctly from other
// authentication failures.
type XOAUTH2Error = sasl.Xoauth2Error
