package conn

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	imap "github.com/doveterm/imapcore"
	imapauth "github.com/doveterm/imapcore/auth"
)

// tcpKeepAlive is the keepalive interval spec §4.2 mandates for the opened
// socket.
const tcpKeepAlive = 9 * time.Minute

// DialOptions describes how to open and authenticate a connection, per
// spec §4.2's "Opening"/"Authentication" sections. It is the one place
// that knows how server_hostname/server_port/use_tls/use_starttls/
// danger_accept_invalid_certs/use_oauth2 combine into an actual dial.
type DialOptions struct {
	Host string
	Port int

	// UseTLS wraps the socket in TLS immediately (implicit TLS, typically
	// port 993). Mutually exclusive with UseStartTLS.
	UseTLS bool
	// UseStartTLS issues STARTTLS on a plaintext connection before
	// authenticating. Mutually exclusive with UseTLS.
	UseStartTLS bool
	// DangerAcceptInvalidCerts disables certificate verification. Only
	// ever set from an explicit, user-acknowledged configuration flag.
	DangerAcceptInvalidCerts bool

	Username string
	Password string
	// UseOAuth2, when true, authenticates with AUTHENTICATE XOAUTH2 using
	// Password as the bearer token instead of LOGIN. Only takes effect if
	// the server also advertises AUTH=XOAUTH2; otherwise Connect falls
	// back to LOGIN so a misconfigured server capability set doesn't turn
	// into a hard failure where LOGIN would have worked.
	UseOAuth2 bool

	ClientOptions []Option
}

// tlsConfig builds the *tls.Config Connect hands to DialTLS/StartTLS.
func (o DialOptions) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         o.Host,
		InsecureSkipVerify: o.DangerAcceptInvalidCerts,
	}
}

// Connect opens a TCP connection to opts.Host:opts.Port, negotiates TLS per
// opts, authenticates, and returns a ready-to-use *Client already in the
// Authenticated state — the full "Opening"/"Authentication" sequence of
// spec §4.2. It is the single on-ramp every caller (Session.Select's
// reconnect path, watch.Dialer) should use rather than hand-assembling
// Dial/DialTLS/StartTLS/Login themselves.
func Connect(opts DialOptions) (*Client, error) {
	c, err := connectAndAuthenticate(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func connectAndAuthenticate(opts DialOptions) (*Client, error) {
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))

	var rawConn net.Conn
	var err error
	if opts.UseTLS {
		rawConn, err = tls.DialWithDialer(&net.Dialer{KeepAlive: tcpKeepAlive}, "tcp", addr, opts.tlsConfig())
	} else {
		rawConn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, imap.NewError(imap.KindNetwork, "connect", fmt.Errorf("dialing %s: %w", addr, err))
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(tcpKeepAlive)
	}

	c, err := New(rawConn, opts.ClientOptions...)
	if err != nil {
		_ = rawConn.Close()
		if opts.UseTLS && opts.Port == 993 {
			return nil, imap.NewError(imap.KindNetwork, "connect", fmt.Errorf(
				"reading greeting on port %d with implicit TLS: %w (if this is actually a STARTTLS port, set use_tls=false and use_starttls=true)",
				opts.Port, err))
		}
		return nil, imap.NewError(imap.KindNetwork, "connect", err)
	}

	if opts.UseStartTLS {
		if err := c.StartTLS(opts.tlsConfig()); err != nil {
			_ = c.Close()
			return nil, err // already an *imap.Error with §4.2's port-993 diagnostic text
		}
	}

	if err := authenticate(c, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// authenticate drives spec §4.2's "Authentication" sequence: CAPABILITY,
// reject LOGINDISABLED, XOAUTH2-if-requested-and-advertised else LOGIN,
// then ensure a post-auth capability set is on hand (either an untagged
// CAPABILITY the server sent during LOGIN/AUTHENTICATE or fetched
// explicitly).
//
// A server that greets with PREAUTH (RFC 3501 §7.1.4) has already
// authenticated the connection by some out-of-band means before the
// protocol even starts; New already records that as ConnStateAuthenticated
// off the greeting line, and LOGIN/AUTHENTICATE must not be attempted on
// such a connection — only a capability refresh is still needed.
func authenticate(c *Client, opts DialOptions) error {
	if c.State() == imap.ConnStateAuthenticated {
		if len(c.Caps()) == 0 {
			if _, err := c.Capability(); err != nil {
				return imap.NewError(imap.KindNetwork, "authenticate", fmt.Errorf("post-PREAUTH CAPABILITY: %w", err))
			}
		}
		return nil
	}

	caps, err := c.Capability()
	if err != nil {
		return imap.NewError(imap.KindNetwork, "authenticate", fmt.Errorf("CAPABILITY: %w", err))
	}
	if !hasCap(caps, "IMAP4rev1") {
		return imap.NewError(imap.KindUnsupported, "authenticate",
			fmt.Errorf("server does not advertise IMAP4rev1 (capabilities: %s)", strings.Join(caps, " ")))
	}
	if hasCap(caps, "LOGINDISABLED") {
		return imap.NewError(imap.KindAuthentication, "authenticate",
			fmt.Errorf("server has disabled LOGIN (LOGINDISABLED)"))
	}

	// Drop the pre-auth set so the check after LOGIN/AUTHENTICATE only
	// sees capabilities the server sent from then on.
	c.mu.Lock()
	c.caps = nil
	c.mu.Unlock()

	if opts.UseOAuth2 && hasCap(caps, "AUTH=XOAUTH2") {
		mech := imapauth.NewXOAUTH2(opts.Username, opts.Password)
		if err := c.Authenticate(mech); err != nil {
			return imap.NewError(imap.KindAuthentication, "authenticate", err)
		}
	} else {
		if err := c.Login(opts.Username, opts.Password); err != nil {
			return imap.NewError(imap.KindAuthentication, "authenticate", err)
		}
	}

	// LOGIN/AUTHENTICATE may have piggy-backed a fresh * CAPABILITY
	// untagged response (c.caps is updated as untagged data arrives); if
	// the server didn't volunteer one, ask explicitly so capability-gated
	// features (IDLE, CONDSTORE, QRESYNC, COMPRESS) see an accurate set.
	if len(c.Caps()) == 0 {
		if _, err := c.Capability(); err != nil {
			return imap.NewError(imap.KindNetwork, "authenticate", fmt.Errorf("post-auth CAPABILITY: %w", err))
		}
	}
	return nil
}

func hasCap(caps []string, want string) bool {
	for _, c := range caps {
		if strings.EqualFold(c, want) {
			return true
		}
	}
	return false
}

// Reconnect mirrors Connect but is named for the call site spec §4.2's
// "Reconnection" describes: send_command/send_literal/send_raw failing
// with a network-class error marks the stream errored and attempts one
// connect() cycle before propagating. It makes exactly one attempt; a
// failure is returned to the caller rather than retried here. Nothing in
// this module calls it: conn.Session reconnects through its Dial field and
// watch through its Dialer.
func Reconnect(opts DialOptions) (*Client, error) {
	return Connect(opts)
}
