package conn

import (
	"crypto/tls"
	"fmt"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/wire"
)

// startTLSSilenceTimeout bounds how long StartTLS waits for the tagged OK
// before concluding the server is silently ignoring a plaintext command on
// the wire — the classic symptom of attempting STARTTLS against a port that
// is already speaking TLS (e.g. 993), per spec §4.2/§8.
const startTLSSilenceTimeout = 3 * time.Second

// StartTLS upgrades the connection to TLS (RFC 3501 §6.2.1). The switch from
// plaintext to TLS happens synchronously inside the reader goroutine via a
// post-tag hook, so no byte is ever read through the stale plaintext decoder
// once the handshake begins — the teacher's original StartTLS started a
// second reader goroutine on the new decoder without stopping the first,
// which raced the two over the same socket and could tear down the
// connection under handleDisconnect before the handshake even finished.
func (c *Client) StartTLS(config *tls.Config) error {
	if config == nil {
		config = c.options.TLSConfig
	}
	if config == nil {
		config = &tls.Config{}
	}

	tag := c.tags.Next()
	cmd := c.pending.Add(tag)

	switched := make(chan error, 1)
	c.setPostTagHook(tag, func() {
		c.mu.Lock()
		raw := c.conn
		c.mu.Unlock()

		tlsConn := tls.Client(raw, config)
		if err := tlsConn.Handshake(); err != nil {
			switched <- fmt.Errorf("TLS handshake: %w", err)
			return
		}

		c.mu.Lock()
		c.conn = tlsConn
		c.encoder = wire.NewEncoder(tlsConn)
		c.decoder = wire.NewDecoder(tlsConn)
		c.reader.decoder = c.decoder
		c.mu.Unlock()
		switched <- nil
	})

	c.encoder.RawString(tag + " STARTTLS\r\n")
	if err := c.encoder.Flush(); err != nil {
		c.clearPostTagHook(tag)
		c.pending.Complete(tag, &commandResult{err: err})
		return imap.NewError(imap.KindNetwork, "starttls", err)
	}

	select {
	case result := <-cmd.done:
		if err := commandResultError(result); err != nil {
			c.clearPostTagHook(tag)
			return imap.NewError(imap.KindAuthentication, "starttls", err)
		}
	case <-time.After(startTLSSilenceTimeout):
		c.clearPostTagHook(tag)
		return imap.NewError(imap.KindNetwork, "starttls", fmt.Errorf(
			"no response after %s: server may already be speaking TLS on this port (try use_starttls=false)",
			startTLSSilenceTimeout))
	}

	if err := <-switched; err != nil {
		return imap.NewError(imap.KindNetwork, "starttls", err)
	}
	return nil
}
