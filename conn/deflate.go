package conn

import (
	"compress/flate"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/wire"
)

// deflateConn adapts a net.Conn to carry RFC 4978 raw-DEFLATE traffic in
// both directions. Reads are inflated on demand from whatever the caller
// hands in as the first read source (which must include any bytes already
// buffered by the plaintext decoder ahead of the raw socket); writes are
// deflated and flushed immediately, since framing (CRLF, literal counts) is
// the encoder's job one layer up and this layer must not buffer across it.
type deflateConn struct {
	net.Conn
	fr io.ReadCloser
	fw *flate.Writer
	mu sync.Mutex
}

func newDeflateConn(raw net.Conn, buffered io.Reader) *deflateConn {
	return &deflateConn{
		Conn: raw,
		fr:   flate.NewReader(buffered),
		fw:   flate.NewWriter(raw, flate.DefaultCompression),
	}
}

func (d *deflateConn) Read(p []byte) (int, error) {
	return d.fr.Read(p)
}

func (d *deflateConn) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.fw.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.fw.Flush()
}

func (d *deflateConn) Close() error {
	_ = d.fr.Close()
	_ = d.fw.Close()
	return d.Conn.Close()
}

// EnableDeflate negotiates RFC 4978 COMPRESS=DEFLATE and rewraps the
// connection's encoder/decoder around a deflate stream, preserving the tag
// counter, pending commands, and selected mailbox untouched (nothing about
// the Client is recreated, only the transport it reads and writes through).
// Per spec §4.3, a NO/BAD/BYE response here is not fatal to the
// connection — the caller is expected to log a warning and continue
// uncompressed.
func (c *Client) EnableDeflate() error {
	if !c.HasCap(string(imap.CapCompressDeflate)) {
		return imap.NewError(imap.KindUnsupported, "compress", fmt.Errorf("server does not advertise COMPRESS=DEFLATE"))
	}

	tag := c.tags.Next()
	cmd := c.pending.Add(tag)

	switched := make(chan struct{})
	c.setPostTagHook(tag, func() {
		c.mu.Lock()
		raw := c.conn
		buffered := c.decoder.Reader()
		dc := newDeflateConn(raw, buffered)
		c.conn = dc
		c.encoder = wire.NewEncoder(dc)
		c.decoder = wire.NewDecoder(dc)
		c.reader.decoder = c.decoder
		c.mu.Unlock()
		close(switched)
	})

	c.encoder.RawString(tag + " COMPRESS DEFLATE\r\n")
	if err := c.encoder.Flush(); err != nil {
		c.clearPostTagHook(tag)
		c.pending.Complete(tag, &commandResult{err: err})
		return imap.NewError(imap.KindNetwork, "compress", err)
	}

	select {
	case result := <-cmd.done:
		if err := commandResultError(result); err != nil {
			c.clearPostTagHook(tag)
			return imap.NewError(imap.KindUnsupported, "compress", err)
		}
	case <-time.After(c.options.ReadTimeout):
		c.clearPostTagHook(tag)
		return imap.NewError(imap.KindNetwork, "compress", fmt.Errorf("no response to COMPRESS DEFLATE"))
	}

	<-switched
	return nil
}
