package imap

import (
	"hash/fnv"
	"strconv"
)

// MailboxHash, EnvelopeHash, TagHash and AccountHash are opaque 64-bit
// identifiers, stable for the lifetime of the process. They are derived
// deterministically from the data that identifies the thing they name, so
// the same mailbox or message reached through two paths collides
// meaningfully instead of getting a second identity.
type (
	MailboxHash  uint64
	EnvelopeHash uint64
	TagHash      uint64
	AccountHash  uint64
)

// NewMailboxHash derives a MailboxHash from an account hash and the
// server-declared IMAP path of the mailbox.
func NewMailboxHash(account AccountHash, imapPath string) MailboxHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(imapPath))
	_, _ = h.Write([]byte{0})
	var buf [8]byte
	putUint64(buf[:], uint64(account))
	_, _ = h.Write(buf[:])
	return MailboxHash(h.Sum64())
}

// NewEnvelopeHash derives an EnvelopeHash deterministically from the
// mailbox's IMAP path and the message's UID, per spec §3: "An envelope
// hash is derived deterministically from (mailbox_imap_path, uid) so the
// same message reached via two paths collides meaningfully."
func NewEnvelopeHash(mailboxIMAPPath string, uid UID) EnvelopeHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mailboxIMAPPath))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatUint(uint64(uid), 10)))
	return EnvelopeHash(h.Sum64())
}

// NewTagHash derives a TagHash from an interned keyword/tag name.
func NewTagHash(name string) TagHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return TagHash(h.Sum64())
}

// NewAccountHash derives an AccountHash from the account's configuration
// identity (its name plus its server hostname, so two accounts pointed at
// the same mailbox under different local names don't collide).
func NewAccountHash(name, serverHostname string) AccountHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(serverHostname))
	return AccountHash(h.Sum64())
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
