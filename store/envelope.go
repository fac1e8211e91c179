// Package store holds the account-lifetime, mutex-guarded state that is
// shared between every connection and the watcher for one account: the
// capability set, the mailbox map, and the UID/hash/MSN/tag indices that
// let the rest of the core talk about messages by stable hash instead of
// by volatile sequence number.
package store

import (
	"time"

	imap "github.com/doveterm/imapcore"
)

// Envelope is the parsed, persisted summary of one message: everything the
// UI needs to render a message list row without fetching the body. It is
// produced by resynchronization from FETCH responses and is the unit that
// flows out of the backend to the UI.
type Envelope struct {
	Hash        imap.EnvelopeHash
	UID         imap.UID
	MailboxHash imap.MailboxHash

	Subject    string
	From       []*imap.Address
	Sender     []*imap.Address
	ReplyTo    []*imap.Address
	To         []*imap.Address
	Cc         []*imap.Address
	Bcc        []*imap.Address
	InReplyTo  string
	MessageID  string
	References []string
	Date       time.Time

	Flags    []imap.Flag
	Keywords []imap.TagHash

	HasAttachments      bool
	BodyStructureDigest string
}

// FromIMAPEnvelope copies the RFC 3501 ENVELOPE fields from e into a new
// Envelope, leaving the hash, UID, flags and derived fields for the caller
// to fill in.
func FromIMAPEnvelope(e *imap.Envelope) *Envelope {
	if e == nil {
		return &Envelope{}
	}
	return &Envelope{
		Subject:   e.Subject,
		From:      e.From,
		Sender:    e.Sender,
		ReplyTo:   e.ReplyTo,
		To:        e.To,
		Cc:        e.Cc,
		Bcc:       e.Bcc,
		InReplyTo: e.InReplyTo,
		MessageID: e.MessageID,
		Date:      e.Date,
	}
}

// IsUnseen reports whether none of the envelope's flags is \Seen.
func (e *Envelope) IsUnseen() bool {
	for _, f := range e.Flags {
		if f == imap.FlagSeen {
			return false
		}
	}
	return true
}
