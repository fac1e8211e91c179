package store

import imap "github.com/doveterm/imapcore"

// EventKind discriminates the payload carried by a BackendEvent.
type EventKind int

const (
	EventCreate EventKind = iota
	EventRemove
	EventRescan
	EventUpdate
	EventRename
	EventNewFlags
	EventFailure
)

// BackendEvent is what the watcher and on-demand refreshes deliver to the
// UI through the UidStore's event consumer callback.
type BackendEvent struct {
	Account imap.AccountHash
	Mailbox imap.MailboxHash
	Kind    EventKind

	// Create
	Envelope *Envelope

	// Remove, NewFlags
	EnvelopeHash imap.EnvelopeHash

	// Update, Rename
	OldHash imap.EnvelopeHash
	NewHash imap.EnvelopeHash
	New     *Envelope

	// NewFlags
	Flags    []imap.Flag
	Keywords []imap.TagHash

	// Failure
	Err error
}

// EventConsumer receives every BackendEvent an account's connections and
// watcher produce. It must not block for long: it runs on the same
// goroutine that observed the server response.
type EventConsumer func(BackendEvent)

// AccountStateKind discriminates AccountStateChange payloads.
type AccountStateKind int

const (
	AccountOnline AccountStateKind = iota
	AccountOffline
)

// AccountStateChange reports a change in an account's overall reachability,
// distinct from a per-mailbox BackendEvent.
type AccountStateChange struct {
	Account imap.AccountHash
	State   AccountStateKind
	Message string
}

// NoticeLevel mirrors the severity of a Notice event.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// Notice is a free-form message surfaced to the UI, e.g. a NO/BAD response
// worth showing the user, or a DEFLATE negotiation falling back silently.
type Notice struct {
	Account     imap.AccountHash
	Description string
	Level       NoticeLevel
}
