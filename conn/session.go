package conn

import (
	"errors"
	"fmt"
	"sync"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/metrics"
	"github.com/doveterm/imapcore/store"
)

// Session pairs one Client with the account's shared UidStore, giving the
// raw SELECT/EXAMINE/UNSELECT commands the semantics spec §4.2 requires: a
// no-op on reselecting the same mailbox, UIDVALIDITY-mismatch detection
// that purges the store and emits a Rescan, and the RFC 3691 UNSELECT
// fallback when the server doesn't advertise it. conn/mailbox.go's Select
// stays the raw, single-shot protocol primitive; Session is what drives it
// from the account's point of view — the one resync, watch and backend
// actually call.
type Session struct {
	Client *Client
	Store  *store.UidStore

	// Dial, if set, lets the session reconnect itself once per spec §4.2's
	// "Reconnection" rule: a network-class error from a command marks the
	// stream errored and attempts one connect() cycle before propagating.
	// Left nil, Select/Examine propagate network errors immediately, same
	// as before this existed.
	Dial func() (*Client, error)

	// Metrics is optional; a nil *metrics.Set makes every Record*/Set*
	// call a no-op.
	Metrics *metrics.Set

	mu       sync.Mutex
	selected imap.MailboxHash
	hasSel   bool
}

// NewSession pairs an already-authenticated Client with the account's
// store, and installs the unilateral-data hooks for live protocol traffic:
// an untagged EXPUNGE updates the store's msn_index/uid_index/hash_index
// and emits a Remove event, and an untagged FETCH emits a NewFlags event
// without changing the indices — the wiring the spec's
// uid_index/hash_index/msn_index invariants depend on, and that plain
// dial/select/fetch calls alone never exercise.
func NewSession(c *Client, s *store.UidStore) *Session {
	sess := &Session{Client: c, Store: s}
	sess.installHooks(c)
	return sess
}

// installHooks wires the EXPUNGE (store-mutating) and FETCH (event-only)
// handlers onto c.
// Split out from NewSession so reconnectOnce can re-install the same hooks
// onto a freshly dialed replacement Client.
func (s *Session) installHooks(c *Client) {
	c.mu.Lock()
	if c.options.UnilateralDataHandler == nil {
		c.options.UnilateralDataHandler = &UnilateralDataHandler{}
	}
	h := c.options.UnilateralDataHandler
	c.mu.Unlock()

	prevExpunge := h.Expunge
	h.Expunge = func(seqNum uint32) {
		s.onExpunge(seqNum)
		if prevExpunge != nil {
			prevExpunge(seqNum)
		}
	}
	prevFetch := h.Fetch
	h.Fetch = func(seqNum uint32, flags []string) {
		s.onFetchFlags(seqNum, flags)
		if prevFetch != nil {
			prevFetch(seqNum, flags)
		}
	}
}

// reconnectOnce implements spec §4.2's "Reconnection" rule for a single
// failed operation: dial a fresh, already-authenticated Client via
// s.Dial, re-install the store hooks on it, and swap it in as s.Client.
// The caller is responsible for retrying its own operation afterward; a
// second consecutive failure is the caller's to propagate, not retried
// here again.
func (s *Session) reconnectOnce() error {
	if s.Dial == nil {
		return imap.NewError(imap.KindNetwork, "reconnect", fmt.Errorf("no dialer configured for this session"))
	}
	fresh, err := s.Dial()
	if err != nil {
		return imap.NewError(imap.KindNetwork, "reconnect", err)
	}
	s.Metrics.RecordReconnect("main")
	s.installHooks(fresh)

	s.mu.Lock()
	s.Client = fresh
	s.hasSel = false
	s.selected = 0
	s.mu.Unlock()
	return nil
}

// withReconnect runs op; if it fails with a network-class error, it
// reconnects once (per spec §4.2) and retries op exactly one more time.
func (s *Session) withReconnect(op func() error) error {
	err := op()
	if err == nil || !imap.IsKind(err, imap.KindNetwork) {
		return err
	}
	if rerr := s.reconnectOnce(); rerr != nil {
		return err
	}
	return op()
}

// onExpunge removes the expunged sequence number from the mailbox's
// msn_index and, if its UID still resolves to an envelope, emits Remove.
// Per the decided EXPUNGE-during-IDLE behavior: if the sequence number no
// longer resolves (msn_index is stale or was never built for this
// mailbox), the expunge is logged and dropped rather than guessed at.
func (s *Session) onExpunge(seqNum uint32) {
	mbox, ok := s.Selected()
	if !ok {
		return
	}
	uid := s.Store.MSNRemoveAt(mbox, seqNum)
	if uid == 0 {
		s.Client.options.Logger.Warn("expunge for unresolvable sequence number, dropping",
			"seq", seqNum, "mailbox", mbox)
		return
	}
	hash, ok := s.Store.RemoveEnvelope(mbox, uid)
	if !ok {
		return
	}
	s.Store.Emit(store.BackendEvent{Mailbox: mbox, Kind: store.EventRemove, EnvelopeHash: hash})
}

// onFetchFlags resolves an untagged "FETCH n (FLAGS (...))" response to an
// envelope hash via msn_index/uid_index and emits NewFlags.
func (s *Session) onFetchFlags(seqNum uint32, flags []string) {
	if len(flags) == 0 {
		return
	}
	mbox, ok := s.Selected()
	if !ok {
		return
	}
	msn := s.Store.MSN(mbox)
	idx := int(seqNum) - 1
	if idx < 0 || idx >= len(msn) {
		return
	}
	hash, ok := s.Store.EnvelopeHash(mbox, msn[idx])
	if !ok {
		return
	}
	imapFlags := make([]imap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = imap.Flag(f)
	}
	s.Store.Emit(store.BackendEvent{Mailbox: mbox, Kind: store.EventNewFlags, EnvelopeHash: hash, Flags: imapFlags})
}

// Selected returns the currently selected mailbox, if any.
func (s *Session) Selected() (imap.MailboxHash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.hasSel
}

// Select opens mailbox h read-write. If force is false and h is already
// the selected mailbox, Select is a no-op and returns (nil, nil) — callers
// must treat a nil SelectData with a nil error as "nothing changed", not
// as an empty result.
func (s *Session) Select(h imap.MailboxHash, force bool) (*imap.SelectData, error) {
	return s.selectOrExamine(h, force, false)
}

// Examine opens mailbox h read-only, with the same no-op/force contract as
// Select.
func (s *Session) Examine(h imap.MailboxHash, force bool) (*imap.SelectData, error) {
	return s.selectOrExamine(h, force, true)
}

func (s *Session) selectOrExamine(h imap.MailboxHash, force, readOnly bool) (*imap.SelectData, error) {
	s.mu.Lock()
	if !force && s.hasSel && s.selected == h {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	info, ok := s.Store.Mailbox(h)
	if !ok {
		return nil, imap.NewError(imap.KindNotFound, "select", fmt.Errorf("unknown mailbox hash %d", h))
	}
	if info.NoSelect {
		return nil, imap.NewError(imap.KindPermission, "select", imap.ErrNoSelectBox)
	}

	var data *imap.SelectData
	if err := s.withReconnect(func() error {
		var innerErr error
		if readOnly {
			data, innerErr = s.Client.Examine(info.IMAPPath)
		} else {
			data, innerErr = s.Client.Select(info.IMAPPath, nil)
		}
		if innerErr != nil {
			return imap.NewError(classifyError(innerErr), "select", innerErr)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.selected = h
	s.hasSel = true
	s.mu.Unlock()

	// UIDVALIDITY mismatch is a mandatory, mailbox-scoped cache purge: every
	// index entry the store holds for h is now meaningless and must be
	// rebuilt by resync from scratch.
	if mismatch := s.Store.CheckUIDValidity(h, data.UIDValidity); mismatch {
		s.Store.PurgeMailbox(h, data)
		s.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventRescan})
	}

	info.ApplySelect(data)
	s.Store.SetMailbox(info)

	return data, nil
}

// SelectQResync issues a QRESYNC-modified SELECT (RFC 7162 §3.2.5), for
// resync's QRESYNC path. It always sends a real SELECT — the no-op/force
// contract of Select doesn't apply here, since a QRESYNC call means the
// caller specifically wants a fresh quick-resync exchange, including
// whatever VanishedEarlier set the server returns.
func (s *Session) SelectQResync(h imap.MailboxHash, q *imap.SelectQResync) (*imap.SelectData, error) {
	info, ok := s.Store.Mailbox(h)
	if !ok {
		return nil, imap.NewError(imap.KindNotFound, "select-qresync", fmt.Errorf("unknown mailbox hash %d", h))
	}

	data, err := s.Client.Select(info.IMAPPath, &imap.SelectOptions{QResync: q})
	if err != nil {
		return nil, imap.NewError(imap.KindProtocol, "select-qresync", err)
	}

	s.mu.Lock()
	s.selected = h
	s.hasSel = true
	s.mu.Unlock()

	if mismatch := s.Store.CheckUIDValidity(h, data.UIDValidity); mismatch {
		s.Store.PurgeMailbox(h, data)
		s.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventRescan})
	}

	info.ApplySelect(data)
	s.Store.SetMailbox(info)
	return data, nil
}

// Unselect leaves the currently selected mailbox without expunging, using
// RFC 3691 UNSELECT where advertised, or the documented fallback
// otherwise: SELECT a mailbox name that cannot exist, which every
// compliant server answers NO to while still leaving no mailbox selected.
func (s *Session) Unselect() error {
	s.mu.Lock()
	if !s.hasSel {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.Client.HasCap(string(imap.CapUnselect)) {
		if err := s.Client.Unselect(); err != nil {
			return imap.NewError(imap.KindProtocol, "unselect", err)
		}
	} else if _, selErr := s.Client.Select(unselectFallbackName, nil); selErr == nil {
		// A server that somehow accepted this name now has it selected;
		// leave it selected rather than claim success for a mailbox that
		// does not match what the caller asked to unselect.
		return imap.NewError(imap.KindBug, "unselect", fmt.Errorf("server unexpectedly accepted SELECT of unselect-fallback mailbox name"))
	}

	s.mu.Lock()
	s.hasSel = false
	s.selected = 0
	s.mu.Unlock()
	return nil
}

// classifyError distinguishes a server-rejected command (an *imap.IMAPError
// carrying a tagged NO/BAD — a protocol-class failure the reconnect-once
// rule in withReconnect must NOT treat as a retryable transport problem)
// from everything else, which in this client only ever reaches a command
// caller as a transport/disconnect error (see Client.handleDisconnect).
func classifyError(err error) imap.Kind {
	var imapErr *imap.IMAPError
	if errors.As(err, &imapErr) {
		return imap.KindProtocol
	}
	return imap.KindNetwork
}

// unselectFallbackName is a mailbox name no server can have: RFC 3501
// mailbox names are modified UTF-7 and may not contain NUL, so this is
// guaranteed to fail SELECT with NO rather than ever (accidentally)
// succeeding.
const unselectFallbackName = "\x00doveterm-unselect-fallback"
