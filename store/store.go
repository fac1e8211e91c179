package store

import (
	"sync"
	"sync/atomic"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/cache"
)

// ProtocolIdleTimeout is the gap after which a connection with no observed
// I/O is no longer trusted to still be online, even absent an explicit
// error: a time gap this large promotes Ok to Err on next inspection.
const ProtocolIdleTimeout = 28 * time.Minute

// OnlineState is the UID store's view of whether its connections are
// currently reachable. Writers: every successful I/O sets Ok; any I/O
// error sets Err; IsOnline additionally promotes a stale Ok to Err if more
// than ProtocolIdleTimeout has elapsed since the last observed success.
type OnlineState struct {
	LastOK time.Time
	Err    error
}

// EnvelopeLocation is the value side of hash_index: which mailbox and UID
// an envelope hash currently resolves to.
type EnvelopeLocation struct {
	Mailbox imap.MailboxHash
	UID     imap.UID
}

// UidStore is the account-lifetime shared state described in spec §3/§5:
// capabilities, the mailbox map, and the uid_index/hash_index/msn_index/
// tag_index indices, each individually guarded so no single lock spans an
// I/O suspension point. Connections and the watcher hold a shared
// reference to one UidStore per account.
type UidStore struct {
	Account imap.AccountHash

	caps atomic.Pointer[imap.CapSet]

	mailboxesMu sync.RWMutex
	mailboxes   map[imap.MailboxHash]*imap.MailboxInfo

	uidIndexMu sync.Mutex
	uidIndex   map[imap.MailboxHash]map[imap.UID]imap.EnvelopeHash

	hashIndexMu sync.Mutex
	hashIndex   map[imap.EnvelopeHash]EnvelopeLocation

	msnIndexMu sync.Mutex
	msnIndex   map[imap.MailboxHash][]imap.UID

	uidValidityMu sync.Mutex
	uidValidity   map[imap.MailboxHash]uint32

	tagIndexMu sync.Mutex
	tagIndex   map[imap.TagHash]string
	tagNames   map[string]imap.TagHash

	onlineMu sync.Mutex
	online   OnlineState

	consumerMu sync.RWMutex
	consumer   EventConsumer

	// cacheStore is spec §6's optional "keep_offline_cache" write-through
	// persistence. A nil cacheStore means the account runs with no
	// offline cache, which is the default and always valid.
	cacheStore atomic.Pointer[cache.Cache]
}

// SetCache plugs a Cache into the store. Passing nil disables it.
func (s *UidStore) SetCache(c cache.Cache) {
	if c == nil {
		s.cacheStore.Store(nil)
		return
	}
	s.cacheStore.Store(&c)
}

// Cache returns the currently configured Cache, or nil if none is set.
func (s *UidStore) Cache() cache.Cache {
	p := s.cacheStore.Load()
	if p == nil {
		return nil
	}
	return *p
}

// New creates an empty UidStore for the given account.
func New(account imap.AccountHash, consumer EventConsumer) *UidStore {
	s := &UidStore{
		Account:     account,
		mailboxes:   make(map[imap.MailboxHash]*imap.MailboxInfo),
		uidIndex:    make(map[imap.MailboxHash]map[imap.UID]imap.EnvelopeHash),
		hashIndex:   make(map[imap.EnvelopeHash]EnvelopeLocation),
		msnIndex:    make(map[imap.MailboxHash][]imap.UID),
		uidValidity: make(map[imap.MailboxHash]uint32),
		tagIndex:    make(map[imap.TagHash]string),
		tagNames:    make(map[string]imap.TagHash),
		consumer:    consumer,
	}
	s.caps.Store(imap.NewCapSet())
	return s
}

// Capabilities returns the current capability set. The set itself is
// replaced wholesale (never mutated) by SetCapabilities, so a caller that
// holds onto a returned *CapSet sees a stable snapshot.
func (s *UidStore) Capabilities() *imap.CapSet {
	return s.caps.Load()
}

// SetCapabilities replaces the capability set wholesale, per spec §3:
// "capabilities is replaced wholesale after every successful
// authentication and after any CAPABILITY response."
func (s *UidStore) SetCapabilities(cs *imap.CapSet) {
	s.caps.Store(cs)
}

// Mailbox returns the mailbox info for h, if known.
func (s *UidStore) Mailbox(h imap.MailboxHash) (*imap.MailboxInfo, bool) {
	s.mailboxesMu.RLock()
	defer s.mailboxesMu.RUnlock()
	m, ok := s.mailboxes[h]
	return m, ok
}

// Mailboxes returns a snapshot copy of the mailbox map, safe to range over
// without holding the store's lock — callers must copy the view out before
// issuing any network I/O (spec §5 locking discipline).
func (s *UidStore) Mailboxes() map[imap.MailboxHash]*imap.MailboxInfo {
	s.mailboxesMu.RLock()
	defer s.mailboxesMu.RUnlock()
	out := make(map[imap.MailboxHash]*imap.MailboxInfo, len(s.mailboxes))
	for h, m := range s.mailboxes {
		out[h] = m
	}
	return out
}

// SetMailbox inserts or replaces a mailbox's info.
func (s *UidStore) SetMailbox(m *imap.MailboxInfo) {
	s.mailboxesMu.Lock()
	defer s.mailboxesMu.Unlock()
	s.mailboxes[m.Hash] = m
}

// DeleteMailbox removes a mailbox and all of its index entries. Used for
// DELETE and for RENAME (paired with SetMailbox under the new hash).
func (s *UidStore) DeleteMailbox(h imap.MailboxHash) {
	s.mailboxesMu.Lock()
	delete(s.mailboxes, h)
	s.mailboxesMu.Unlock()
	s.PurgeMailbox(h, nil)
}

// PurgeMailbox clears uid_index, hash_index and msn_index entries for a
// single mailbox, per spec §3: a UIDVALIDITY mismatch "triggers a
// mandatory cache purge" scoped to that mailbox. sel is the SelectData
// that revealed the mismatch, forwarded to an optional offline Cache as
// its new baseline; pass nil when the mailbox is being discarded outright
// (DELETE) rather than resynchronized.
func (s *UidStore) PurgeMailbox(h imap.MailboxHash, sel *imap.SelectData) {
	s.uidIndexMu.Lock()
	uids := s.uidIndex[h]
	delete(s.uidIndex, h)
	s.uidIndexMu.Unlock()

	if len(uids) > 0 {
		s.hashIndexMu.Lock()
		for _, hash := range uids {
			delete(s.hashIndex, hash)
		}
		s.hashIndexMu.Unlock()
	}

	s.msnIndexMu.Lock()
	delete(s.msnIndex, h)
	s.msnIndexMu.Unlock()

	// The offline cache contract (spec §6) is write-through and non-fatal:
	// an error clearing it is logged via a Failure event rather than
	// propagated, since the in-memory purge above has already succeeded.
	if c := s.Cache(); c != nil {
		if err := c.Clear(h, sel); err != nil {
			s.Emit(BackendEvent{Mailbox: h, Kind: EventFailure, Err: imap.NewError(imap.KindCache, "purge", err)})
		}
	}
}

// PutEnvelope records that (mailbox, uid) resolves to hash, maintaining
// uid_index and hash_index as mutually inverse maps. Locks are taken in
// the fixed order uid_index → hash_index per spec §5.
func (s *UidStore) PutEnvelope(mailbox imap.MailboxHash, uid imap.UID, hash imap.EnvelopeHash) {
	s.uidIndexMu.Lock()
	m, ok := s.uidIndex[mailbox]
	if !ok {
		m = make(map[imap.UID]imap.EnvelopeHash)
		s.uidIndex[mailbox] = m
	}
	m[uid] = hash
	s.uidIndexMu.Unlock()

	s.hashIndexMu.Lock()
	s.hashIndex[hash] = EnvelopeLocation{Mailbox: mailbox, UID: uid}
	s.hashIndexMu.Unlock()
}

// RemoveEnvelope deletes the (mailbox, uid) entry and its inverse
// hash_index entry, returning the hash that was removed, if any.
func (s *UidStore) RemoveEnvelope(mailbox imap.MailboxHash, uid imap.UID) (imap.EnvelopeHash, bool) {
	s.uidIndexMu.Lock()
	m, ok := s.uidIndex[mailbox]
	var hash imap.EnvelopeHash
	if ok {
		hash, ok = m[uid]
		if ok {
			delete(m, uid)
		}
	}
	s.uidIndexMu.Unlock()
	if !ok {
		return 0, false
	}

	s.hashIndexMu.Lock()
	delete(s.hashIndex, hash)
	s.hashIndexMu.Unlock()
	return hash, true
}

// EnvelopeHash looks up the hash for a (mailbox, uid) pair.
func (s *UidStore) EnvelopeHash(mailbox imap.MailboxHash, uid imap.UID) (imap.EnvelopeHash, bool) {
	s.uidIndexMu.Lock()
	defer s.uidIndexMu.Unlock()
	m, ok := s.uidIndex[mailbox]
	if !ok {
		return 0, false
	}
	h, ok := m[uid]
	return h, ok
}

// Location looks up which (mailbox, uid) an envelope hash currently names.
func (s *UidStore) Location(hash imap.EnvelopeHash) (EnvelopeLocation, bool) {
	s.hashIndexMu.Lock()
	defer s.hashIndexMu.Unlock()
	loc, ok := s.hashIndex[hash]
	return loc, ok
}

// MSN returns a copy of the current MSN-to-UID index for a mailbox: entry
// n-1 is the UID of the message whose sequence number is n.
func (s *UidStore) MSN(mailbox imap.MailboxHash) []imap.UID {
	s.msnIndexMu.Lock()
	defer s.msnIndexMu.Unlock()
	src := s.msnIndex[mailbox]
	out := make([]imap.UID, len(src))
	copy(out, src)
	return out
}

// SetMSN replaces the MSN index for a mailbox wholesale, e.g. after a
// `UID SEARCH 1:*` rebuild.
func (s *UidStore) SetMSN(mailbox imap.MailboxHash, uids []imap.UID) {
	s.msnIndexMu.Lock()
	defer s.msnIndexMu.Unlock()
	s.msnIndex[mailbox] = uids
}

// MSNAppend appends a UID to the end of a mailbox's MSN index, for an
// EXISTS increase whose UID is not yet resolved (left as 0 until FETCH).
func (s *UidStore) MSNAppend(mailbox imap.MailboxHash, uid imap.UID) {
	s.msnIndexMu.Lock()
	defer s.msnIndexMu.Unlock()
	s.msnIndex[mailbox] = append(s.msnIndex[mailbox], uid)
}

// MSNRemoveAt removes the entry at 1-based sequence number seqNum and
// shifts everything after it left by one, per spec §3's EXPUNGE rule.
// Returns the UID that was removed, or 0 if seqNum was out of range.
func (s *UidStore) MSNRemoveAt(mailbox imap.MailboxHash, seqNum uint32) imap.UID {
	s.msnIndexMu.Lock()
	defer s.msnIndexMu.Unlock()
	idx := int(seqNum) - 1
	list := s.msnIndex[mailbox]
	if idx < 0 || idx >= len(list) {
		return 0
	}
	uid := list[idx]
	s.msnIndex[mailbox] = append(list[:idx], list[idx+1:]...)
	return uid
}

// UIDValidity returns the last observed UIDVALIDITY for a mailbox.
func (s *UidStore) UIDValidity(mailbox imap.MailboxHash) (uint32, bool) {
	s.uidValidityMu.Lock()
	defer s.uidValidityMu.Unlock()
	v, ok := s.uidValidity[mailbox]
	return v, ok
}

// CheckUIDValidity compares v against the stored value for mailbox. It
// records v if there was none yet. It reports whether the mailbox's cache
// must be purged: false the first time a mailbox is seen (nothing to
// purge), true on an actual mismatch.
func (s *UidStore) CheckUIDValidity(mailbox imap.MailboxHash, v uint32) (mismatch bool) {
	s.uidValidityMu.Lock()
	defer s.uidValidityMu.Unlock()
	prev, ok := s.uidValidity[mailbox]
	s.uidValidity[mailbox] = v
	return ok && prev != v
}

// InternTag returns the TagHash for a keyword/tag name, assigning and
// remembering one if this is the first time it's been seen.
func (s *UidStore) InternTag(name string) imap.TagHash {
	s.tagIndexMu.Lock()
	defer s.tagIndexMu.Unlock()
	if h, ok := s.tagNames[name]; ok {
		return h
	}
	h := imap.NewTagHash(name)
	s.tagNames[name] = h
	s.tagIndex[h] = name
	return h
}

// TagName resolves a previously interned TagHash back to its name.
func (s *UidStore) TagName(h imap.TagHash) (string, bool) {
	s.tagIndexMu.Lock()
	defer s.tagIndexMu.Unlock()
	name, ok := s.tagIndex[h]
	return name, ok
}

// MarkOnline records a successful I/O at the current instant.
func (s *UidStore) MarkOnline(at time.Time) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	s.online = OnlineState{LastOK: at}
}

// MarkOffline records an I/O failure.
func (s *UidStore) MarkOffline(at time.Time, err error) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	s.online = OnlineState{LastOK: at, Err: err}
}

// IsOnline reports the current online state, promoting a stale Ok to an
// implicit timeout error if ProtocolIdleTimeout has elapsed since the last
// observed success.
func (s *UidStore) IsOnline(now time.Time) (bool, error) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if s.online.Err != nil {
		return false, s.online.Err
	}
	if s.online.LastOK.IsZero() {
		return false, imap.ErrOffline
	}
	if now.Sub(s.online.LastOK) > ProtocolIdleTimeout {
		return false, imap.NewError(imap.KindNetwork, "idle-timeout", nil)
	}
	return true, nil
}

// SetConsumer installs (or replaces) the event consumer.
func (s *UidStore) SetConsumer(c EventConsumer) {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()
	s.consumer = c
}

// Emit delivers an event to the installed consumer, if any. Per spec §6,
// the consumer runs synchronously on the observing goroutine and must not
// block for long.
func (s *UidStore) Emit(ev BackendEvent) {
	ev.Account = s.Account
	s.consumerMu.RLock()
	c := s.consumer
	s.consumerMu.RUnlock()
	if c != nil {
		c(ev)
	}
}
