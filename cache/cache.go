// Package cache defines the persisted-state contract spec §6 describes for
// a `keep_offline_cache`-enabled account: "the cache implements
// mailbox_state(h), clear(h, select_response), insert_envelopes(h,
// fetch_responses). The core treats the cache as write-through and
// tolerates every operation returning an error (logged, non-fatal)."
//
// This module never ships a disk-backed implementation of its own — no
// on-disk cache engine appears anywhere in spec.md's Non-goals list of
// things the core stays agnostic to (spec.md: "local on-disk cache
// engines (the core only talks to a Cache capability)") — only the
// interface, plus a Memory reference implementation useful for tests and
// for embedders that want process-lifetime caching without a real store.
package cache

import (
	"sync"

	imap "github.com/doveterm/imapcore"
)

// MailboxState is what a cache remembers about one mailbox across
// restarts: enough for the resynchronizer to tell a mailbox it has never
// seen from one it has, without needing any in-memory bookkeeping of its
// own to survive a process restart.
type MailboxState struct {
	Known       bool
	UIDValidity uint32
	UIDNext     imap.UID
}

// Envelope is the minimal shape InsertEnvelopes persists: deliberately not
// store.Envelope, so a Cache implementation never has to import the store
// package just to satisfy this interface.
type Envelope struct {
	UID     imap.UID
	Hash    imap.EnvelopeHash
	Flags   []imap.Flag
	Subject string
}

// Cache is the persisted-state contract. Every method may be called from
// any goroutine; implementations are responsible for their own locking.
type Cache interface {
	// MailboxState returns what's on record for mailbox h. A cache with no
	// prior record for h returns a zero MailboxState with Known false and
	// a nil error, not an error — "unknown mailbox" is a normal outcome on
	// first contact, not a failure.
	MailboxState(h imap.MailboxHash) (MailboxState, error)

	// Clear discards everything cached for mailbox h, recording sel's
	// UIDVALIDITY/UIDNext as the new baseline for MailboxState. sel is nil
	// when the mailbox is being discarded entirely (e.g. DELETE) rather
	// than resynchronized after a UIDVALIDITY mismatch.
	Clear(h imap.MailboxHash, sel *imap.SelectData) error

	// InsertEnvelopes records newly-seen envelopes for mailbox h.
	InsertEnvelopes(h imap.MailboxHash, envelopes []Envelope) error
}

// Memory is a process-lifetime Cache backed by plain maps: no ecosystem
// library in the retrieval pack offers an embedded on-disk KV store, so
// this is implemented directly against the standard library rather than
// reaching for one not grounded in any example repo (see DESIGN.md).
// Memory satisfies the write-through contract structurally (every write
// either succeeds or is a bug, never a non-fatal I/O failure) — it exists
// to give SPEC_FULL.md's Cache capability a concrete, exercised caller,
// not to model a real persistence backend's failure modes.
type Memory struct {
	mu    sync.Mutex
	state map[imap.MailboxHash]MailboxState
	envs  map[imap.MailboxHash]map[imap.UID]Envelope
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		state: make(map[imap.MailboxHash]MailboxState),
		envs:  make(map[imap.MailboxHash]map[imap.UID]Envelope),
	}
}

func (m *Memory) MailboxState(h imap.MailboxHash) (MailboxState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[h], nil
}

func (m *Memory) Clear(h imap.MailboxHash, sel *imap.SelectData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envs, h)
	if sel == nil {
		delete(m.state, h)
		return nil
	}
	m.state[h] = MailboxState{Known: true, UIDValidity: sel.UIDValidity, UIDNext: sel.UIDNext}
	return nil
}

func (m *Memory) InsertEnvelopes(h imap.MailboxHash, envelopes []Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUID, ok := m.envs[h]
	if !ok {
		byUID = make(map[imap.UID]Envelope)
		m.envs[h] = byUID
	}
	for _, e := range envelopes {
		byUID[e.UID] = e
	}
	st := m.state[h]
	st.Known = true
	m.state[h] = st
	return nil
}
