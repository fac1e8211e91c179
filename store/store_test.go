package store

import (
	"errors"
	"testing"
	"time"

	imap "github.com/doveterm/imapcore"
)

func testAccount() imap.AccountHash {
	return imap.NewAccountHash("work", "imap.example.com")
}

func TestPutEnvelope_MutualInverse(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	hash := imap.NewEnvelopeHash("INBOX", 42)

	s.PutEnvelope(mbox, 42, hash)

	got, ok := s.EnvelopeHash(mbox, 42)
	if !ok || got != hash {
		t.Fatalf("EnvelopeHash = %v, %v, want %v, true", got, ok, hash)
	}
	loc, ok := s.Location(hash)
	if !ok || loc.Mailbox != mbox || loc.UID != 42 {
		t.Fatalf("Location = %+v, %v, want mailbox %v uid 42", loc, ok, mbox)
	}
}

func TestRemoveEnvelope_ClearsBothMaps(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	hash := imap.NewEnvelopeHash("INBOX", 7)
	s.PutEnvelope(mbox, 7, hash)

	removed, ok := s.RemoveEnvelope(mbox, 7)
	if !ok || removed != hash {
		t.Fatalf("RemoveEnvelope = %v, %v, want %v, true", removed, ok, hash)
	}
	if _, ok := s.EnvelopeHash(mbox, 7); ok {
		t.Error("uid_index entry should be gone")
	}
	if _, ok := s.Location(hash); ok {
		t.Error("hash_index entry should be gone")
	}
}

func TestMSNRemoveAt_ShiftsSuffixLeft(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	s.SetMSN(mbox, []imap.UID{10, 20, 30, 40})

	removed := s.MSNRemoveAt(mbox, 2) // removes UID 20 (seq 2)
	if removed != 20 {
		t.Fatalf("removed = %d, want 20", removed)
	}
	got := s.MSN(mbox)
	want := []imap.UID{10, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("MSN = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MSN = %v, want %v", got, want)
		}
	}
}

func TestMSNRemoveAt_OutOfRange(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	s.SetMSN(mbox, []imap.UID{1, 2})
	if got := s.MSNRemoveAt(mbox, 5); got != 0 {
		t.Errorf("MSNRemoveAt out of range = %d, want 0", got)
	}
}

func TestCheckUIDValidity_FirstSeenIsNotAMismatch(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	if s.CheckUIDValidity(mbox, 100) {
		t.Error("first observation should not be a mismatch")
	}
	v, ok := s.UIDValidity(mbox)
	if !ok || v != 100 {
		t.Fatalf("UIDValidity = %d, %v, want 100, true", v, ok)
	}
}

func TestCheckUIDValidity_Mismatch(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	s.CheckUIDValidity(mbox, 100)
	if !s.CheckUIDValidity(mbox, 200) {
		t.Error("changed UIDVALIDITY should report a mismatch")
	}
	v, _ := s.UIDValidity(mbox)
	if v != 200 {
		t.Errorf("UIDValidity = %d, want 200 (updated even on mismatch)", v)
	}
}

func TestPurgeMailbox_ClearsAllIndices(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := imap.NewMailboxHash(testAccount(), "INBOX")
	hash := imap.NewEnvelopeHash("INBOX", 1)
	s.PutEnvelope(mbox, 1, hash)
	s.SetMSN(mbox, []imap.UID{1})

	s.PurgeMailbox(mbox, nil)

	if _, ok := s.EnvelopeHash(mbox, 1); ok {
		t.Error("uid_index should be purged")
	}
	if _, ok := s.Location(hash); ok {
		t.Error("hash_index should be purged")
	}
	if msn := s.MSN(mbox); len(msn) != 0 {
		t.Errorf("msn_index should be purged, got %v", msn)
	}
}

func TestInternTag_StableAcrossCalls(t *testing.T) {
	s := New(testAccount(), nil)
	h1 := s.InternTag("Project/X")
	h2 := s.InternTag("Project/X")
	if h1 != h2 {
		t.Errorf("InternTag not stable: %v != %v", h1, h2)
	}
	name, ok := s.TagName(h1)
	if !ok || name != "Project/X" {
		t.Errorf("TagName = %q, %v, want %q, true", name, ok, "Project/X")
	}
}

func TestCapabilities_ReplacedWholesale(t *testing.T) {
	s := New(testAccount(), nil)
	if s.Capabilities().Len() != 0 {
		t.Fatal("new store should start with empty capability set")
	}
	next := imap.NewCapSet(imap.CapIMAP4rev1, imap.CapIdle)
	s.SetCapabilities(next)
	if !s.Capabilities().Has(imap.CapIdle) {
		t.Error("capabilities should reflect the replaced set")
	}
}

func TestIsOnline_TimesOutAfterProtocolIdleTimeout(t *testing.T) {
	s := New(testAccount(), nil)
	now := time.Now()
	s.MarkOnline(now.Add(-ProtocolIdleTimeout - time.Minute))

	ok, err := s.IsOnline(now)
	if ok || err == nil {
		t.Error("IsOnline should report offline once the idle ceiling has passed")
	}
}

func TestIsOnline_ExplicitErrorWins(t *testing.T) {
	s := New(testAccount(), nil)
	now := time.Now()
	want := errors.New("connection reset")
	s.MarkOffline(now, want)

	ok, err := s.IsOnline(now)
	if ok || !errors.Is(err, want) {
		t.Errorf("IsOnline = %v, %v, want false, %v", ok, err, want)
	}
}

func TestEmit_SetsAccountAndCallsConsumer(t *testing.T) {
	var got BackendEvent
	account := testAccount()
	s := New(account, func(ev BackendEvent) { got = ev })

	mbox := imap.NewMailboxHash(account, "INBOX")
	s.Emit(BackendEvent{Mailbox: mbox, Kind: EventRescan})

	if got.Account != account {
		t.Errorf("Emit did not stamp Account: got %v, want %v", got.Account, account)
	}
	if got.Kind != EventRescan {
		t.Errorf("Emit Kind = %v, want EventRescan", got.Kind)
	}
}

func TestMailboxes_SnapshotIsACopy(t *testing.T) {
	s := New(testAccount(), nil)
	mbox := &imap.MailboxInfo{Hash: imap.NewMailboxHash(testAccount(), "INBOX"), IMAPPath: "INBOX"}
	s.SetMailbox(mbox)

	snap := s.Mailboxes()
	delete(snap, mbox.Hash)

	if _, ok := s.Mailbox(mbox.Hash); !ok {
		t.Error("deleting from a snapshot must not affect the store")
	}
}
