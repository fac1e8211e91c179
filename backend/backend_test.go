package backend

import (
	"testing"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/store"
)

func TestUidSetArgFromUIDs(t *testing.T) {
	got := uidSetArgFromUIDs([]imap.UID{5, 6, 100})
	want := "5,6,100"
	if got != want {
		t.Errorf("uidSetArgFromUIDs = %q, want %q", got, want)
	}
}

func TestUidSetArgFromUIDs_Empty(t *testing.T) {
	if got := uidSetArgFromUIDs(nil); got != "" {
		t.Errorf("uidSetArgFromUIDs(nil) = %q, want empty string", got)
	}
}

func TestUidSetArg_SkipsHashesOutsideMailbox(t *testing.T) {
	account := imap.NewAccountHash("work", "imap.example.com")
	mbox := imap.NewMailboxHash(account, "INBOX")
	other := imap.NewMailboxHash(account, "Archive")

	s := store.New(account, nil)
	inHash := imap.NewEnvelopeHash("INBOX", 1)
	outHash := imap.NewEnvelopeHash("Archive", 2)
	s.PutEnvelope(mbox, 1, inHash)
	s.PutEnvelope(other, 2, outHash)

	b := &Backend{Store: s}
	got, err := b.uidSetArg(mbox, []imap.EnvelopeHash{inHash, outHash})
	if err != nil {
		t.Fatalf("uidSetArg error: %v", err)
	}
	if got != "1" {
		t.Errorf("uidSetArg = %q, want %q (the out-of-mailbox hash should be skipped)", got, "1")
	}
}

func TestUidSetArg_NoneResolve(t *testing.T) {
	account := imap.NewAccountHash("work", "imap.example.com")
	mbox := imap.NewMailboxHash(account, "INBOX")
	s := store.New(account, nil)

	b := &Backend{Store: s}
	if _, err := b.uidSetArg(mbox, []imap.EnvelopeHash{imap.NewEnvelopeHash("INBOX", 99)}); err == nil {
		t.Error("uidSetArg should error when no hash in the batch resolves")
	}
}
