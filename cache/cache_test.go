package cache

import (
	"testing"

	imap "github.com/doveterm/imapcore"
)

func TestMemoryMailboxState_UnknownIsNotError(t *testing.T) {
	m := NewMemory()
	st, err := m.MailboxState(imap.MailboxHash(1))
	if err != nil {
		t.Fatalf("MailboxState on an empty cache returned an error: %v", err)
	}
	if st.Known {
		t.Error("MailboxState.Known should be false for a mailbox never cleared/inserted")
	}
}

func TestMemoryClearThenInsert(t *testing.T) {
	m := NewMemory()
	h := imap.MailboxHash(1)

	if err := m.Clear(h, &imap.SelectData{UIDValidity: 42, UIDNext: 100}); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err := m.MailboxState(h)
	if err != nil || !st.Known || st.UIDValidity != 42 {
		t.Fatalf("MailboxState after Clear = %+v, %v", st, err)
	}

	if err := m.InsertEnvelopes(h, []Envelope{{UID: 1, Subject: "hi"}}); err != nil {
		t.Fatalf("InsertEnvelopes: %v", err)
	}
}

func TestMemoryClearWithNilSelectDiscardsState(t *testing.T) {
	m := NewMemory()
	h := imap.MailboxHash(1)
	_ = m.Clear(h, &imap.SelectData{UIDValidity: 1})
	_ = m.Clear(h, nil)

	st, _ := m.MailboxState(h)
	if st.Known {
		t.Error("Clear(h, nil) should discard MailboxState entirely, not just the envelopes")
	}
}
