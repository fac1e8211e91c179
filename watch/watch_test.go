package watch

import (
	"testing"

	imap "github.com/doveterm/imapcore"
)

func TestFindInboxTarget_PicksParentlessInbox(t *testing.T) {
	inbox := imap.MailboxHash(1)
	archive := imap.MailboxHash(2)
	mailboxes := map[imap.MailboxHash]*imap.MailboxInfo{
		inbox:   {Hash: inbox, SpecialUse: imap.SpecialUseInbox, HasParent: false},
		archive: {Hash: archive, SpecialUse: imap.SpecialUseArchive, HasParent: false},
	}

	got, ok := findInboxTarget(mailboxes)
	if !ok || got != inbox {
		t.Fatalf("findInboxTarget = %v, %v, want %v, true", got, ok, inbox)
	}
}

func TestFindInboxTarget_IgnoresNestedInboxLookalike(t *testing.T) {
	nested := imap.MailboxHash(3)
	mailboxes := map[imap.MailboxHash]*imap.MailboxInfo{
		nested: {Hash: nested, SpecialUse: imap.SpecialUseInbox, HasParent: true},
	}

	if _, ok := findInboxTarget(mailboxes); ok {
		t.Error("findInboxTarget should reject an Inbox-special-use mailbox that has a parent")
	}
}

func TestFindInboxTarget_NoneFound(t *testing.T) {
	if _, ok := findInboxTarget(nil); ok {
		t.Error("findInboxTarget on an empty map should report not found")
	}
}

func TestFindInboxTarget_FallsBackToLiteralInboxPath(t *testing.T) {
	inbox := imap.MailboxHash(4)
	other := imap.MailboxHash(5)
	mailboxes := map[imap.MailboxHash]*imap.MailboxInfo{
		other: {Hash: other, IMAPPath: "Archive"},
		inbox: {Hash: inbox, IMAPPath: "inbox"},
	}

	got, ok := findInboxTarget(mailboxes)
	if !ok || got != inbox {
		t.Fatalf("findInboxTarget = %v, %v, want %v, true (case-insensitive literal INBOX fallback)", got, ok, inbox)
	}
}
