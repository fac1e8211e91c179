// Package backend implements the ImapBackend/MailBackend facade of spec
// §4.6: the uniform operation surface (mailboxes, fetch, refresh, watch,
// operation, save, set_flags, copy_messages, search, create/delete/
// rename/subscribe_mailbox) the UI drives an account through.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/conn"
	"github.com/doveterm/imapcore/resync"
	"github.com/doveterm/imapcore/store"
	"github.com/doveterm/imapcore/watch"
)

// fetchBatchSize bounds how many envelopes Fetch yields per call, per
// spec §4.6 ("produce at most N envelopes per yield, N ≈ 250").
const fetchBatchSize = 250

// FlagChange is one entry of a set_flags batch: add or remove a single
// flag/keyword across every envelope in the batch.
type FlagChange struct {
	Flag   imap.Flag
	Remove bool
}

// Backend is the per-account facade spec §4.6 describes. It owns the main
// connection's Session (serializing every operation below it through the
// Session's Client) and the resync/watch helpers layered over the same
// store.
type Backend struct {
	Account  imap.AccountHash
	Session  *conn.Session
	Resyncer *resync.Resyncer
	Store    *store.UidStore
	Watcher  *watch.Watcher
	Logger   *slog.Logger
}

// New builds a Backend. logger may be nil, in which case slog.Default is used.
func New(account imap.AccountHash, sess *conn.Session, r *resync.Resyncer, s *store.UidStore, w *watch.Watcher, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{Account: account, Session: sess, Resyncer: r, Store: s, Watcher: w, Logger: logger}
}

// Mailboxes returns a snapshot of the account's mailbox map.
func (b *Backend) Mailboxes() (map[imap.MailboxHash]*imap.MailboxInfo, error) {
	return b.Store.Mailboxes(), nil
}

// RefreshMailboxList re-runs LIST and rebuilds the store's mailbox map
// from the results, discovering newly created/deleted/renamed mailboxes.
// Grounded on the teacher's client/mailbox.go ListMailboxes.
func (b *Backend) RefreshMailboxList() error {
	entries, err := b.Session.Client.ListMailboxes("", "*")
	if err != nil {
		return imap.NewError(imap.KindNetwork, "mailboxes", err)
	}
	for _, entry := range entries {
		info := imap.NewMailboxInfo(b.Account, entry)
		if existing, ok := b.Store.Mailbox(info.Hash); ok {
			info.Select = existing.Select
			info.Exists = existing.Exists
			info.Unseen = existing.Unseen
		}
		b.Store.SetMailbox(info)
	}
	return nil
}

// fetchEnvelopeItems mirrors resync's fetch item list: ENVELOPE/FLAGS plus
// the References header, needed to build a complete store.Envelope.
const fetchEnvelopeItems = "(UID FLAGS ENVELOPE BODY.PEEK[HEADER.FIELDS (REFERENCES)])"

// Fetch streams the mailbox's envelopes in batches of ≈250, live off the
// server (UidStore holds only index metadata, not envelope bodies — those
// are handed to the event consumer as they're produced, per spec §6). The
// UID list itself comes from msn_index, so the mailbox must already have
// been resynced at least once (Refresh/resync.Resyncer.Resync). yield is
// called until it returns false or every batch has been delivered.
func (b *Backend) Fetch(mailbox imap.MailboxHash, yield func([]*store.Envelope) bool) error {
	info, ok := b.Store.Mailbox(mailbox)
	if !ok {
		return imap.NewError(imap.KindNotFound, "fetch", fmt.Errorf("unknown mailbox hash %d", mailbox))
	}
	uids := b.Store.MSN(mailbox)
	if uids == nil {
		return imap.NewError(imap.KindNotFound, "fetch", fmt.Errorf("mailbox %d has no resynced state", mailbox))
	}
	if _, err := b.Session.Select(mailbox, false); err != nil {
		return imap.NewError(imap.KindNetwork, "fetch", err)
	}

	for start := 0; start < len(uids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		rows, err := b.Session.Client.UIDFetch(uidSetArgFromUIDs(uids[start:end]), fetchEnvelopeItems)
		if err != nil {
			return imap.NewError(imap.KindNetwork, "fetch", err)
		}

		batch := make([]*store.Envelope, 0, len(rows))
		for _, line := range rows {
			pf, perr := conn.ParseFetchResponse(line)
			if perr != nil || pf.UID == 0 {
				continue
			}
			env := store.FromIMAPEnvelope(pf.Envelope)
			env.Hash = imap.NewEnvelopeHash(info.IMAPPath, pf.UID)
			env.UID = pf.UID
			env.MailboxHash = mailbox
			env.Flags = pf.Flags
			if raw := pf.HeaderFields["HEADER.FIELDS (REFERENCES)"]; raw != "" {
				if i := strings.IndexByte(raw, ':'); i >= 0 {
					for _, f := range strings.Fields(raw[i+1:]) {
						env.References = append(env.References, strings.Trim(f, "<>"))
					}
				}
			}
			batch = append(batch, env)
		}
		if len(batch) > 0 && !yield(batch) {
			return nil
		}
	}
	return nil
}

// uidSetArgFromUIDs renders a comma-separated UID set for a UID FETCH/
// STORE/COPY command argument.
func uidSetArgFromUIDs(uids []imap.UID) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = fmt.Sprintf("%d", u)
	}
	return strings.Join(parts, ",")
}

// Refresh resynchronizes one mailbox, emitting events via the store's
// consumer as it goes.
func (b *Backend) Refresh(mailbox imap.MailboxHash) error {
	return b.Resyncer.Resync(mailbox)
}

// Watch runs the account's long-running watch task until ctx is
// canceled. Fatal errors are reported to the caller rather than only
// surfaced as Failure events, since watch() returning at all is itself
// the signal that the long-running task has ended.
func (b *Backend) Watch(ctx context.Context) error {
	if b.Watcher == nil {
		return imap.NewError(imap.KindConfiguration, "watch", fmt.Errorf("backend has no watcher configured"))
	}
	return b.Watcher.Run(ctx)
}

// Operation fetches one message's raw bytes and current flags directly
// from the server (BODY.PEEK[] doesn't implicitly mark \Seen).
func (b *Backend) Operation(envHash imap.EnvelopeHash) (raw []byte, flags []imap.Flag, err error) {
	loc, ok := b.Store.Location(envHash)
	if !ok {
		return nil, nil, imap.NewError(imap.KindNotFound, "operation", fmt.Errorf("unknown envelope hash %d", envHash))
	}
	if _, err := b.Session.Select(loc.Mailbox, false); err != nil {
		return nil, nil, imap.NewError(imap.KindNetwork, "operation", err)
	}

	rows, err := b.Session.Client.UIDFetch(fmt.Sprintf("%d", loc.UID), "(FLAGS BODY.PEEK[])")
	if err != nil {
		return nil, nil, imap.NewError(imap.KindNetwork, "operation", err)
	}
	for _, line := range rows {
		pf, perr := conn.ParseFetchResponse(line)
		if perr != nil || pf.UID != loc.UID {
			continue
		}
		return []byte(pf.HeaderFields[""]), pf.Flags, nil
	}
	return nil, nil, imap.NewError(imap.KindProtocol, "operation", fmt.Errorf("server returned no FETCH row for uid %d", loc.UID))
}

// Save appends a message literal to mailbox with the given initial flags
// (APPEND, RFC 3501 §6.3.11).
func (b *Backend) Save(literal []byte, mailbox imap.MailboxHash, flags []imap.Flag) error {
	info, ok := b.Store.Mailbox(mailbox)
	if !ok {
		return imap.NewError(imap.KindNotFound, "save", fmt.Errorf("unknown mailbox hash %d", mailbox))
	}
	if !info.Permissions.CanSetFlags {
		return imap.NewError(imap.KindPermission, "save", imap.ErrReadOnlyBox)
	}
	if _, err := b.Session.Client.Append(info.IMAPPath, flags, literal); err != nil {
		return imap.NewError(imap.KindNetwork, "save", err)
	}
	return nil
}

// SetFlags applies changes to every envelope in envBatch, one UID STORE
// per add/remove direction (RFC 3501 §6.4.6 +FLAGS/-FLAGS).
func (b *Backend) SetFlags(envBatch []imap.EnvelopeHash, mailbox imap.MailboxHash, changes []FlagChange) error {
	info, ok := b.Store.Mailbox(mailbox)
	if !ok {
		return imap.NewError(imap.KindNotFound, "set_flags", fmt.Errorf("unknown mailbox hash %d", mailbox))
	}
	if !info.Permissions.CanSetFlags {
		return imap.NewError(imap.KindPermission, "set_flags", imap.ErrReadOnlyBox)
	}
	if _, err := b.Session.Select(mailbox, false); err != nil {
		return imap.NewError(imap.KindNetwork, "set_flags", err)
	}

	uidSet, err := b.uidSetArg(mailbox, envBatch)
	if err != nil {
		return err
	}

	var add, remove []imap.Flag
	for _, c := range changes {
		if c.Remove {
			remove = append(remove, c.Flag)
		} else {
			add = append(add, c.Flag)
		}
	}
	if len(add) > 0 {
		if err := b.Session.Client.UIDStore(uidSet, imap.StoreFlagsAdd, add, true); err != nil {
			return imap.NewError(imap.KindNetwork, "set_flags", err)
		}
	}
	if len(remove) > 0 {
		if err := b.Session.Client.UIDStore(uidSet, imap.StoreFlagsDel, remove, true); err != nil {
			return imap.NewError(imap.KindNetwork, "set_flags", err)
		}
	}
	return nil
}

// CopyMessages copies (or, if move is true, moves) envBatch from src to
// dst: UID COPY, then on move, UID STORE \Deleted followed by EXPUNGE.
func (b *Backend) CopyMessages(envBatch []imap.EnvelopeHash, src, dst imap.MailboxHash, move bool) error {
	dstInfo, ok := b.Store.Mailbox(dst)
	if !ok {
		return imap.NewError(imap.KindNotFound, "copy_messages", fmt.Errorf("unknown destination mailbox %d", dst))
	}
	if _, err := b.Session.Select(src, false); err != nil {
		return imap.NewError(imap.KindNetwork, "copy_messages", err)
	}

	uidSet, err := b.uidSetArg(src, envBatch)
	if err != nil {
		return err
	}

	// RFC 6851 MOVE only has a sequence-number form in this client
	// surface (conn.Client.Move); envelope hashes only resolve to UIDs,
	// so a move always goes through UID COPY + UID STORE \Deleted +
	// EXPUNGE, exactly as spec §4.6's table specifies.
	if _, err := b.Session.Client.UIDCopy(uidSet, dstInfo.IMAPPath); err != nil {
		return imap.NewError(imap.KindNetwork, "copy_messages", err)
	}
	if !move {
		return nil
	}
	if err := b.Session.Client.UIDStore(uidSet, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}, true); err != nil {
		return imap.NewError(imap.KindNetwork, "copy_messages", err)
	}
	if err := b.Session.Client.Expunge(); err != nil {
		return imap.NewError(imap.KindNetwork, "copy_messages", err)
	}
	return nil
}

// Search runs a server-side SEARCH and resolves the resulting UIDs to
// envelope hashes via the store. query is a raw IMAP SEARCH criteria
// string (e.g. `UNSEEN SINCE 1-Jan-2026`) rather than a parsed AST — the
// abstract query type spec.md leaves unspecified is left to the caller to
// build, the same way the teacher's own Search/UIDSearch take a raw
// criteria string rather than a typed builder.
func (b *Backend) Search(query string, mailbox imap.MailboxHash) ([]imap.EnvelopeHash, error) {
	if _, err := b.Session.Select(mailbox, false); err != nil {
		return nil, imap.NewError(imap.KindNetwork, "search", err)
	}
	uids, err := b.Session.Client.UIDSearch(query)
	if err != nil {
		return nil, imap.NewError(imap.KindNetwork, "search", err)
	}
	hashes := make([]imap.EnvelopeHash, 0, len(uids))
	for _, u := range uids {
		if hash, ok := b.Store.EnvelopeHash(mailbox, imap.UID(u)); ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// CreateMailbox creates a mailbox and refreshes the mailbox map.
func (b *Backend) CreateMailbox(path string) error {
	if err := b.Session.Client.Create(path); err != nil {
		return imap.NewError(imap.KindNetwork, "create_mailbox", err)
	}
	return b.RefreshMailboxList()
}

// DeleteMailbox deletes a mailbox and refreshes the mailbox map.
func (b *Backend) DeleteMailbox(path string) error {
	h := imap.NewMailboxHash(b.Account, path)
	if info, ok := b.Store.Mailbox(h); ok && !info.Permissions.CanRemove {
		return imap.NewError(imap.KindPermission, "delete_mailbox", fmt.Errorf("mailbox %q cannot be removed", path))
	}
	if err := b.Session.Client.Delete(path); err != nil {
		return imap.NewError(imap.KindNetwork, "delete_mailbox", err)
	}
	b.Store.DeleteMailbox(h)
	return b.RefreshMailboxList()
}

// RenameMailbox renames a mailbox and refreshes the mailbox map.
func (b *Backend) RenameMailbox(oldPath, newPath string) error {
	if err := b.Session.Client.Rename(oldPath, newPath); err != nil {
		return imap.NewError(imap.KindNetwork, "rename_mailbox", err)
	}
	b.Store.DeleteMailbox(imap.NewMailboxHash(b.Account, oldPath))
	return b.RefreshMailboxList()
}

// SubscribeMailbox subscribes (or unsubscribes) a mailbox, refreshing the
// mailbox map's Subscribed bit afterward.
func (b *Backend) SubscribeMailbox(path string, subscribe bool) error {
	var err error
	if subscribe {
		err = b.Session.Client.Subscribe(path)
	} else {
		err = b.Session.Client.Unsubscribe(path)
	}
	if err != nil {
		return imap.NewError(imap.KindNetwork, "subscribe_mailbox", err)
	}
	h := imap.NewMailboxHash(b.Account, path)
	if info, ok := b.Store.Mailbox(h); ok {
		info.Subscribed = subscribe
		b.Store.SetMailbox(info)
	}
	return nil
}

// uidSetArg resolves a batch of envelope hashes to a comma-separated UID
// set string scoped to mailbox, skipping any hash that no longer
// resolves (already expunged underneath the caller).
func (b *Backend) uidSetArg(mailbox imap.MailboxHash, batch []imap.EnvelopeHash) (string, error) {
	var parts []string
	for _, h := range batch {
		loc, ok := b.Store.Location(h)
		if !ok || loc.Mailbox != mailbox {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", loc.UID))
	}
	if len(parts) == 0 {
		return "", imap.NewError(imap.KindNotFound, "set_flags", fmt.Errorf("none of the requested envelopes resolve in mailbox %d", mailbox))
	}
	return strings.Join(parts, ","), nil
}
