// Package resync implements the per-mailbox resynchronization algorithm:
// bringing the shared UidStore's view of a mailbox's messages up to date
// with the server, whether that mailbox has never been fetched before
// (cold path), already has some messages cached (warm path), or the
// connection supports CONDSTORE/QRESYNC and can ask the server directly
// what changed since last time.
//
// This is deliberately a separate package from conn: building the initial
// msn_index via `UID SEARCH 1:*` and deciding when to run a warm-vs-cold
// fetch are resynchronization concerns, not connection-selection ones —
// conn.Session.Select only ever does the bare SELECT/EXAMINE and the
// UIDVALIDITY-purge side effect that belongs to every select, QRESYNC or
// not.
package resync

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/cache"
	"github.com/doveterm/imapcore/conn"
	"github.com/doveterm/imapcore/metrics"
	"github.com/doveterm/imapcore/store"
)

// fetchItems is the attribute list requested for every new-message fetch:
// enough to build an Envelope with its threading (References) data without
// pulling the full body. BODYSTRUCTURE is not requested, so assembled
// envelopes never have HasAttachments set.
const fetchItems = "(UID FLAGS ENVELOPE BODY.PEEK[HEADER.FIELDS (REFERENCES)])"

const referencesSection = "HEADER.FIELDS (REFERENCES)"

// Resyncer runs the spec's per-mailbox resynchronization algorithm against
// one account's session and store. It keeps its own small bookkeeping
// (which mailboxes have completed their cold init, and the last
// HIGHESTMODSEQ observed per mailbox) — state that belongs to
// resynchronization scheduling, not to the UidStore's own invariants.
type Resyncer struct {
	Session *conn.Session
	Store   *store.UidStore
	Logger  *slog.Logger
	// Metrics is optional; a nil *metrics.Set makes every Record* call a
	// no-op, so callers that don't run a Prometheus registry can leave
	// this unset.
	Metrics *metrics.Set

	mu              sync.Mutex
	warmed          map[imap.MailboxHash]bool
	highestModSeq   map[imap.MailboxHash]uint64
	qresyncWarnOnce map[imap.MailboxHash]bool
}

// New creates a Resyncer for one account's session and store.
func New(sess *conn.Session, s *store.UidStore, logger *slog.Logger) *Resyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resyncer{
		Session:         sess,
		Store:           s,
		Logger:          logger,
		warmed:          make(map[imap.MailboxHash]bool),
		highestModSeq:   make(map[imap.MailboxHash]uint64),
		qresyncWarnOnce: make(map[imap.MailboxHash]bool),
	}
}

// Resync brings mailbox h up to date, per spec §4.4: validity check (via
// Select, which purges and emits Rescan on a UIDVALIDITY mismatch), cold
// init on first contact, otherwise a warm sync for new messages plus a
// CONDSTORE or QRESYNC pass for flag/expunge changes.
func (r *Resyncer) Resync(h imap.MailboxHash) error {
	start := time.Now()
	kind := "warm"
	if !r.isWarm(h) {
		kind = "cold"
	}

	err := r.resync(h)
	r.Metrics.RecordResync(kind, time.Since(start).Seconds(), err)
	if err != nil {
		if imapErr, ok := err.(*imap.Error); ok {
			r.Metrics.RecordError("resync", imapErr.Kind.String())
		}
	}
	return err
}

func (r *Resyncer) resync(h imap.MailboxHash) error {
	info, ok := r.Store.Mailbox(h)
	if !ok {
		return imap.NewError(imap.KindNotFound, "resync", fmt.Errorf("unknown mailbox hash %d", h))
	}

	sel, err := r.selectForResync(h, info)
	if err != nil {
		return err
	}

	if err := r.ensureMSNIndex(h, sel); err != nil {
		return err
	}

	if !r.isWarm(h) {
		return r.coldInit(h, info)
	}

	return r.warmSync(h, info, sel)
}

// selectForResync chooses between a plain forced Select and a QRESYNC
// select, per the decided rule: QRESYNC requires CONDSTORE to have been
// negotiated; if the server advertises QRESYNC without CONDSTORE ever
// having been enabled for this mailbox, fall back to the basic path with a
// once-per-mailbox warning instead of sending a modifier the server may
// reject outright.
func (r *Resyncer) selectForResync(h imap.MailboxHash, info *imap.MailboxInfo) (*imap.SelectData, error) {
	modseq, haveModSeq := r.lastModSeq(h)
	uidValidity, haveValidity := r.Store.UIDValidity(h)

	canQResync := r.Session.Client.HasCap(string(imap.CapQResync)) &&
		r.Session.Client.HasCap(string(imap.CapCondStore)) &&
		haveModSeq && haveValidity

	if r.Session.Client.HasCap(string(imap.CapQResync)) && !r.Session.Client.HasCap(string(imap.CapCondStore)) {
		r.warnQResyncOnce(h)
	}

	if !canQResync {
		sel, err := r.Session.Select(h, true)
		if err != nil {
			return nil, err
		}
		return sel, nil
	}

	known := r.Store.MSN(h)
	knownSet := &imap.UIDSet{}
	if len(known) > 0 {
		knownSet.AddNum(known...)
	}

	sel, err := r.Session.SelectQResync(h, &imap.SelectQResync{
		UIDValidity: uidValidity,
		ModSeq:      modseq,
		KnownUIDs:   knownSet,
	})
	if err != nil {
		return nil, imap.NewError(imap.KindNetwork, "resync", err)
	}

	if sel.VanishedEarlier != nil {
		r.applyVanished(h, sel.VanishedEarlier)
	}
	return sel, nil
}

func (r *Resyncer) applyVanished(h imap.MailboxHash, vanished *imap.UIDSet) {
	for _, rng := range vanished.Ranges() {
		stop := rng.Stop
		if stop == 0 {
			continue // "*" in a VANISHED set is not meaningful; ignore rather than guess a bound
		}
		for uid := rng.Start; uid <= stop; uid++ {
			hash, ok := r.Store.RemoveEnvelope(h, imap.UID(uid))
			if !ok {
				continue
			}
			r.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventRemove, EnvelopeHash: hash})
		}
	}
}

func (r *Resyncer) warnQResyncOnce(h imap.MailboxHash) {
	r.mu.Lock()
	warned := r.qresyncWarnOnce[h]
	r.qresyncWarnOnce[h] = true
	r.mu.Unlock()
	if !warned {
		r.Logger.Warn("server advertises QRESYNC without CONDSTORE; falling back to basic sync", "mailbox", h)
	}
}

// ensureMSNIndex builds the mailbox's msn_index from scratch with
// `UID SEARCH 1:*` the first time resync sees it non-empty and the store
// has nothing cached yet. Per spec, this is a resynchronization concern:
// conn.Session.Select never populates msn_index itself.
func (r *Resyncer) ensureMSNIndex(h imap.MailboxHash, sel *imap.SelectData) error {
	if sel == nil || sel.NumMessages == 0 {
		return nil
	}
	if len(r.Store.MSN(h)) > 0 {
		return nil
	}
	uids, err := r.Session.Client.UIDSearch("1:*")
	if err != nil {
		return imap.NewError(imap.KindNetwork, "resync", err)
	}
	built := make([]imap.UID, len(uids))
	for i, u := range uids {
		built[i] = imap.UID(u)
	}
	r.Store.SetMSN(h, built)
	return nil
}

func (r *Resyncer) coldInit(h imap.MailboxHash, info *imap.MailboxInfo) error {
	if r.Session.Client.HasCap(string(imap.CapListStatus)) {
		if _, err := r.Session.Client.Status(info.IMAPPath, &imap.StatusOptions{NumMessages: true, NumUnseen: true}); err != nil {
			r.Logger.Warn("resync: LIST-STATUS cold init failed", "mailbox", h, "err", err)
		}
	} else if _, err := r.Session.Client.UIDSearch("UNSEEN"); err != nil {
		r.Logger.Warn("resync: SEARCH UNSEEN cold init failed", "mailbox", h, "err", err)
	}
	r.markWarm(h)
	return nil
}

func (r *Resyncer) warmSync(h imap.MailboxHash, info *imap.MailboxInfo, sel *imap.SelectData) error {
	localLen := len(r.Store.MSN(h))

	switch {
	case sel.NumRecent > 0:
		recent, err := r.Session.Client.UIDSearch("RECENT")
		if err != nil {
			return imap.NewError(imap.KindNetwork, "resync", err)
		}
		if len(recent) > 0 {
			rows, err := r.Session.Client.UIDFetch(uidSetArg(recent), fetchItems)
			if err != nil {
				return imap.NewError(imap.KindNetwork, "resync", err)
			}
			r.assembleRows(h, info, rows)
		}
	case int(sel.NumMessages) > localLen:
		rows, err := r.Session.Client.Fetch(fmt.Sprintf("%d:*", localLen+1), fetchItems)
		if err != nil {
			return imap.NewError(imap.KindNetwork, "resync", err)
		}
		r.assembleRows(h, info, rows)
	}

	return r.condstoreSync(h, sel)
}

// condstoreSync detects flag-only changes on already-known messages using
// CHANGEDSINCE (RFC 7162 §3.1.5), when CONDSTORE is enabled and a prior
// HIGHESTMODSEQ is on record for this mailbox.
func (r *Resyncer) condstoreSync(h imap.MailboxHash, sel *imap.SelectData) error {
	if !r.Session.Client.HasCap(string(imap.CapCondStore)) {
		return nil
	}
	prev, ok := r.lastModSeq(h)
	defer r.setModSeq(h, sel.HighestModSeq)
	if !ok || sel.HighestModSeq == 0 || sel.HighestModSeq <= prev {
		return nil
	}

	items := fmt.Sprintf("(FLAGS) (CHANGEDSINCE %d)", prev)
	rows, err := r.Session.Client.Fetch("1:*", items)
	if err != nil {
		return imap.NewError(imap.KindNetwork, "resync", err)
	}
	// A sequence-number FETCH need not carry UID, so rows without one are
	// resolved through msn_index.
	msn := r.Store.MSN(h)
	for _, line := range rows {
		pf, err := conn.ParseFetchResponse(line)
		if err != nil {
			continue
		}
		uid := pf.UID
		if uid == 0 && pf.SeqNum >= 1 && int(pf.SeqNum) <= len(msn) {
			uid = msn[pf.SeqNum-1]
		}
		if uid == 0 {
			continue
		}
		hash, ok := r.Store.EnvelopeHash(h, uid)
		if !ok {
			continue
		}
		r.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventNewFlags, EnvelopeHash: hash, Flags: pf.Flags})
	}
	return nil
}

// assembleRows builds an envelope from every FETCH row and, for whichever
// ones turn out new, inserts the batch into the optional offline cache in
// one call rather than once per message.
func (r *Resyncer) assembleRows(h imap.MailboxHash, info *imap.MailboxInfo, rows []string) {
	var forCache []cache.Envelope
	for _, line := range rows {
		env, err := r.assembleEnvelope(h, info, line)
		if err != nil {
			r.Logger.Warn("resync: dropping malformed FETCH row", "mailbox", h, "err", err)
			continue
		}
		if env != nil {
			forCache = append(forCache, cache.Envelope{UID: env.UID, Hash: env.Hash, Flags: env.Flags, Subject: env.Subject})
		}
	}
	if len(forCache) == 0 {
		return
	}
	if c := r.Store.Cache(); c != nil {
		if err := c.InsertEnvelopes(h, forCache); err != nil {
			r.Logger.Warn("resync: cache insert_envelopes failed", "mailbox", h, "err", err)
			r.Metrics.RecordError("resync", imap.KindCache.String())
		}
	}
}

// assembleEnvelope implements spec steps 4-6: build an envelope from one
// FETCH row, skip it if its (mailbox, uid) is already known, otherwise
// record it in the store and emit Create. Returns the assembled envelope
// so the caller can batch it into the offline cache, or nil if the row was
// a duplicate of an already-known (mailbox, uid).
func (r *Resyncer) assembleEnvelope(h imap.MailboxHash, info *imap.MailboxInfo, line string) (*store.Envelope, error) {
	pf, err := conn.ParseFetchResponse(line)
	if err != nil {
		return nil, err
	}
	if pf.UID == 0 {
		return nil, fmt.Errorf("fetch row missing UID")
	}
	if _, dup := r.Store.EnvelopeHash(h, pf.UID); dup {
		return nil, nil
	}

	hash := imap.NewEnvelopeHash(info.IMAPPath, pf.UID)
	env := store.FromIMAPEnvelope(pf.Envelope)
	env.Hash = hash
	env.UID = pf.UID
	env.MailboxHash = h
	env.Flags = pf.Flags
	env.Keywords = r.internKeywords(pf.Flags)
	env.References = parseReferences(pf.HeaderFields[referencesSection])

	r.Store.PutEnvelope(h, pf.UID, hash)
	r.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventCreate, Envelope: env})
	return env, nil
}

func (r *Resyncer) internKeywords(flags []imap.Flag) []imap.TagHash {
	var out []imap.TagHash
	for _, f := range flags {
		if strings.HasPrefix(string(f), "\\") {
			continue
		}
		out = append(out, r.Store.InternTag(string(f)))
	}
	return out
}

// parseReferences extracts message-IDs from the raw
// "References: <a> <b>\r\n\r\n" text of a HEADER.FIELDS (REFERENCES)
// section, unfolding continuation lines and stripping angle brackets.
func parseReferences(raw string) []string {
	if raw == "" {
		return nil
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil
	}
	body := strings.NewReplacer("\r\n", " ", "\n", " ").Replace(raw[idx+1:])
	fields := strings.Fields(body)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.Trim(f, "<>"))
	}
	return out
}

func uidSetArg(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}

// isWarm reports whether h has already completed cold init this session,
// falling back to the offline cache's MailboxState when the in-memory
// flag was never set — e.g. right after a process restart, where the
// cache may already know this mailbox even though r.warmed starts empty.
func (r *Resyncer) isWarm(h imap.MailboxHash) bool {
	r.mu.Lock()
	warm := r.warmed[h]
	r.mu.Unlock()
	if warm {
		return true
	}
	if c := r.Store.Cache(); c != nil {
		if st, err := c.MailboxState(h); err == nil && st.Known {
			r.markWarm(h)
			return true
		}
	}
	return false
}

func (r *Resyncer) markWarm(h imap.MailboxHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warmed[h] = true
}

func (r *Resyncer) lastModSeq(h imap.MailboxHash) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.highestModSeq[h]
	return v, ok
}

func (r *Resyncer) setModSeq(h imap.MailboxHash, v uint64) {
	if v == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highestModSeq[h] = v
}
