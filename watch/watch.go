// Package watch implements the account-level watch task of spec §4.5: IDLE
// on a dedicated connection when the server supports it, driving resync on
// every other subscribed mailbox off the shared main connection, or a plain
// timed poll of every subscribed mailbox when it doesn't.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/conn"
	"github.com/doveterm/imapcore/metrics"
	"github.com/doveterm/imapcore/resync"
	"github.com/doveterm/imapcore/store"
)

const (
	// heartbeatInterval bounds how long IDLE is left running uninterrupted:
	// some middleboxes and servers drop a connection that sits silent for
	// too long, so IDLE is periodically broken and re-entered even with no
	// server activity to react to.
	heartbeatInterval = 10 * time.Minute

	// pollPeersInterval is how often mailboxes other than the IDLE target
	// are resynced while IDLE watches the inbox.
	pollPeersInterval = 5 * time.Minute

	// pollInterval is the tick rate of the no-IDLE fallback.
	pollInterval = 3 * time.Minute
)

// Dialer dials, authenticates, and returns a fresh Session. The watcher
// calls it to replace either connection after a network error; it knows
// nothing about how to reach the server beyond that.
type Dialer func(ctx context.Context) (*conn.Session, error)

// Watcher runs the single watch task described in spec §4.5 for one
// account. Idle is a dedicated connection used only for IDLE; Resyncer
// wraps the shared main connection used for everything the IDLE connection
// itself must not be asked to do while it is inside IDLE.
type Watcher struct {
	Idle     *conn.Session
	Resyncer *resync.Resyncer
	Store    *store.UidStore
	Dial     Dialer
	Logger   *slog.Logger
	// Metrics is optional; a nil *metrics.Set makes every Record*/Set*
	// call a no-op.
	Metrics *metrics.Set
}

// New builds a Watcher. logger may be nil, in which case slog.Default is used.
func New(idle *conn.Session, r *resync.Resyncer, s *store.UidStore, dial Dialer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{Idle: idle, Resyncer: r, Store: s, Dial: dial, Logger: logger}
}

// Run blocks, driving the watch loop until ctx is canceled or an
// unrecoverable error occurs (such as a failed reconnect attempt; each
// lost connection gets one). Cancel ctx to stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Idle != nil && w.Idle.Client.HasCap(string(imap.CapIdle)) {
		return w.runIdle(ctx)
	}
	return w.runPoll(ctx)
}

// runPoll is the capability-less fallback: no main/idle split, just a
// flat timer resyncing every subscribed mailbox in turn.
func (w *Watcher) runPoll(ctx context.Context) error {
	w.Metrics.SetWatchMode(w.accountLabel(), "poll")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.resyncSubscribed(func(imap.MailboxHash) bool { return true })
		}
	}
}

// runIdle drives the IDLE connection against the chosen inbox target,
// coordinating it with periodic peer resyncs and a heartbeat on the main
// connection, per spec §4.5.
func (w *Watcher) runIdle(ctx context.Context) error {
	inbox, ok := findInboxTarget(w.Store.Mailboxes())
	if !ok {
		return imap.NewError(imap.KindConfiguration, "watch",
			fmt.Errorf("no parent-less Inbox-special-use mailbox to use as the idle target"))
	}

	if _, err := w.Idle.Examine(inbox, true); err != nil {
		return imap.NewError(imap.KindNetwork, "watch", err)
	}

	// One pass over every other subscribed mailbox before entering IDLE,
	// so the watcher doesn't wait a full pollPeersInterval before the
	// account's other mailboxes see their first resync of this session.
	w.resyncSubscribed(func(h imap.MailboxHash) bool { return h != inbox })

	activity := make(chan struct{}, 1)
	w.installActivityHooks(activity)

	idleCmd, err := w.Idle.Client.Idle()
	if err != nil {
		return w.reconnectAndResume(ctx)
	}
	w.Metrics.RecordIdleRoundTrip()
	w.Metrics.SetWatchMode(w.accountLabel(), "idle")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	pollPeers := time.NewTicker(pollPeersInterval)
	defer pollPeers.Stop()

	reenter := func() bool {
		if err := idleCmd.Done(); err != nil {
			return false
		}
		idleCmd, err = w.Idle.Client.Idle()
		if err == nil {
			w.Metrics.RecordIdleRoundTrip()
		}
		return err == nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Done()
			return ctx.Err()

		case <-w.Idle.Client.Done():
			return w.reconnectAndResume(ctx)

		case <-activity:
			// An untagged EXISTS/RECENT/EXPUNGE/FETCH arrived; the reader
			// goroutine has already applied it (including, via the hooks
			// installed in NewSession, the store updates). Break IDLE and
			// re-enter so the next round of untagged data isn't queued up
			// behind an open IDLE indefinitely.
			if !reenter() {
				return w.reconnectAndResume(ctx)
			}

		case <-heartbeat.C:
			if !reenter() {
				return w.reconnectAndResume(ctx)
			}
			if err := w.Resyncer.Session.Client.Noop(); err != nil {
				w.Logger.Warn("watch: main connection keepalive failed", "err", err)
			}

		case <-pollPeers.C:
			w.resyncSubscribed(func(h imap.MailboxHash) bool { return h != inbox })
		}
	}
}

// installActivityHooks chains onto the idle connection's
// UnilateralDataHandler so any untagged EXISTS/RECENT/EXPUNGE/FETCH wakes
// the select loop in runIdle. The store-mutating hooks conn.NewSession
// already installed run first (hook chaining is LIFO-safe: each install
// wraps, never replaces, the previous handler), so activity is only
// signaled after msn_index/uid_index have already been updated.
func (w *Watcher) installActivityHooks(activity chan struct{}) {
	opts := w.Idle.Client.Options()
	if opts.UnilateralDataHandler == nil {
		opts.UnilateralDataHandler = &conn.UnilateralDataHandler{}
	}
	h := opts.UnilateralDataHandler
	signal := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	prevExists := h.Exists
	h.Exists = func(n uint32) {
		if prevExists != nil {
			prevExists(n)
		}
		signal()
	}
	prevRecent := h.Recent
	h.Recent = func(n uint32) {
		if prevRecent != nil {
			prevRecent(n)
		}
		signal()
	}
	prevExpunge := h.Expunge
	h.Expunge = func(n uint32) {
		if prevExpunge != nil {
			prevExpunge(n)
		}
		signal()
	}
	prevFetch := h.Fetch
	h.Fetch = func(n uint32, flags []string) {
		if prevFetch != nil {
			prevFetch(n, flags)
		}
		signal()
	}
}

// resyncSubscribed runs Resyncer.Resync on every subscribed mailbox for
// which include returns true, emitting a Failure notice for any mailbox
// whose resync errors rather than aborting the whole pass.
func (w *Watcher) resyncSubscribed(include func(imap.MailboxHash) bool) {
	for h, info := range w.Store.Mailboxes() {
		if !info.Subscribed || !include(h) {
			continue
		}
		if err := w.Resyncer.Resync(h); err != nil {
			w.Store.Emit(store.BackendEvent{Mailbox: h, Kind: store.EventFailure, Err: err})
		}
	}
}

// reconnectAndResume redials both the idle and main connections and
// restarts runIdle. Per spec §4.5 ("reconnect both connections on
// EOF/network error"), a lost connection is not treated as fatal on its
// own; only a failed reconnect attempt is.
func (w *Watcher) reconnectAndResume(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.Dial == nil {
		return imap.NewError(imap.KindNetwork, "watch",
			fmt.Errorf("idle connection lost and no dialer is configured to reconnect"))
	}

	idleSess, err := w.Dial(ctx)
	if err != nil {
		return imap.NewError(imap.KindNetwork, "watch", fmt.Errorf("reconnecting idle connection: %w", err))
	}
	w.Metrics.RecordReconnect("idle")
	mainSess, err := w.Dial(ctx)
	if err != nil {
		return imap.NewError(imap.KindNetwork, "watch", fmt.Errorf("reconnecting main connection: %w", err))
	}
	w.Metrics.RecordReconnect("main")

	w.Idle = idleSess
	newResyncer := resync.New(mainSess, w.Store, w.Logger)
	newResyncer.Metrics = w.Resyncer.Metrics
	w.Resyncer = newResyncer
	return w.runIdle(ctx)
}

// accountLabel renders the store's account hash as a metrics label value.
func (w *Watcher) accountLabel() string {
	return fmt.Sprintf("%d", w.Store.Account)
}

// findInboxTarget picks the mailbox IDLE should watch: the parent-less
// mailbox whose special use is Inbox. Per spec §4.5 this is mandatory —
// IDLE has no meaning without a single well-known target mailbox to watch.
// Servers that never advertise \Inbox still have to have a mailbox literally
// named INBOX (RFC 3501 §5.1), so a second pass falls back to that path
// rather than giving up, matching melib's watcher target selection.
func findInboxTarget(mailboxes map[imap.MailboxHash]*imap.MailboxInfo) (imap.MailboxHash, bool) {
	for h, info := range mailboxes {
		if info.SpecialUse == imap.SpecialUseInbox && !info.HasParent {
			return h, true
		}
	}
	for h, info := range mailboxes {
		if strings.EqualFold(info.IMAPPath, "INBOX") {
			return h, true
		}
	}
	return 0, false
}
