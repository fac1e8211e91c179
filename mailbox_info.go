package imap

// SpecialUse identifies the conventional role of a mailbox.
type SpecialUse int

const (
	SpecialUseNormal SpecialUse = iota
	SpecialUseInbox
	SpecialUseSent
	SpecialUseDrafts
	SpecialUseTrash
	SpecialUseArchive
	SpecialUseJunk
)

func (u SpecialUse) String() string {
	switch u {
	case SpecialUseInbox:
		return "Inbox"
	case SpecialUseSent:
		return "Sent"
	case SpecialUseDrafts:
		return "Drafts"
	case SpecialUseTrash:
		return "Trash"
	case SpecialUseArchive:
		return "Archive"
	case SpecialUseJunk:
		return "Junk"
	default:
		return "Normal"
	}
}

// specialUseFromAttrs maps LIST \Attrs to a SpecialUse, per RFC 6154.
func specialUseFromAttrs(attrs []MailboxAttr) SpecialUse {
	for _, a := range attrs {
		switch a {
		case MailboxAttrSent:
			return SpecialUseSent
		case MailboxAttrDrafts:
			return SpecialUseDrafts
		case MailboxAttrTrash:
			return SpecialUseTrash
		case MailboxAttrArchive:
			return SpecialUseArchive
		case MailboxAttrJunk:
			return SpecialUseJunk
		}
	}
	return SpecialUseNormal
}

// Permissions describes what the authenticated user may do to a mailbox.
type Permissions struct {
	CanCreate   bool
	CanRemove   bool
	CanRename   bool
	CanSetFlags bool
	CanSelect   bool
}

// MailboxInfo is the semantic description of a single mailbox, per spec §3.
// Parent/child relations are expressed as hash-keyed indirection into the
// owning map held by the UID store, never as direct pointers, so the
// mailbox hierarchy can't form ownership cycles.
type MailboxInfo struct {
	Hash MailboxHash

	// IMAPPath is the path as the server names it, using the server's
	// declared hierarchy separator.
	IMAPPath  string
	Separator rune

	NoSelect    bool
	Permissions Permissions
	SpecialUse  SpecialUse
	Subscribed  bool

	Parent   MailboxHash // zero value means "no parent"
	HasParent bool
	Children []MailboxHash

	// Live counters, updated by untagged EXISTS/RECENT/FETCH responses
	// and by resynchronization.
	Exists uint32
	Unseen uint32

	// Select is the most recent SELECT/EXAMINE response for this mailbox.
	// Nil until the mailbox has been selected at least once this session.
	Select *SelectData
}

// Name returns the mailbox's display name: the last path component.
func (m *MailboxInfo) Name() string {
	if m.Separator == 0 {
		return m.IMAPPath
	}
	last := m.IMAPPath
	for i := len(m.IMAPPath) - 1; i >= 0; i-- {
		if rune(m.IMAPPath[i]) == m.Separator {
			last = m.IMAPPath[i+1:]
			break
		}
	}
	return last
}

// NewMailboxInfo builds a MailboxInfo from a LIST response.
func NewMailboxInfo(account AccountHash, entry *ListData) *MailboxInfo {
	noSelect := false
	for _, a := range entry.Attrs {
		if a == MailboxAttrNoSelect {
			noSelect = true
		}
	}
	return &MailboxInfo{
		Hash:       NewMailboxHash(account, entry.Mailbox),
		IMAPPath:   entry.Mailbox,
		Separator:  entry.Delim,
		NoSelect:   noSelect,
		SpecialUse: specialUseFromAttrs(entry.Attrs),
		Permissions: Permissions{
			CanCreate:   !noSelect,
			CanRemove:   !noSelect,
			CanRename:   !noSelect,
			CanSetFlags: !noSelect,
			CanSelect:   !noSelect,
		},
	}
}

// ApplySelect updates permissions and live counters from a SELECT/EXAMINE
// response, per spec §4.2 ("Update permissions from read_only").
func (m *MailboxInfo) ApplySelect(sel *SelectData) {
	m.Select = sel
	m.Exists = sel.NumMessages
	m.Permissions.CanSetFlags = !sel.ReadOnly
}
