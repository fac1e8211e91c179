package conn

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	imap "github.com/doveterm/imapcore"
	"github.com/doveterm/imapcore/wire"
)

// ParsedFetch is a decoded untagged FETCH response, normalized into the
// shape resync needs to build an envelope and update the store. Arbitrary
// BODY[section] pointers from imap.FetchMessageData aren't reconstructible
// from the wire alone, so sections are kept raw, keyed by the section
// specifier text the server echoed back (e.g. "HEADER.FIELDS (REFERENCES)").
type ParsedFetch struct {
	SeqNum       uint32
	UID          imap.UID
	Flags        []imap.Flag
	Envelope     *imap.Envelope
	InternalDate time.Time
	RFC822Size   int64
	ModSeq       uint64
	HeaderFields map[string]string
}

// ParseFetchResponse parses one untagged FETCH response line of the form
// Client.Fetch/UIDFetch hand back ("FETCH <n> (...)") into a ParsedFetch.
// The teacher's client surface stopped at handing callers the raw untagged
// line; this is the ENVELOPE/FLAGS/UID reader resync needs and that never
// existed before, built on the same token-reading primitives as the rest
// of the wire package rather than hand-rolled string splitting.
func ParseFetchResponse(line string) (*ParsedFetch, error) {
	rest := strings.TrimPrefix(line, "FETCH ")
	if rest == line {
		return nil, fmt.Errorf("conn: not a FETCH response: %q", line)
	}
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return nil, fmt.Errorf("conn: malformed FETCH response: %q", line)
	}
	seqNum, err := strconv.ParseUint(rest[:sp], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("conn: malformed FETCH sequence number: %q", line)
	}

	d := wire.NewDecoder(strings.NewReader(strings.TrimSpace(rest[sp+1:])))
	data := &ParsedFetch{SeqNum: uint32(seqNum)}

	if err := d.ExpectByte('('); err != nil {
		return nil, fmt.Errorf("conn: FETCH data must be a parenthesized list: %w", err)
	}
	first := true
	for {
		b, err := d.PeekByte()
		if err != nil {
			return nil, fmt.Errorf("conn: truncated FETCH data: %w", err)
		}
		if b == ')' {
			_, _ = d.ReadByte()
			break
		}
		if !first {
			if err := d.ReadSP(); err != nil {
				return nil, err
			}
		}
		name, section, err := readFetchItemName(d)
		if err != nil {
			return nil, fmt.Errorf("conn: reading FETCH item name: %w", err)
		}
		if err := d.ReadSP(); err != nil {
			return nil, fmt.Errorf("conn: FETCH item %s missing value: %w", name, err)
		}
		if err := parseFetchItem(d, strings.ToUpper(name), section, data); err != nil {
			return nil, fmt.Errorf("conn: parsing FETCH item %s: %w", name, err)
		}
		first = false
	}
	return data, nil
}

// readFetchItemName reads a FETCH item name, stopping before a trailing
// bracketed section ("BODY[HEADER.FIELDS (REFERENCES)]"). ReadAtom can't be
// used here: '[' is not an atom-special in this decoder (only ']' is, per
// RFC 3501 resp-specials), so a plain ReadAtom would swallow the bracket
// open and then choke on the space inside it.
func readFetchItemName(d *wire.Decoder) (name, section string, err error) {
	var nameBuf strings.Builder
	for {
		b, err := d.PeekByte()
		if err != nil {
			return "", "", err
		}
		if b == ' ' || b == ')' || b == '[' {
			break
		}
		ch, err := d.ReadByte()
		if err != nil {
			return "", "", err
		}
		nameBuf.WriteByte(ch)
	}
	name = nameBuf.String()

	b, err := d.PeekByte()
	if err != nil {
		return "", "", err
	}
	if b != '[' {
		return name, "", nil
	}
	if _, err := d.ReadByte(); err != nil {
		return "", "", err
	}

	var secBuf strings.Builder
	depth := 1
	for depth > 0 {
		ch, err := d.ReadByte()
		if err != nil {
			return "", "", err
		}
		if ch == '[' {
			depth++
		}
		if ch == ']' {
			depth--
			if depth == 0 {
				break
			}
		}
		secBuf.WriteByte(ch)
	}

	// A trailing "<origin>" partial-fetch marker, if present, isn't needed
	// by anything resync currently consumes.
	if b2, err := d.PeekByte(); err == nil && b2 == '<' {
		for {
			ch, err := d.ReadByte()
			if err != nil {
				return "", "", err
			}
			if ch == '>' {
				break
			}
		}
	}
	return name, secBuf.String(), nil
}

func parseFetchItem(d *wire.Decoder, name, section string, data *ParsedFetch) error {
	switch name {
	case "UID":
		n, err := d.ReadNumber64()
		if err != nil {
			return err
		}
		data.UID = imap.UID(n)
	case "FLAGS":
		flags, err := d.ReadFlags()
		if err != nil {
			return err
		}
		data.Flags = make([]imap.Flag, len(flags))
		for i, f := range flags {
			data.Flags[i] = imap.Flag(f)
		}
	case "INTERNALDATE":
		s, err := d.ReadQuotedString()
		if err != nil {
			return err
		}
		if t, err := time.Parse("02-Jan-2006 15:04:05 -0700", s); err == nil {
			data.InternalDate = t
		}
	case "RFC822.SIZE":
		n, err := d.ReadNumber64()
		if err != nil {
			return err
		}
		data.RFC822Size = int64(n)
	case "MODSEQ":
		return d.ReadList(func() error {
			n, err := d.ReadNumber64()
			if err != nil {
				return err
			}
			data.ModSeq = n
			return nil
		})
	case "ENVELOPE":
		env, err := parseEnvelope(d)
		if err != nil {
			return err
		}
		data.Envelope = env
	case "BODY", "BODY.PEEK":
		// section is "" for a whole-message fetch (BODY[] / BODY.PEEK[]);
		// callers that want the raw message (backend.Operation) read
		// HeaderFields[""].
		text, ok, err := d.ReadNString()
		if err != nil {
			return err
		}
		if ok {
			if data.HeaderFields == nil {
				data.HeaderFields = make(map[string]string)
			}
			data.HeaderFields[section] = text
		}
	default:
		return skipValue(d)
	}
	return nil
}

// skipValue discards one well-formed IMAP data item: an atom, a quoted
// string, a literal, or a (possibly nested) parenthesized list. Used for
// FETCH items this package has no use for yet (BODYSTRUCTURE and any
// server-specific extension item), so an unrecognized item never corrupts
// the rest of the parse.
func skipValue(d *wire.Decoder) error {
	b, err := d.PeekByte()
	if err != nil {
		return err
	}
	switch b {
	case '(':
		return d.ReadList(func() error { return skipValue(d) })
	case '"':
		_, err := d.ReadQuotedString()
		return err
	case '{', '~':
		_, err := d.ReadString()
		return err
	default:
		_, _, err := d.ReadNString()
		return err
	}
}

// ExtractFetchFlags pulls just the FLAGS item out of a raw FETCH data
// string ("(UID 1 FLAGS (\Seen))"), for the UnilateralDataHandler.Fetch
// hook, which fires on every untagged FETCH and only needs flags, not a
// full envelope parse. Returns nil if the response carries no FLAGS item
// (a plain "FETCH n (UID m)" some servers send alongside EXISTS).
func ExtractFetchFlags(data string) []string {
	d := wire.NewDecoder(strings.NewReader(strings.TrimSpace(data)))
	if err := d.ExpectByte('('); err != nil {
		return nil
	}
	var flags []string
	first := true
	for {
		b, err := d.PeekByte()
		if err != nil || b == ')' {
			return flags
		}
		if !first {
			if err := d.ReadSP(); err != nil {
				return flags
			}
		}
		first = false

		name, section, err := readFetchItemName(d)
		if err != nil {
			return flags
		}
		if err := d.ReadSP(); err != nil {
			return flags
		}
		if strings.ToUpper(name) == "FLAGS" {
			fl, err := d.ReadFlags()
			if err == nil {
				flags = fl
			}
			return flags
		}
		_ = parseFetchItem(d, strings.ToUpper(name), section, &ParsedFetch{})
	}
}

func parseEnvelope(d *wire.Decoder) (*imap.Envelope, error) {
	env := &imap.Envelope{}
	if err := d.ExpectByte('('); err != nil {
		return nil, err
	}

	dateStr, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			env.Date = t
		}
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	subject, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.Subject = subject
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	lists := []*[]*imap.Address{&env.From, &env.Sender, &env.ReplyTo, &env.To, &env.Cc, &env.Bcc}
	for _, dst := range lists {
		addrs, err := parseAddressList(d)
		if err != nil {
			return nil, err
		}
		*dst = addrs
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
	}

	inReplyTo, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.InReplyTo = inReplyTo
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	messageID, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.MessageID = messageID

	if err := d.ExpectByte(')'); err != nil {
		return nil, err
	}
	return env, nil
}

func parseAddressList(d *wire.Decoder) ([]*imap.Address, error) {
	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}
	if b != '(' {
		_, _, err := d.ReadNString()
		return nil, err
	}
	var addrs []*imap.Address
	err = d.ReadList(func() error {
		addr, err := parseOneAddress(d)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
		return nil
	})
	return addrs, err
}

func parseOneAddress(d *wire.Decoder) (*imap.Address, error) {
	if err := d.ExpectByte('('); err != nil {
		return nil, err
	}
	name, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	if _, _, err := d.ReadNString(); err != nil { // adl: source-route, unused by any modern client
		return nil, err
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	mailbox, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	host, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if err := d.ExpectByte(')'); err != nil {
		return nil, err
	}
	return &imap.Address{Name: name, Mailbox: mailbox, Host: host}, nil
}
