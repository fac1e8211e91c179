package conn

import (
	"errors"
	"fmt"
	"testing"

	imap "github.com/doveterm/imapcore"
)

func TestHasCap(t *testing.T) {
	caps := []string{"IMAP4rev1", "AUTH=XOAUTH2", "IDLE"}
	if !hasCap(caps, "idle") {
		t.Error("hasCap should be case-insensitive")
	}
	if !hasCap(caps, "AUTH=XOAUTH2") {
		t.Error("hasCap should find an exact match")
	}
	if hasCap(caps, "QRESYNC") {
		t.Error("hasCap should not find an absent capability")
	}
}

func TestDialOptionsTLSConfig(t *testing.T) {
	opts := DialOptions{Host: "imap.example.com", DangerAcceptInvalidCerts: true}
	cfg := opts.tlsConfig()
	if cfg.ServerName != "imap.example.com" {
		t.Errorf("ServerName = %q, want imap.example.com", cfg.ServerName)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should follow DangerAcceptInvalidCerts")
	}
}

func TestClassifyError(t *testing.T) {
	protoErr := &imap.IMAPError{StatusResponse: &imap.StatusResponse{
		Type: imap.StatusResponseType("NO"),
		Text: "mailbox does not exist",
	}}
	if got := classifyError(protoErr); got != imap.KindProtocol {
		t.Errorf("classifyError(IMAPError) = %v, want KindProtocol", got)
	}
	if got := classifyError(fmt.Errorf("wrap: %w", protoErr)); got != imap.KindProtocol {
		t.Errorf("classifyError(wrapped IMAPError) = %v, want KindProtocol", got)
	}

	transportErr := errors.New("connection closed: EOF")
	if got := classifyError(transportErr); got != imap.KindNetwork {
		t.Errorf("classifyError(plain error) = %v, want KindNetwork", got)
	}
}
