package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigureDoesNotPanicOnUnknownLevel(t *testing.T) {
	Configure("weird-level")
	if Logger() == nil {
		t.Fatal("Logger() returned nil after Configure")
	}
}

func TestForConversationAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	saved := base
	base = slog.New(slog.NewTextHandler(&buf, nil))
	defer func() { base = saved }()

	l := ForConversation("imap", "127.0.0.1:1234")
	if l == nil {
		t.Fatal("ForConversation returned nil")
	}
	l.Info("probe")
	if out := buf.String(); !strings.Contains(out, "service=imap") || !strings.Contains(out, "client=127.0.0.1:1234") {
		t.Errorf("log line = %q, want service and client fields", out)
	}
}
