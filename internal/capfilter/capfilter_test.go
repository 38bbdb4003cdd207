package capfilter

import (
	"testing"

	"github.com/ctolnik/imap-proxy/internal/imapmsg"
)

func TestGreetingFiltersCapability(t *testing.T) {
	g, err := imapmsg.ParseGreeting([]byte("* OK [CAPABILITY IMAP4rev1 STARTTLS] Hi\r\n"))
	if err != nil {
		t.Fatalf("ParseGreeting: %v", err)
	}

	filtered := DefaultPolicy().Greeting(g)
	if got, want := string(filtered.Render()), "* OK [CAPABILITY IMAP4rev1] Hi\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestDataFiltersCapability(t *testing.T) {
	d, err := imapmsg.ParseData([]byte("* CAPABILITY IMAP4rev1 IDLE STARTTLS COMPRESS=DEFLATE\r\n"))
	if err != nil {
		t.Fatalf("ParseData: %v", err)
	}

	filtered := DefaultPolicy().Data(d)
	if got, want := string(filtered.Render()), "* CAPABILITY IMAP4rev1 IDLE\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestStatusFiltersCapabilityCode(t *testing.T) {
	s, err := imapmsg.ParseStatus([]byte("a1 OK [CAPABILITY IMAP4rev1 STARTTLS] done\r\n"))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	filtered := DefaultPolicy().Status(s)
	if got, want := string(filtered.Render()), "a1 OK [CAPABILITY IMAP4rev1] done\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestContinuationRequestFiltersCapabilityCode(t *testing.T) {
	cr, err := imapmsg.ParseContinuationRequest([]byte("+ [CAPABILITY IMAP4rev1 STARTTLS] go ahead\r\n"))
	if err != nil {
		t.Fatalf("ParseContinuationRequest: %v", err)
	}

	filtered := DefaultPolicy().ContinuationRequest(cr)
	if got, want := string(filtered.Render()), "+ [CAPABILITY IMAP4rev1] go ahead\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestFilterLeavesNonCapabilityCodeAlone(t *testing.T) {
	s, err := imapmsg.ParseStatus([]byte("a4 BAD [ALERT] disk full\r\n"))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	filtered := DefaultPolicy().Status(s)
	if got, want := string(filtered.Render()), "a4 BAD [ALERT] disk full\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRewriteRejectionWithoutALERT(t *testing.T) {
	status, err := imapmsg.ParseStatus([]byte("a3 BAD [PARSE] bad\r\n"))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	rewritten := RewriteRejection(status)
	if got, want := string(rewritten.Render()), "a3 BAD proxy: Command rejected by server\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRewriteRejectionWithALERTPreservesText(t *testing.T) {
	status, err := imapmsg.ParseStatus([]byte("a4 BAD [ALERT] disk full\r\n"))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	rewritten := RewriteRejection(status)
	if got, want := string(rewritten.Render()), "a4 BAD [ALERT] disk full\r\n"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRewriteRejectionPreservesTag(t *testing.T) {
	status := imapmsg.Status{Tag: "xyz", Kind: imapmsg.NO, Text: "no"}
	rewritten := RewriteRejection(status)
	if rewritten.Tag != "xyz" {
		t.Errorf("Tag = %q, want %q", rewritten.Tag, "xyz")
	}
	if rewritten.Kind != imapmsg.BAD {
		t.Errorf("Kind = %v, want BAD", rewritten.Kind)
	}
}
