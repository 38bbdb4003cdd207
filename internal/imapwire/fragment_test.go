package imapwire

import (
	"bytes"
	"errors"
	"testing"
)

func drain(t *testing.T, f *Fragmentizer) ([]Info, []*FramingError) {
	t.Helper()
	var infos []Info
	var framingErrs []*FramingError
	for {
		info, err := f.Progress()
		if errors.Is(err, ErrNeedMoreInput) {
			return infos, framingErrs
		}
		var fe *FramingError
		if errors.As(err, &fe) {
			framingErrs = append(framingErrs, fe)
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		infos = append(infos, info)
	}
}

func TestFragmentizerPlainLine(t *testing.T) {
	f := NewFragmentizer(0)
	f.Feed([]byte("a1 NOOP\r\n"))

	infos, errs := drain(t, f)
	if len(errs) != 0 {
		t.Fatalf("unexpected framing errors: %v", errs)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d fragments, want 1", len(infos))
	}
	if infos[0].Kind != Line || string(infos[0].Bytes) != "a1 NOOP\r\n" {
		t.Errorf("got %+v", infos[0])
	}
}

func TestFragmentizerNonSyncLiteral(t *testing.T) {
	f := NewFragmentizer(0)
	f.Feed([]byte("a1 LOGIN {5+}\r\nhello {3+}\r\nfoo\r\n"))

	infos, errs := drain(t, f)
	if len(errs) != 0 {
		t.Fatalf("unexpected framing errors: %v", errs)
	}

	want := []Info{
		{Kind: Line, Bytes: []byte("a1 LOGIN {5+}\r\n"), HasLiteral: true, LiteralNonSync: true, LiteralSize: 5},
		{Kind: Literal, Bytes: []byte("hello")},
		{Kind: Line, Bytes: []byte(" {3+}\r\n"), HasLiteral: true, LiteralNonSync: true, LiteralSize: 3},
		{Kind: Literal, Bytes: []byte("foo")},
		{Kind: Line, Bytes: []byte("\r\n")},
	}
	if len(infos) != len(want) {
		t.Fatalf("got %d fragments, want %d: %+v", len(infos), len(want), infos)
	}
	for i, info := range infos {
		if info.Kind != want[i].Kind || !bytes.Equal(info.Bytes, want[i].Bytes) ||
			info.HasLiteral != want[i].HasLiteral || info.LiteralNonSync != want[i].LiteralNonSync ||
			info.LiteralSize != want[i].LiteralSize {
			t.Errorf("fragment %d = %+v, want %+v", i, info, want[i])
		}
	}
}

func TestFragmentizerSyncLiteralCancellation(t *testing.T) {
	f := NewFragmentizer(0)
	f.Feed([]byte("a2 LOGIN {5}\r\n"))

	info, err := f.Progress()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.HasLiteral || info.LiteralNonSync {
		t.Fatalf("got %+v, want a synchronizing literal introducer", info)
	}

	// The consuming layer rejects the literal; the client will not send
	// its bytes, so the pending literal must be cancelled.
	f.CancelPendingLiteral()

	// Whatever the client sends next is parsed as a fresh line, not as
	// the 5 literal bytes that were never sent.
	f.Feed([]byte("a3 NOOP\r\n"))
	info, err = f.Progress()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Kind != Line || string(info.Bytes) != "a3 NOOP\r\n" {
		t.Errorf("got %+v", info)
	}
}

func TestFragmentizerFeedsInPieces(t *testing.T) {
	f := NewFragmentizer(0)
	whole := "a2 LOGIN {5}\r\nhello\r\n"
	for i := 0; i < len(whole); i++ {
		f.Feed([]byte{whole[i]})
	}

	infos, errs := drain(t, f)
	if len(errs) != 0 {
		t.Fatalf("unexpected framing errors: %v", errs)
	}
	if len(infos) != 3 {
		t.Fatalf("got %d fragments, want 3: %+v", len(infos), infos)
	}
	if infos[1].Kind != Literal || string(infos[1].Bytes) != "hello" {
		t.Errorf("literal fragment = %+v", infos[1])
	}
}

func TestFragmentizerBareLFDiscarded(t *testing.T) {
	f := NewFragmentizer(0)
	f.Feed([]byte("bad\nline\r\ngood\r\n"))

	infos, errs := drain(t, f)
	if len(errs) != 1 {
		t.Fatalf("got %d framing errors, want 1: %v", len(errs), errs)
	}
	if !errors.Is(errs[0], ErrExpectedCRLFGotLF) {
		t.Errorf("error = %v, want ErrExpectedCRLFGotLF", errs[0])
	}
	if string(errs[0].Discarded) != "bad\n" {
		t.Errorf("discarded = %q, want %q", errs[0].Discarded, "bad\n")
	}

	if len(infos) != 2 {
		t.Fatalf("got %d fragments after discard, want 2: %+v", len(infos), infos)
	}
	if string(infos[0].Bytes) != "line\r\n" || string(infos[1].Bytes) != "good\r\n" {
		t.Errorf("fragments after discard = %+v", infos)
	}
}

func TestFragmentizerMaxMessageSizeExceeded(t *testing.T) {
	f := NewFragmentizer(8)
	f.Feed([]byte("a1 NOOP\r\n"))

	infos, errs := drain(t, f)
	if len(errs) != 0 {
		t.Fatalf("unexpected framing errors: %v", errs)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d fragments, want 1", len(infos))
	}
	if !f.IsMaxMessageSizeExceeded() {
		t.Error("expected IsMaxMessageSizeExceeded to be true for an over-limit message")
	}

	// A fresh message within the bound starts with the flag cleared again.
	f.Feed([]byte("a2 X\r\n"))
	if _, err := f.Progress(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.IsMaxMessageSizeExceeded() {
		t.Error("expected IsMaxMessageSizeExceeded to reset for a new message")
	}
}

func TestFragmentizerWouldExceed(t *testing.T) {
	f := NewFragmentizer(100)
	f.Feed([]byte("a1 LOGIN {20}\r\n")) // 15 bytes so far
	if _, err := f.Progress(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.WouldExceed(90) {
		t.Error("expected a 90-byte literal on top of 15 buffered bytes to exceed a 100-byte bound")
	}
	if f.WouldExceed(10) {
		t.Error("did not expect a 10-byte literal on top of 15 buffered bytes to exceed a 100-byte bound")
	}
}

func TestFragmentizerNeedMoreInput(t *testing.T) {
	f := NewFragmentizer(0)
	f.Feed([]byte("a1 NOOP"))
	if _, err := f.Progress(); !errors.Is(err, ErrNeedMoreInput) {
		t.Errorf("err = %v, want ErrNeedMoreInput", err)
	}
}

func TestEscapeBytes(t *testing.T) {
	got := EscapeBytes([]byte("a\r\n\x01\""))
	want := `"a\r\n\x01\""`
	if got != want {
		t.Errorf("EscapeBytes = %q, want %q", got, want)
	}
}
