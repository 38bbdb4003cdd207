// Package imapwire implements the lexical layer of the proxy: tokenizing a
// raw IMAP byte stream into line and literal fragments (RFC 3501 framing,
// including the non-synchronizing literals of RFC 7888), without parsing
// any higher-level command or response structure.
package imapwire

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind discriminates the two fragment shapes the Fragmentizer emits.
type Kind int

const (
	// Line is a complete CRLF-terminated line, including the CRLF.
	Line Kind = iota
	// Literal is a byte range introduced by a preceding {N} or {N+} line.
	Literal
)

func (k Kind) String() string {
	switch k {
	case Line:
		return "Line"
	case Literal:
		return "Literal"
	default:
		return "Unknown"
	}
}

// Info is one fragment recovered from the input stream. For a Line
// fragment that ends in a literal introducer ({N} or {N+}), HasLiteral is
// true and LiteralNonSync distinguishes the two forms: a synchronizing
// literal ({N}) requires the consuming side to decide, before the literal
// bytes are fed, whether to accept or reject it (see
// Fragmentizer.CancelPendingLiteral); a non-synchronizing literal ({N+})
// is unconditionally expected next.
type Info struct {
	Kind           Kind
	Bytes          []byte
	HasLiteral     bool
	LiteralNonSync bool
	// LiteralSize is the declared byte count from the trailing {N}/{N+}
	// introducer. Valid only when HasLiteral is true.
	LiteralSize int64
}

// Sentinel errors for framing/parse failures (spec §7's framing/parse
// taxonomy). Each is wrapped in a *FramingError carrying the bytes that
// were discarded so the conversation driver can log them for diagnosis.
var (
	ErrExpectedCRLFGotLF = errors.New("imapwire: expected CRLF, got bare LF")
	ErrMalformedMessage  = errors.New("imapwire: malformed message")
)

// ErrNeedMoreInput signals that Progress has no complete fragment yet and
// the caller should Feed more bytes before calling again. It is not a
// failure, mirroring the non-blocking "would block"/"need more" control-flow
// sentinels used elsewhere in the pack's framing code.
var ErrNeedMoreInput = errors.New("imapwire: need more input")

// FramingError reports malformed input the Fragmentizer discarded in order
// to resynchronize with the stream. Discarded holds exactly the bytes that
// were dropped.
type FramingError struct {
	Err       error
	Discarded []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s (discarded %d bytes)", e.Err, len(e.Discarded))
}

func (e *FramingError) Unwrap() error { return e.Err }

// Fragmentizer accumulates fed bytes and emits a sequence of Line/Literal
// fragments. A Fragmentizer with MaxMessageSize == 0 is unbounded, which is
// how the conversation driver builds the fragmentizers used purely for
// outbound trace logging.
type Fragmentizer struct {
	MaxMessageSize int64

	buf []byte
	pos int

	pendingLiteral int64
	haveLiteral    bool

	messageSize int64
	exceeded    bool
	freshStart  bool
}

// NewFragmentizer returns a Fragmentizer bounded by maxMessageSize. A zero
// maxMessageSize means unbounded.
func NewFragmentizer(maxMessageSize int64) *Fragmentizer {
	return &Fragmentizer{MaxMessageSize: maxMessageSize}
}

// Feed appends bytes to the Fragmentizer's internal buffer.
func (f *Fragmentizer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// IsMaxMessageSizeExceeded reports whether the logical message currently (or
// most recently) in progress has exceeded the configured bound.
func (f *Fragmentizer) IsMaxMessageSizeExceeded() bool {
	return f.exceeded
}

// CancelPendingLiteral un-arms a synchronizing literal the consuming side
// has just decided to reject. The client, having received a non-"+"
// response, will not send the literal's bytes; the next Progress call
// resumes scanning for an ordinary line instead of waiting on N bytes
// that will never arrive. It is a no-op if no literal is pending.
func (f *Fragmentizer) CancelPendingLiteral() {
	f.haveLiteral = false
	f.pendingLiteral = 0
}

// Progress advances parsing and returns exactly one fragment per call.
// It returns ErrNeedMoreInput when no complete fragment is available yet,
// and a *FramingError when malformed input was discarded to resynchronize.
func (f *Fragmentizer) Progress() (Info, error) {
	if f.haveLiteral {
		if int64(len(f.buf)-f.pos) < f.pendingLiteral {
			return Info{}, ErrNeedMoreInput
		}
		start := f.pos
		end := f.pos + int(f.pendingLiteral)
		fragment := append([]byte(nil), f.buf[start:end]...)
		f.pos = end
		f.haveLiteral = false
		f.pendingLiteral = 0
		f.accumulate(int64(len(fragment)))
		return Info{Kind: Literal, Bytes: fragment}, nil
	}

	idx := bytes.IndexByte(f.buf[f.pos:], '\n')
	if idx < 0 {
		return Info{}, ErrNeedMoreInput
	}
	nl := f.pos + idx

	if nl == f.pos || f.buf[nl-1] != '\r' {
		discarded := f.buf[f.pos : nl+1]
		out := make([]byte, len(discarded))
		copy(out, discarded)
		f.pos = nl + 1
		return Info{}, &FramingError{Err: ErrExpectedCRLFGotLF, Discarded: out}
	}

	line := f.buf[f.pos : nl+1]
	f.pos = nl + 1
	f.accumulate(int64(len(line)))
	out := append([]byte(nil), line...)

	if n, nonSync, ok := parseLiteralIntroducer(line); ok {
		f.pendingLiteral = n
		f.haveLiteral = true
		return Info{Kind: Line, Bytes: out, HasLiteral: true, LiteralNonSync: nonSync, LiteralSize: n}, nil
	}

	// This line completes the logical message. IsMaxMessageSizeExceeded
	// must still report this message's status until the next one starts
	// accumulating bytes, so the reset is deferred to accumulate.
	f.freshStart = true
	f.compact()
	return Info{Kind: Line, Bytes: out}, nil
}

// WouldExceed reports whether accumulating n more bytes on top of the
// current logical message would exceed MaxMessageSize. It lets a
// consumer decide, before committing to read a declared-length literal,
// whether to accept or reject it.
func (f *Fragmentizer) WouldExceed(n int64) bool {
	if f.MaxMessageSize <= 0 {
		return false
	}
	size := f.messageSize
	if f.freshStart {
		size = 0
	}
	return size+n > f.MaxMessageSize
}

func (f *Fragmentizer) accumulate(n int64) {
	if f.freshStart {
		f.freshStart = false
		f.messageSize = 0
		f.exceeded = false
	}
	f.messageSize += n
	if f.MaxMessageSize > 0 && f.messageSize > f.MaxMessageSize {
		f.exceeded = true
	}
}

// compact drops already-consumed bytes from the front of the buffer once a
// message boundary is reached, so a long-lived connection does not retain
// every byte it has ever seen.
func (f *Fragmentizer) compact() {
	if f.pos == 0 {
		return
	}
	remaining := len(f.buf) - f.pos
	copy(f.buf, f.buf[f.pos:])
	f.buf = f.buf[:remaining]
	f.pos = 0
}
