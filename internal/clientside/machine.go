// Package clientside implements the proxy's client-role state machine: it
// plays IMAP client toward the upstream server, tracking the one
// in-flight command (or AUTHENTICATE/IDLE sub-protocol) so a later
// response can be correlated back to what provoked it.
package clientside

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ctolnik/imap-proxy/internal/imapmsg"
	"github.com/ctolnik/imap-proxy/internal/imapwire"
)

// ErrUnexpectedState reports an operation invoked while the machine was
// in a state that cannot legally accept it.
var ErrUnexpectedState = errors.New("clientside: operation invalid in current state")

// ErrResponseTooLong reports that an upstream response grew past
// MaxResponseSize before it could be completed. Unlike a client command,
// there is no tagged status the proxy can answer with to reject it
// mid-flight, so the conversation is terminated.
var ErrResponseTooLong = errors.New("clientside: response exceeds configured maximum size")

type subState int

const (
	stateAwaitingGreeting subState = iota
	stateReady
	stateAuthenticating
	stateIdling
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingCommand
	pendingIdle
)

// Options configures a Machine.
type Options struct {
	// MaxResponseSize bounds the size of one upstream response, literals
	// included. Zero means unbounded.
	MaxResponseSize int64
}

// Machine is the client-role state machine: proxy acting as IMAP client
// toward the connected upstream server.
type Machine struct {
	opts Options
	frag *imapwire.Fragmentizer

	out []byte

	nextHandle Handle

	state subState

	pendingKind    pendingKind
	pendingHandle  Handle
	pendingTag     string
	pendingCommand imapmsg.Command

	idleAccepted bool

	assembling []byte
}

// New constructs a Machine awaiting the upstream greeting.
func New(opts Options) *Machine {
	return &Machine{
		opts:  opts,
		frag:  imapwire.NewFragmentizer(opts.MaxResponseSize),
		state: stateAwaitingGreeting,
	}
}

// Drain returns and clears any bytes queued for the upstream server.
func (m *Machine) Drain() []byte {
	out := m.out
	m.out = nil
	return out
}

func (m *Machine) mintHandle() Handle {
	m.nextHandle++
	return m.nextHandle
}

// Feed supplies upstream bytes and returns every event they complete.
// The first event produced by a freshly constructed Machine is always a
// GreetingReceived.
func (m *Machine) Feed(data []byte) ([]Event, error) {
	m.frag.Feed(data)

	var events []Event
	for {
		info, err := m.frag.Progress()
		if errors.Is(err, imapwire.ErrNeedMoreInput) {
			return events, nil
		}
		var framingErr *imapwire.FramingError
		if errors.As(err, &framingErr) {
			continue
		}
		if err != nil {
			return events, err
		}

		m.assembling = append(m.assembling, info.Bytes...)
		if info.Kind == imapwire.Literal || info.HasLiteral {
			// Literal content belongs to the same logical message;
			// continue assembling regardless of sync/non-sync, since the
			// client role never arms or rejects upstream literals.
			continue
		}

		if m.frag.IsMaxMessageSizeExceeded() {
			return events, ErrResponseTooLong
		}

		raw := m.assembling
		m.assembling = nil
		event, err := m.completeMessage(raw)
		if err != nil {
			return events, err
		}
		if event != nil {
			events = append(events, event)
		}
	}
}

func (m *Machine) completeMessage(raw []byte) (Event, error) {
	if m.state == stateAwaitingGreeting {
		greeting, err := imapmsg.ParseGreeting(raw)
		if err != nil {
			// Malformed greeting: contained and discarded; the machine
			// keeps waiting for a greeting that parses, and the driver
			// keeps reading until one arrives or the upstream closes.
			return nil, nil
		}
		m.state = stateReady
		return GreetingReceived{Greeting: greeting}, nil
	}

	switch m.state {
	case stateReady:
		return m.completeReady(raw)
	case stateAuthenticating:
		return m.completeAuthenticating(raw)
	case stateIdling:
		return m.completeIdling(raw)
	default:
		return nil, fmt.Errorf("clientside: %w", ErrUnexpectedState)
	}
}

func (m *Machine) completeReady(raw []byte) (Event, error) {
	switch classify(raw) {
	case kindStatus:
		status, err := imapmsg.ParseStatus(raw)
		if err != nil {
			return nil, nil
		}
		if m.pendingKind == pendingCommand && status.Tag == m.pendingTag {
			handle := m.pendingHandle
			cmd := m.pendingCommand
			m.clearPending()
			if status.Kind == imapmsg.OK {
				return StatusReceived{Status: status}, nil
			}
			return CommandRejected{Handle: handle, Command: cmd, Status: status}, nil
		}
		return StatusReceived{Status: status}, nil
	case kindContinuation:
		cr, err := imapmsg.ParseContinuationRequest(raw)
		if err != nil {
			return nil, nil
		}
		return ContinuationRequestReceived{ContinuationRequest: cr}, nil
	default:
		data, err := imapmsg.ParseData(raw)
		if err != nil {
			return nil, nil
		}
		return DataReceived{Data: data}, nil
	}
}

func (m *Machine) completeAuthenticating(raw []byte) (Event, error) {
	switch classify(raw) {
	case kindContinuation:
		cr, err := imapmsg.ParseContinuationRequest(raw)
		if err != nil {
			return nil, nil
		}
		return AuthenticateContinuationRequestReceived{ContinuationRequest: cr}, nil
	case kindStatus:
		status, err := imapmsg.ParseStatus(raw)
		if err != nil {
			return nil, nil
		}
		if status.Tag != m.pendingTag {
			return nil, nil
		}
		m.state = stateReady
		m.clearPending()
		return AuthenticateStatusReceived{Status: status}, nil
	default:
		// Unsolicited data during authentication is out of scope for the
		// sub-protocol and dropped.
		return nil, nil
	}
}

func (m *Machine) completeIdling(raw []byte) (Event, error) {
	switch classify(raw) {
	case kindContinuation:
		if m.idleAccepted {
			return nil, nil
		}
		cr, err := imapmsg.ParseContinuationRequest(raw)
		if err != nil {
			return nil, nil
		}
		m.idleAccepted = true
		return IdleAccepted{Handle: m.pendingHandle, ContinuationRequest: cr}, nil
	case kindStatus:
		status, err := imapmsg.ParseStatus(raw)
		if err != nil {
			return nil, nil
		}
		if status.Tag != m.pendingTag {
			return StatusReceived{Status: status}, nil
		}
		handle := m.pendingHandle
		accepted := m.idleAccepted
		m.state = stateReady
		m.idleAccepted = false
		m.clearPending()
		if !accepted {
			return IdleRejected{Handle: handle, Status: status}, nil
		}
		return StatusReceived{Status: status}, nil
	default:
		data, err := imapmsg.ParseData(raw)
		if err != nil {
			return nil, nil
		}
		return DataReceived{Data: data}, nil
	}
}

func (m *Machine) clearPending() {
	m.pendingKind = pendingNone
	m.pendingHandle = 0
	m.pendingTag = ""
	m.pendingCommand = imapmsg.Command{}
}

// EnqueueCommand queues an ordinary tagged command for the upstream
// server. Only one command may be in flight at a time.
func (m *Machine) EnqueueCommand(cmd imapmsg.Command) (Handle, error) {
	if m.state != stateReady || m.pendingKind != pendingNone {
		return 0, fmt.Errorf("clientside: EnqueueCommand: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.pendingKind = pendingCommand
	m.pendingHandle = h
	m.pendingTag = cmd.Tag
	m.pendingCommand = cmd
	m.out = append(m.out, cmd.Raw...)
	return h, nil
}

// EnqueueAuthenticate queues an AUTHENTICATE command and shifts the
// machine into the authenticate sub-protocol.
func (m *Machine) EnqueueAuthenticate(ca imapmsg.CommandAuthenticate) (Handle, error) {
	if m.state != stateReady || m.pendingKind != pendingNone {
		return 0, fmt.Errorf("clientside: EnqueueAuthenticate: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.state = stateAuthenticating
	m.pendingTag = ca.Tag
	m.pendingHandle = h
	line := fmt.Sprintf("%s AUTHENTICATE %s", ca.Tag, ca.Mechanism)
	if ca.InitialResponse != nil {
		line += " " + string(ca.InitialResponse)
	}
	m.out = append(m.out, []byte(line+"\r\n")...)
	return h, nil
}

// SetAuthenticateData sends one line of client SASL continuation data.
func (m *Machine) SetAuthenticateData(data imapmsg.AuthenticateData) (Handle, error) {
	if m.state != stateAuthenticating {
		return 0, fmt.Errorf("clientside: SetAuthenticateData: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.out = append(m.out, append([]byte(data), '\r', '\n')...)
	return h, nil
}

// EnqueueIdle queues an IDLE command and shifts the machine into the idle
// sub-protocol.
func (m *Machine) EnqueueIdle(tag string) (Handle, error) {
	if m.state != stateReady || m.pendingKind != pendingNone {
		return 0, fmt.Errorf("clientside: EnqueueIdle: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.state = stateIdling
	m.pendingKind = pendingIdle
	m.pendingHandle = h
	m.pendingTag = tag
	m.idleAccepted = false
	m.out = append(m.out, []byte(tag+" IDLE\r\n")...)
	return h, nil
}

// SetIdleDone sends the "DONE" line terminating the idle sub-protocol.
func (m *Machine) SetIdleDone() (Handle, error) {
	if m.state != stateIdling || !m.idleAccepted {
		return 0, fmt.Errorf("clientside: SetIdleDone: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.out = append(m.out, []byte("DONE\r\n")...)
	return h, nil
}

type lineKind int

const (
	kindData lineKind = iota
	kindStatus
	kindContinuation
)

func classify(raw []byte) lineKind {
	if bytes.HasPrefix(raw, []byte("+")) {
		return kindContinuation
	}
	if imapmsg.IsStatusLine(raw) {
		return kindStatus
	}
	return kindData
}
