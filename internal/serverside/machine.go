// Package serverside implements the proxy's server-role state machine: it
// plays IMAP server to the connected client, emitting a greeting,
// deciding the fate of synchronizing literals, and recognizing the
// AUTHENTICATE and IDLE sub-protocols so their continuation data never
// goes through the generic command path.
package serverside

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ctolnik/imap-proxy/internal/imapmsg"
	"github.com/ctolnik/imap-proxy/internal/imapwire"
)

// ErrUnexpectedState reports an operation invoked while the machine was in
// a state that cannot legally accept it (e.g. AuthenticateFinish called
// outside the authenticate sub-protocol). It terminates only the
// conversation it occurred in, never the process.
var ErrUnexpectedState = errors.New("serverside: operation invalid in current state")

type subState int

const (
	stateReady subState = iota
	stateAuthenticating
	stateIdling
)

// Options configures a Machine.
type Options struct {
	// LiteralAcceptText and LiteralRejectText are the human-readable
	// tails the proxy appends to the "+"/"BAD" responses it sends when it
	// unilaterally decides a synchronizing literal's fate.
	LiteralAcceptText string
	LiteralRejectText string
	// MaxCommandSize bounds the size of one client command, literals
	// included. Zero means unbounded.
	MaxCommandSize int64
}

// Machine is the server-role state machine: proxy acting as IMAP server
// toward the connected client.
type Machine struct {
	opts Options
	frag *imapwire.Fragmentizer

	out []byte

	nextHandle Handle

	state      subState
	tag        string // tag of the command currently assembling
	assembling []byte

	idleHandle Handle
}

// New constructs a Machine and immediately queues the greeting for
// output; the first Drain call after construction returns those bytes,
// and the driver should log the accompanying GreetingSent event itself
// since it is produced here rather than from Feed.
func New(greeting imapmsg.Greeting, opts Options) (*Machine, Event) {
	m := &Machine{
		opts:  opts,
		frag:  imapwire.NewFragmentizer(opts.MaxCommandSize),
		state: stateReady,
	}
	m.out = append(m.out, greeting.Render()...)
	return m, GreetingSent{}
}

// Drain returns and clears any bytes queued for the client.
func (m *Machine) Drain() []byte {
	out := m.out
	m.out = nil
	return out
}

func (m *Machine) mintHandle() Handle {
	m.nextHandle++
	return m.nextHandle
}

// Feed supplies client bytes and returns every event they complete.
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
			// Malformed framing is contained: the bad bytes are already
			// discarded by the fragmentizer, so parsing simply resumes.
			continue
		}
		if err != nil {
			return events, err
		}

		if len(m.assembling) == 0 && info.Kind == imapwire.Line {
			m.tag = firstToken(info.Bytes)
		}
		m.assembling = append(m.assembling, info.Bytes...)

		if info.Kind == imapwire.Literal {
			// Literal bytes never end a message; a line must follow them.
			continue
		}

		if info.Kind == imapwire.Line && info.HasLiteral && !info.LiteralNonSync {
			if m.frag.WouldExceed(info.LiteralSize) {
				m.frag.CancelPendingLiteral()
				m.out = append(m.out, (imapmsg.Status{
					Tag:  m.tag,
					Kind: imapmsg.BAD,
					Text: m.opts.LiteralRejectText,
				}).Render()...)
				m.assembling = nil
				continue
			}
			m.out = append(m.out, (imapmsg.ContinuationRequest{Text: m.opts.LiteralAcceptText}).Render()...)
			continue
		}

		if info.Kind == imapwire.Line && info.HasLiteral {
			// Non-synchronizing literal: nothing to decide, keep assembling.
			continue
		}

		if m.frag.IsMaxMessageSizeExceeded() {
			m.out = append(m.out, (imapmsg.Status{
				Tag:  m.tag,
				Kind: imapmsg.BAD,
				Text: m.opts.LiteralRejectText,
			}).Render()...)
			m.assembling = nil
			continue
		}

		// The message is complete.
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
	switch m.state {
	case stateReady:
		cmd, err := imapmsg.ParseCommand(raw)
		if err != nil {
			// Malformed command: contained, discarded, driver continues.
			return nil, nil
		}
		switch cmd.Verb {
		case "AUTHENTICATE":
			ca, err := imapmsg.ParseCommandAuthenticate(cmd)
			if err != nil {
				return nil, nil
			}
			m.state = stateAuthenticating
			return CommandAuthenticateReceived{Handle: m.mintHandle(), CommandAuthenticate: ca}, nil
		case "IDLE":
			m.state = stateIdling
			m.idleHandle = m.mintHandle()
			return IdleCommandReceived{Handle: m.idleHandle, Tag: cmd.Tag}, nil
		default:
			return CommandReceived{Handle: m.mintHandle(), Command: cmd}, nil
		}

	case stateAuthenticating:
		line := strings.TrimRight(string(raw), "\r\n")
		return AuthenticateDataReceived{Data: imapmsg.AuthenticateData(line)}, nil

	case stateIdling:
		line := strings.TrimRight(string(raw), "\r\n")
		if !strings.EqualFold(line, "DONE") {
			// Only DONE is legal while idling; anything else is
			// contained as a protocol error and discarded.
			return nil, nil
		}
		m.state = stateReady
		return IdleDoneReceived{}, nil

	default:
		return nil, fmt.Errorf("serverside: %w", ErrUnexpectedState)
	}
}

// EnqueueStatus queues a tagged or untagged status for the client.
func (m *Machine) EnqueueStatus(status imapmsg.Status) Handle {
	h := m.mintHandle()
	m.out = append(m.out, status.Render()...)
	return h
}

// EnqueueData queues an untagged data response for the client.
func (m *Machine) EnqueueData(data imapmsg.Data) Handle {
	h := m.mintHandle()
	m.out = append(m.out, data.Render()...)
	return h
}

// EnqueueContinuationRequest queues a continuation request for the client.
func (m *Machine) EnqueueContinuationRequest(cr imapmsg.ContinuationRequest) Handle {
	h := m.mintHandle()
	m.out = append(m.out, cr.Render()...)
	return h
}

// AuthenticateContinue forwards a SASL challenge from the upstream to the
// client while the authenticate sub-protocol is in progress.
func (m *Machine) AuthenticateContinue(cr imapmsg.ContinuationRequest) (Handle, error) {
	if m.state != stateAuthenticating {
		return 0, fmt.Errorf("serverside: AuthenticateContinue: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.out = append(m.out, cr.Render()...)
	return h, nil
}

// AuthenticateFinish ends the authenticate sub-protocol, delivering the
// upstream's final tagged status to the client.
func (m *Machine) AuthenticateFinish(status imapmsg.Status) (Handle, error) {
	if m.state != stateAuthenticating {
		return 0, fmt.Errorf("serverside: AuthenticateFinish: %w", ErrUnexpectedState)
	}
	m.state = stateReady
	h := m.mintHandle()
	m.out = append(m.out, status.Render()...)
	return h, nil
}

// IdleAccept forwards the upstream's idle acknowledgement to the client.
func (m *Machine) IdleAccept(cr imapmsg.ContinuationRequest) (Handle, error) {
	if m.state != stateIdling {
		return 0, fmt.Errorf("serverside: IdleAccept: %w", ErrUnexpectedState)
	}
	h := m.mintHandle()
	m.out = append(m.out, cr.Render()...)
	return h, nil
}

// IdleReject forwards the upstream's idle rejection to the client and
// returns the machine to the ready state.
func (m *Machine) IdleReject(status imapmsg.Status) (Handle, error) {
	if m.state != stateIdling {
		return 0, fmt.Errorf("serverside: IdleReject: %w", ErrUnexpectedState)
	}
	m.state = stateReady
	h := m.mintHandle()
	m.out = append(m.out, status.Render()...)
	return h, nil
}

func firstToken(line []byte) string {
	s := strings.TrimRight(string(line), "\r\n")
	tok, _, _ := strings.Cut(s, " ")
	return tok
}
