// Package conversation drives one intercepted IMAP session end to end:
// it performs the greeting handshake, then runs the select-style loop
// that reads from both the client and the upstream server, translating
// each side's events into the other's enqueue operations, applying the
// capability filter and the rejection-status rewrite along the way.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ctolnik/imap-proxy/internal/capfilter"
	"github.com/ctolnik/imap-proxy/internal/clientside"
	"github.com/ctolnik/imap-proxy/internal/imapmsg"
	"github.com/ctolnik/imap-proxy/internal/imapwire"
	"github.com/ctolnik/imap-proxy/internal/logging"
	"github.com/ctolnik/imap-proxy/internal/serverside"
)

// Stream is the minimal duplex byte channel a Conversation reads from
// and writes to; *transport.Stream satisfies it.
type Stream interface {
	io.Reader
	io.Writer
}

// Options configures one Conversation.
type Options struct {
	Policy            capfilter.Policy
	MaxCommandSize    int64
	MaxResponseSize   int64
	LiteralAcceptText string
	LiteralRejectText string
	Logger            *slog.Logger
}

// Run performs the greeting handshake against server, then drives the
// proxy loop between client and server until either side closes the
// connection or a transport error occurs. It returns nil on an ordinary
// closed connection.
func Run(ctx context.Context, client, server Stream, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cm := clientside.New(clientside.Options{MaxResponseSize: opts.MaxResponseSize})
	d := &driver{
		client: client,
		server: server,
		cm:     cm,
		opts:   opts,
		// Input fragmentizers are bounded the same way the real state
		// machines are, so the traced "exceeded" flag means the same
		// thing it does to the machine deciding accept/reject; output
		// fragmentizers are unbounded, since the proxy's own output is
		// never rejected for size.
		traceC2P: imapwire.NewFragmentizer(opts.MaxCommandSize),
		traceP2S: imapwire.NewFragmentizer(0),
		traceS2P: imapwire.NewFragmentizer(opts.MaxResponseSize),
		traceP2C: imapwire.NewFragmentizer(0),
	}

	greeting, pending, err := d.receiveGreeting()
	if err != nil {
		return fmt.Errorf("conversation: greeting handshake: %w", err)
	}

	sm, greetingEvent := serverside.New(opts.Policy.Greeting(greeting), serverside.Options{
		LiteralAcceptText: opts.LiteralAcceptText,
		LiteralRejectText: opts.LiteralRejectText,
		MaxCommandSize:    opts.MaxCommandSize,
	})
	opts.Logger.Debug("event", "layer", logging.LayerMessage, "event", fmt.Sprintf("%T", greetingEvent))
	d.sm = sm

	if out := sm.Drain(); len(out) > 0 {
		d.traceFragments("p2c", d.traceP2C, out)
		if _, err := client.Write(out); err != nil {
			return fmt.Errorf("conversation: write greeting: %w", err)
		}
	}

	// The upstream may have pipelined bytes right behind its greeting
	// (e.g. an immediate untagged alert); replay whatever the handshake
	// already parsed before the main loop starts reading fresh bytes.
	for _, ev := range pending {
		if err := d.onClientSideEvent(ev); err != nil {
			return err
		}
	}
	if out := d.sm.Drain(); len(out) > 0 {
		d.traceFragments("p2c", d.traceP2C, out)
		if _, err := client.Write(out); err != nil {
			return fmt.Errorf("conversation: write pipelined response: %w", err)
		}
	}

	return d.loop(ctx)
}

// receiveGreeting reads from the upstream server, via the client-role
// Machine's ordinary Feed, until the first event is a GreetingReceived.
// Any further events parsed from the same read (the server pipelined
// more than its greeting) are returned as pending so the caller can
// replay them once the server-role Machine exists.
func (d *driver) receiveGreeting() (greeting imapmsg.Greeting, pending []clientside.Event, err error) {
	buf := make([]byte, 4096)
	for {
		n, rerr := d.server.Read(buf)
		if n > 0 {
			d.traceFragments("s2p", d.traceS2P, buf[:n])
			events, ferr := d.cm.Feed(buf[:n])
			if ferr != nil {
				return greeting, nil, ferr
			}
			for i, ev := range events {
				if gr, ok := ev.(clientside.GreetingReceived); ok {
					return gr.Greeting, events[i+1:], nil
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return greeting, nil, fmt.Errorf("conversation: upstream closed before sending greeting")
			}
			return greeting, nil, rerr
		}
	}
}

type driver struct {
	client, server Stream
	sm             *serverside.Machine
	cm             *clientside.Machine
	opts           Options

	// traceC2P/traceP2S/traceS2P/traceP2C are fragmentizers used purely
	// for debug-level tracing; they never decide accept/reject, they
	// only re-derive the same Line/Literal boundaries the real machines
	// see so each can be logged at the fragment level. traceC2P and
	// traceS2P carry the same size bound as the real machines reading
	// that stream, so the logged "exceeded" flag means what it would
	// mean to the machine; traceP2S and traceP2C are unbounded, since
	// the proxy's own output is never rejected for size.
	traceC2P, traceP2S, traceS2P, traceP2C *imapwire.Fragmentizer
}

// traceFragments feeds data to frag and logs every Line/Literal fragment
// it yields at slog.LevelDebug, tagged with role ("c2p", "p2s", "s2p", or
// "p2c") so a trace can be filtered down to one of the four logical
// boundaries the proxy sits between.
func (d *driver) traceFragments(role string, frag *imapwire.Fragmentizer, data []byte) {
	if !d.opts.Logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	frag.Feed(data)
	for {
		info, err := frag.Progress()
		if errors.Is(err, imapwire.ErrNeedMoreInput) {
			return
		}
		var framingErr *imapwire.FramingError
		if errors.As(err, &framingErr) {
			continue
		}
		if err != nil {
			return
		}
		switch info.Kind {
		case imapwire.Line:
			d.opts.Logger.Debug("fragment", "layer", logging.LayerFragment, "role", role,
				"line", imapwire.EscapeBytes(info.Bytes), "exceeded", frag.IsMaxMessageSizeExceeded())
		case imapwire.Literal:
			d.opts.Logger.Debug("fragment", "layer", logging.LayerFragment, "role", role,
				"literal", imapwire.EscapeBytes(info.Bytes), "exceeded", frag.IsMaxMessageSizeExceeded())
		}
	}
}

// loop reads from both streams in turn (a simple blocking select built
// from two goroutines reporting into one channel), feeding each side's
// bytes to its Machine and cross-wiring the resulting events, until one
// side is closed or errors. Each read result carries a freshly allocated
// copy of the bytes read, so the reader goroutine is free to start its
// next Read before the main loop finishes processing this one.
func (d *driver) loop(ctx context.Context) error {
	type readResult struct {
		from string
		data []byte
		err  error
	}
	results := make(chan readResult)

	readLoop := func(name string, s Stream) {
		buf := make([]byte, 4096)
		for {
			n, err := s.Read(buf)
			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}
			select {
			case results <- readResult{from: name, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}
	go readLoop("client", d.client)
	go readLoop("server", d.server)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("conversation: %s connection terminated: %w", r.from, r.err)
			}
			var feedErr error
			switch r.from {
			case "client":
				feedErr = d.handleClientBytes(r.data)
			case "server":
				feedErr = d.handleServerBytes(r.data)
			}
			if feedErr != nil {
				return feedErr
			}
		}
	}
}

func (d *driver) handleClientBytes(data []byte) error {
	d.traceFragments("c2p", d.traceC2P, data)

	events, err := d.sm.Feed(data)
	if err != nil {
		return fmt.Errorf("conversation: client protocol error: %w", err)
	}
	if out := d.sm.Drain(); len(out) > 0 {
		d.traceFragments("p2c", d.traceP2C, out)
		if _, err := d.client.Write(out); err != nil {
			return fmt.Errorf("conversation: write to client: %w", err)
		}
	}
	for _, ev := range events {
		if err := d.onServerSideEvent(ev); err != nil {
			return err
		}
	}
	if out := d.cm.Drain(); len(out) > 0 {
		d.traceFragments("p2s", d.traceP2S, out)
		if _, err := d.server.Write(out); err != nil {
			return fmt.Errorf("conversation: write to server: %w", err)
		}
	}
	return nil
}

func (d *driver) handleServerBytes(data []byte) error {
	d.traceFragments("s2p", d.traceS2P, data)

	events, err := d.cm.Feed(data)
	if err != nil {
		return fmt.Errorf("conversation: server protocol error: %w", err)
	}
	for _, ev := range events {
		if err := d.onClientSideEvent(ev); err != nil {
			return err
		}
	}
	if out := d.sm.Drain(); len(out) > 0 {
		d.traceFragments("p2c", d.traceP2C, out)
		if _, err := d.client.Write(out); err != nil {
			return fmt.Errorf("conversation: write to client: %w", err)
		}
	}
	return nil
}

// onServerSideEvent handles one event the server-role machine produced
// from client bytes: it is the "c2p"/"p2s" half of the cross-wiring
// table (client to proxy, proxy to server).
func (d *driver) onServerSideEvent(ev serverside.Event) error {
	d.opts.Logger.Debug("event", "layer", logging.LayerMessage, "role", "c2p", "event", fmt.Sprintf("%T", ev))

	switch e := ev.(type) {
	case serverside.CommandReceived:
		_, err := d.cm.EnqueueCommand(e.Command)
		return wrapUnexpectedState(err, "enqueue command")
	case serverside.CommandAuthenticateReceived:
		_, err := d.cm.EnqueueAuthenticate(e.CommandAuthenticate)
		return wrapUnexpectedState(err, "enqueue authenticate")
	case serverside.AuthenticateDataReceived:
		_, err := d.cm.SetAuthenticateData(e.Data)
		return wrapUnexpectedState(err, "set authenticate data")
	case serverside.IdleCommandReceived:
		_, err := d.cm.EnqueueIdle(e.Tag)
		return wrapUnexpectedState(err, "enqueue idle")
	case serverside.IdleDoneReceived:
		_, err := d.cm.SetIdleDone()
		return wrapUnexpectedState(err, "set idle done")
	case serverside.GreetingSent, serverside.ResponseSent:
		// Progress-only events; nothing to forward.
	}
	return nil
}

// onClientSideEvent handles one event the client-role machine produced
// from server bytes: the "s2p"/"p2c" half of the cross-wiring table
// (server to proxy, proxy to client), including capability filtering and
// rejection-status rewrite.
func (d *driver) onClientSideEvent(ev clientside.Event) error {
	d.opts.Logger.Debug("event", "layer", logging.LayerMessage, "role", "s2p", "event", fmt.Sprintf("%T", ev))

	switch e := ev.(type) {
	case clientside.CommandRejected:
		d.sm.EnqueueStatus(capfilter.RewriteRejection(e.Status))
	case clientside.AuthenticateContinuationRequestReceived:
		if _, err := d.sm.AuthenticateContinue(e.ContinuationRequest); err != nil {
			return wrapUnexpectedState(err, "authenticate continue")
		}
	case clientside.AuthenticateStatusReceived:
		if _, err := d.sm.AuthenticateFinish(e.Status); err != nil {
			return wrapUnexpectedState(err, "authenticate finish")
		}
	case clientside.DataReceived:
		d.sm.EnqueueData(d.opts.Policy.Data(e.Data))
	case clientside.StatusReceived:
		d.sm.EnqueueStatus(d.opts.Policy.Status(e.Status))
	case clientside.ContinuationRequestReceived:
		d.sm.EnqueueContinuationRequest(d.opts.Policy.ContinuationRequest(e.ContinuationRequest))
	case clientside.IdleAccepted:
		if _, err := d.sm.IdleAccept(e.ContinuationRequest); err != nil {
			return wrapUnexpectedState(err, "idle accept")
		}
	case clientside.IdleRejected:
		if _, err := d.sm.IdleReject(e.Status); err != nil {
			return wrapUnexpectedState(err, "idle reject")
		}
	case clientside.GreetingReceived, clientside.CommandSent, clientside.AuthenticateStarted, clientside.IdleCommandSent, clientside.IdleDoneSent:
		// Progress-only events; nothing to forward.
	}
	return nil
}

func wrapUnexpectedState(err error, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("conversation: %s: %w", action, err)
}
