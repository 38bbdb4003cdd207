package imapmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a line does not match the shape the
// caller asked to parse it as.
type ErrMalformed struct {
	Reason string
	Line   []byte
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("imapmsg: malformed line (%s): %q", e.Reason, e.Line)
}

func trimCRLF(line []byte) string {
	return strings.TrimRight(string(line), "\r\n")
}

// splitResponseCode extracts an optional leading "[...]" response code
// from s, returning the code (nil if absent) and the remaining text with
// leading spaces trimmed.
func splitResponseCode(s string) (*ResponseCode, string) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, "[") {
		return nil, s
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return nil, s
	}
	inner := s[1:end]
	rest := strings.TrimLeft(s[end+1:], " ")

	name, args, _ := strings.Cut(inner, " ")
	return &ResponseCode{Name: name, Args: args}, rest
}

func parseStatusKind(word string) (StatusKind, bool) {
	switch StatusKind(strings.ToUpper(word)) {
	case OK:
		return OK, true
	case NO:
		return NO, true
	case BAD:
		return BAD, true
	case BYE:
		return BYE, true
	case PREAUTH:
		return PREAUTH, true
	default:
		return "", false
	}
}

// ParseGreeting parses the server's untagged initial response.
func ParseGreeting(line []byte) (Greeting, error) {
	s := trimCRLF(line)
	if !strings.HasPrefix(s, "* ") {
		return Greeting{}, &ErrMalformed{Reason: "greeting must be untagged", Line: line}
	}
	rest := s[2:]
	word, rest, _ := strings.Cut(rest, " ")
	kind, ok := parseStatusKind(word)
	if !ok {
		return Greeting{}, &ErrMalformed{Reason: "unrecognized greeting kind", Line: line}
	}
	code, text := splitResponseCode(rest)
	return Greeting{Kind: kind, Code: code, Text: text, Raw: append([]byte(nil), line...)}, nil
}

// ParseStatus parses a tagged or untagged OK/NO/BAD/BYE/PREAUTH response.
func ParseStatus(line []byte) (Status, error) {
	s := trimCRLF(line)
	tag, rest, found := strings.Cut(s, " ")
	if !found {
		return Status{}, &ErrMalformed{Reason: "missing status keyword", Line: line}
	}
	word, rest, _ := strings.Cut(rest, " ")
	kind, ok := parseStatusKind(word)
	if !ok {
		return Status{}, &ErrMalformed{Reason: "unrecognized status kind", Line: line}
	}
	code, text := splitResponseCode(rest)
	return Status{Tag: tag, Kind: kind, Code: code, Text: text, Raw: append([]byte(nil), line...)}, nil
}

// IsStatusLine reports whether line looks like a tagged or untagged
// status response (as opposed to untagged data or a continuation
// request), without allocating a Status.
func IsStatusLine(line []byte) bool {
	s := trimCRLF(line)
	_, rest, found := strings.Cut(s, " ")
	if !found {
		return false
	}
	word, _, _ := strings.Cut(rest, " ")
	_, ok := parseStatusKind(word)
	return ok
}

// ParseData parses an untagged data response that is not a status, e.g.
// "* CAPABILITY ...", "* 5 EXISTS", "* FLAGS (...)".
func ParseData(line []byte) (Data, error) {
	s := trimCRLF(line)
	if !strings.HasPrefix(s, "* ") {
		return Data{}, &ErrMalformed{Reason: "data must be untagged", Line: line}
	}
	rest := s[2:]
	word, tail, _ := strings.Cut(rest, " ")

	if n, err := strconv.Atoi(word); err == nil {
		keyword, text, _ := strings.Cut(tail, " ")
		return Data{Number: n, Keyword: strings.ToUpper(keyword), Text: text, Raw: append([]byte(nil), line...)}, nil
	}

	return Data{Keyword: strings.ToUpper(word), Text: tail, Raw: append([]byte(nil), line...)}, nil
}

// ParseContinuationRequest parses a server line beginning with "+".
func ParseContinuationRequest(line []byte) (ContinuationRequest, error) {
	s := trimCRLF(line)
	if !strings.HasPrefix(s, "+") {
		return ContinuationRequest{}, &ErrMalformed{Reason: "continuation request must start with '+'", Line: line}
	}
	rest := strings.TrimPrefix(s, "+")
	rest = strings.TrimPrefix(rest, " ")
	code, text := splitResponseCode(rest)
	return ContinuationRequest{Code: code, Text: text, Raw: append([]byte(nil), line...)}, nil
}

// ParseCommand parses a tagged client command line.
func ParseCommand(line []byte) (Command, error) {
	s := trimCRLF(line)
	tag, rest, found := strings.Cut(s, " ")
	if !found || tag == "" {
		return Command{}, &ErrMalformed{Reason: "missing command tag", Line: line}
	}
	verb, args, _ := strings.Cut(rest, " ")
	if verb == "" {
		return Command{}, &ErrMalformed{Reason: "missing command verb", Line: line}
	}
	return Command{
		Tag:  tag,
		Verb: strings.ToUpper(verb),
		Args: []byte(args),
		Raw:  append([]byte(nil), line...),
	}, nil
}

// ParseCommandAuthenticate refines a Command already known to have the
// AUTHENTICATE verb into its mechanism name and optional SASL-IR initial
// response.
func ParseCommandAuthenticate(cmd Command) (CommandAuthenticate, error) {
	if cmd.Verb != "AUTHENTICATE" {
		return CommandAuthenticate{}, &ErrMalformed{Reason: "not an AUTHENTICATE command", Line: cmd.Raw}
	}
	args := bytes.TrimSpace(cmd.Args)
	mechanism, initial, hasInitial := bytesCut(args, ' ')

	ca := CommandAuthenticate{Tag: cmd.Tag, Mechanism: string(bytes.ToUpper(mechanism)), Raw: cmd.Raw}
	if hasInitial {
		ca.InitialResponse = initial
	}
	return ca, nil
}

func bytesCut(s []byte, sep byte) (before, after []byte, found bool) {
	if idx := bytes.IndexByte(s, sep); idx >= 0 {
		return s[:idx], s[idx+1:], true
	}
	return s, nil, false
}
