// Package capfilter implements the proxy's policy layer: stripping
// capability tokens the proxy cannot honor across the interception
// boundary, and rewriting upstream command rejections before they reach
// the client.
package capfilter

import (
	"strings"

	"github.com/ctolnik/imap-proxy/internal/imapmsg"
)

// CommandRejectedText is the generic rejection text substituted for any
// upstream BAD/NO status that does not carry an ALERT code.
const CommandRejectedText = "proxy: Command rejected by server"

// Policy is the deny list applied uniformly to the greeting's CAPABILITY
// code, untagged CAPABILITY data, tagged status CAPABILITY codes, and
// CAPABILITY codes in continuation requests. The proxy cannot honor
// capabilities that change framing (compression, STARTTLS) since it
// already terminates TLS itself, or that it does not implement.
type Policy struct {
	Deny map[string]bool
}

// DefaultPolicy denies the capabilities that would change wire framing in
// a way the proxy's fragmentizer does not understand, or that promise a
// mid-connection behavior the proxy does not implement.
func DefaultPolicy() Policy {
	return Policy{Deny: map[string]bool{
		"STARTTLS":    true,
		"COMPRESS=DEFLATE": true,
	}}
}

func (p Policy) filterTokens(tokens []string) []string {
	out := tokens[:0:0]
	for _, tok := range tokens {
		if !p.Deny[strings.ToUpper(tok)] {
			out = append(out, tok)
		}
	}
	return out
}

// filterCapabilityText filters a raw CAPABILITY token list (space
// separated) and returns the result re-joined.
func (p Policy) filterCapabilityText(text string) string {
	return strings.Join(p.filterTokens(strings.Fields(text)), " ")
}

// filterCode returns a filtered copy of code if it is a CAPABILITY code;
// any other code (e.g. ALERT) passes through untouched.
func (p Policy) filterCode(code *imapmsg.ResponseCode) *imapmsg.ResponseCode {
	if code == nil || !strings.EqualFold(code.Name, "CAPABILITY") {
		return code
	}
	filtered := *code
	filtered.Args = p.filterCapabilityText(code.Args)
	return &filtered
}

// Greeting filters the CAPABILITY response code of a greeting, if present.
func (p Policy) Greeting(g imapmsg.Greeting) imapmsg.Greeting {
	g.Code = p.filterCode(g.Code)
	return g
}

// Status filters the CAPABILITY response code of a tagged or untagged
// status, if present.
func (p Policy) Status(s imapmsg.Status) imapmsg.Status {
	s.Code = p.filterCode(s.Code)
	return s
}

// Data filters an untagged CAPABILITY data response's token list; any
// other untagged data passes through untouched.
func (p Policy) Data(d imapmsg.Data) imapmsg.Data {
	if !strings.EqualFold(d.Keyword, "CAPABILITY") {
		return d
	}
	d.Text = p.filterCapabilityText(d.Text)
	return d
}

// ContinuationRequest filters the CAPABILITY response code of a
// continuation request, if present.
func (p Policy) ContinuationRequest(cr imapmsg.ContinuationRequest) imapmsg.ContinuationRequest {
	cr.Code = p.filterCode(cr.Code)
	return cr
}

// RewriteRejection implements the rejection-status rewrite: when the
// upstream rejects a queued command, the proxy forwards a BAD tagged
// status to the client. An ALERT-coded rejection is passed through with
// its text intact, since RFC 3501 requires ALERT text to be shown to the
// user; any other rejection is replaced with a generic BAD status, since
// the upstream's code may describe a command shape the client never
// literally sent.
func RewriteRejection(status imapmsg.Status) imapmsg.Status {
	if status.Code != nil && strings.EqualFold(status.Code.Name, "ALERT") {
		return imapmsg.Status{
			Tag:  status.Tag,
			Kind: imapmsg.BAD,
			Code: status.Code,
			Text: status.Text,
		}
	}
	return imapmsg.Status{
		Tag:  status.Tag,
		Kind: imapmsg.BAD,
		Text: CommandRejectedText,
	}
}
