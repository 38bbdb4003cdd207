package imapwire

import "fmt"

// EscapeBytes renders data as a double-quoted, escaped string suitable for
// trace logging, the way the original implementation escaped fragment
// bytes before handing them to its tracing layer. It is used only by the
// logging path; it never touches bytes on the wire.
func EscapeBytes(data []byte) string {
	out := make([]byte, 0, len(data)+2)
	out = append(out, '"')
	for _, b := range data {
		switch b {
		case '\\':
			out = append(out, '\\', '\\')
		case '"':
			out = append(out, '\\', '"')
		case '\r':
			out = append(out, '\\', 'r')
		case '\n':
			out = append(out, '\\', 'n')
		case '\t':
			out = append(out, '\\', 't')
		default:
			if b < 0x20 || b >= 0x7f {
				out = append(out, []byte(fmt.Sprintf("\\x%02x", b))...)
			} else {
				out = append(out, b)
			}
		}
	}
	out = append(out, '"')
	return string(out)
}
