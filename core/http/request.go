package http

import (
	stdhttp "net/http"
	"net/textproto"

	"golang.org/x/net/http/httpguts"
)

// Request is a decoded HTTP/1.x request.
//
// Strings and Body are copied out of the connection read buffer, so a Request
// stays valid after the buffer is reused for the next read.
type Request struct {
	Method string
	Path   string
	Proto  string

	// Predefined common header fields
	ContentType   string
	ContentLength string
	Accept        string
	Host          string
	Connection    string

	// Extra headers (allocated only when needed), canonical keys
	ExtraHeaders map[string]string

	// Query parameters
	Query map[string]string

	// Request body
	Body []byte
}

// SetHeader sets a header (prioritizes predefined fields). Keys are case-insensitive.
func (r *Request) SetHeader(key, value string) {
	switch key = textproto.CanonicalMIMEHeaderKey(key); key {
	case HeaderContentType:
		r.ContentType = value
	case HeaderContentLength:
		r.ContentLength = value
	case "Accept":
		r.Accept = value
	case "Host":
		r.Host = value
	case HeaderConnection:
		if r.Connection != "" {
			value = r.Connection + ", " + value
		}
		r.Connection = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		r.ExtraHeaders[key] = value
	}
}

// Header returns a header value. Keys are case-insensitive.
func (r *Request) Header(key string) string {
	switch key = textproto.CanonicalMIMEHeaderKey(key); key {
	case HeaderContentType:
		return r.ContentType
	case HeaderContentLength:
		return r.ContentLength
	case "Accept":
		return r.Accept
	case "Host":
		return r.Host
	case HeaderConnection:
		return r.Connection
	default:
		return r.ExtraHeaders[key]
	}
}

// KeepAlive reports whether the client asked for a persistent connection.
//
// An explicit "close" token always wins. HTTP/1.1 and later are persistent by
// default; HTTP/1.0 only with an explicit "keep-alive" token.
func (r *Request) KeepAlive() bool {
	tokens := []string{r.Connection}
	if httpguts.HeaderValuesContainsToken(tokens, "close") {
		return false
	}

	major, minor, ok := stdhttp.ParseHTTPVersion(r.Proto)
	if !ok {
		return false
	}
	if major > 1 || (major == 1 && minor >= 1) {
		return true
	}
	return httpguts.HeaderValuesContainsToken(tokens, "keep-alive")
}
