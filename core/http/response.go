package http

import (
	"maps"
	stdhttp "net/http"
	"net/textproto"
	"slices"
	"strconv"
)

// Header names the encoder and the dispatcher set
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
)

// Response is an HTTP/1.x response ready to be encoded.
//
// Header keys are canonical MIME keys, so lookups are case-insensitive.
// Content-Length is always derived from Body when encoding.
type Response struct {
	Proto      string
	StatusCode int
	Header     map[string]string
	Body       []byte
}

// NewResponse creates an HTTP/1.1 response with the given status and body
func NewResponse(code int, body []byte) *Response {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Header:     make(map[string]string, 4),
	}
	resp.SetBody(body)
	return resp
}

// NewErrorResponse creates a plain-text response that closes the connection
func NewErrorResponse(code int) *Response {
	resp := NewResponse(code, []byte(stdhttp.StatusText(code)))
	resp.SetHeader(HeaderContentType, "text/plain; charset=utf-8")
	resp.SetKeepAlive(false)
	return resp
}

// SetHeader sets a response header
func (r *Response) SetHeader(key, value string) {
	r.Header[textproto.CanonicalMIMEHeaderKey(key)] = value
}

// GetHeader returns a response header
func (r *Response) GetHeader(key string) string {
	return r.Header[textproto.CanonicalMIMEHeaderKey(key)]
}

// SetBody replaces the body and keeps Content-Length in sync
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.Header[HeaderContentLength] = strconv.Itoa(len(body))
}

// SetKeepAlive sets the Connection header for the keep-alive decision
func (r *Response) SetKeepAlive(keepAlive bool) {
	if keepAlive {
		r.Header[HeaderConnection] = "keep-alive"
	} else {
		r.Header[HeaderConnection] = "close"
	}
}

// KeepAlive reports whether the response leaves the connection open
func (r *Response) KeepAlive() bool {
	return r.Header[HeaderConnection] != "close"
}

// AppendTo appends the wire encoding of the response to b
func (r *Response) AppendTo(b []byte) []byte {
	r.Header[HeaderContentLength] = strconv.Itoa(len(r.Body))

	b = append(b, r.Proto...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(r.StatusCode), 10)
	b = append(b, ' ')
	b = append(b, stdhttp.StatusText(r.StatusCode)...)
	b = append(b, "\r\n"...)

	for _, key := range slices.Sorted(maps.Keys(r.Header)) {
		b = append(b, key...)
		b = append(b, ": "...)
		b = append(b, r.Header[key]...)
		b = append(b, "\r\n"...)
	}

	b = append(b, "\r\n"...)
	return append(b, r.Body...)
}

// Bytes returns the wire encoding of the response
func (r *Response) Bytes() []byte {
	return r.AppendTo(make([]byte, 0, 128+len(r.Body)))
}
