package http

import (
	"bytes"
	"errors"
	stdhttp "net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// MaxHeaderBytes bounds the request line plus headers
const MaxHeaderBytes = 8192

var (
	// ErrIncomplete means more bytes are needed before a request can be decoded
	ErrIncomplete = errors.New("incomplete HTTP request")

	// ErrInvalidRequest means the bytes can never form a valid request
	ErrInvalidRequest = errors.New("invalid HTTP request")

	// ErrHeaderTooLarge means the header block exceeds MaxHeaderBytes
	ErrHeaderTooLarge = errors.New("HTTP request header too large")

	// ErrUnsupportedEncoding means the request uses a body framing we do not decode
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
)

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// ParseRequest decodes one request from the front of data.
//
// It returns the request and the number of bytes it occupied; any bytes after
// that belong to the next (pipelined) request. ErrIncomplete is returned while
// the header block or the Content-Length body is still partial.
func ParseRequest(data []byte) (*Request, int, error) {
	// Locate end of headers
	headerEnd, sepLen := bytes.Index(data, crlfcrlf), len(crlfcrlf)
	if alt := bytes.Index(data, lflf); alt != -1 && (headerEnd == -1 || alt < headerEnd) {
		headerEnd, sepLen = alt, len(lflf)
	}
	if headerEnd == -1 {
		if len(data) > MaxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}
		return nil, 0, ErrIncomplete
	}
	if headerEnd > MaxHeaderBytes {
		return nil, 0, ErrHeaderTooLarge
	}

	head := data[:headerEnd]
	req := &Request{}

	// Parse request line
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd == -1 {
		lineEnd = len(head)
	}
	if err := parseRequestLine(req, trimCR(head[:lineEnd])); err != nil {
		return nil, 0, err
	}

	// Parse headers
	if lineEnd < len(head) {
		if err := parseHeaders(req, head[lineEnd+1:]); err != nil {
			return nil, 0, err
		}
	}

	if req.Header("Transfer-Encoding") != "" {
		return nil, 0, ErrUnsupportedEncoding
	}

	// Frame the body by Content-Length
	consumed := headerEnd + sepLen
	if req.ContentLength != "" {
		n, err := parseContentLength(req.ContentLength)
		if err != nil {
			return nil, 0, err
		}
		if len(data)-consumed < n {
			return nil, 0, ErrIncomplete
		}
		if n > 0 {
			req.Body = bytes.Clone(data[consumed : consumed+n])
		}
		consumed += n
	}

	return req, consumed, nil
}

// parseContentLength accepts only 1*DIGIT; signs and spaces are rejected
func parseContentLength(v string) (int, error) {
	if v == "" {
		return 0, ErrInvalidRequest
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, ErrInvalidRequest
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return n, nil
}

// parseRequestLine parses METHOD PATH PROTO
func parseRequestLine(req *Request, line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := string(line[:sp1])
	if !httpguts.ValidHeaderFieldName(method) {
		return ErrInvalidRequest
	}

	proto := string(line[sp2+1:])
	if _, _, ok := stdhttp.ParseHTTPVersion(proto); !ok {
		return ErrInvalidRequest
	}

	req.Method = method
	req.Proto = proto
	req.Path = string(line[sp1+1 : sp2])

	// Parse query parameters
	if idx := strings.IndexByte(req.Path, '?'); idx != -1 {
		req.Path = parseQuery(req, req.Path, idx)
	}

	return nil
}

// parseHeaders parses HTTP headers
func parseHeaders(req *Request, data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := trimCR(data[:lineEnd])
		if len(line) > 0 {
			colon := bytes.IndexByte(line, ':')
			if colon <= 0 {
				return ErrInvalidRequest
			}

			key := string(line[:colon])
			value := string(bytes.TrimSpace(line[colon+1:]))
			if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
				return ErrInvalidRequest
			}
			req.SetHeader(key, value)
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}

	return nil
}

// parseQuery parses query parameters and returns the bare path
func parseQuery(req *Request, path string, idx int) string {
	queryStr := path[idx+1:]
	path = path[:idx]

	if req.Query == nil {
		req.Query = make(map[string]string)
	}

	for _, pair := range strings.Split(queryStr, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		req.Query[key] = value
	}

	return path
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}
