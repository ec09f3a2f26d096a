package main

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	responseForbidden   = "HTTP/1.1 403 Forbidden\r\n\r\n"
	responseBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
	responseEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
)

const (
	maxMethodLen   = 15
	maxURLLen      = 1023
	maxProtocolLen = 15
)

// parseRequestLine extracts `METHOD TARGET PROTOCOL` from the first line
// of a raw request. The three tokens are whitespace separated; oversized
// tokens make the request malformed.
func parseRequestLine(req []byte) (method, url, protocol string, ok bool) {
	line := req
	if i := bytes.IndexByte(req, '\n'); i >= 0 {
		line = req[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return "", "", "", false
	}
	method, url, protocol = fields[0], fields[1], fields[2]
	if len(method) > maxMethodLen || len(url) > maxURLLen || len(protocol) > maxProtocolLen {
		return "", "", "", false
	}
	return method, url, protocol, true
}

// parseConnectTarget splits a CONNECT target into host and port.
// The port defaults to 443 when missing or unparseable.
func parseConnectTarget(url string) (host string, port int) {
	port = 443
	i := strings.IndexByte(url, ':')
	if i < 0 {
		return url, port
	}
	host = url[:i]
	if p, err := strconv.Atoi(url[i+1:]); err == nil && p > 0 {
		port = p
	}
	return host, port
}

var crlfCRLF = []byte("\r\n\r\n")

// postBody returns the raw request body following the header block,
// or nil when the headers are not complete.
func postBody(req []byte) []byte {
	i := bytes.Index(req, crlfCRLF)
	if i < 0 {
		return nil
	}
	return req[i+len(crlfCRLF):]
}

// isCacheableResponse reports whether the buffered response headers
// identify a 200 response eligible for caching.
func isCacheableResponse(response []byte) bool {
	return bytes.HasPrefix(response, []byte("HTTP/1.1 200")) ||
		bytes.HasPrefix(response, []byte("HTTP/1.0 200"))
}

// listenPort extracts the port from a listen address like ":8080".
func listenPort(addr string) string {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr
	}
	return addr[i+1:]
}
