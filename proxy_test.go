package main

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxylab/hproxy/cache"
	"github.com/proxylab/hproxy/config"
	"github.com/proxylab/hproxy/log"
)

func TestMain(m *testing.M) {
	log.SuppressOutput(true)
	defer log.SuppressOutput(false)
	m.Run()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) cacheStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statuses []string
	for _, e := range s.events {
		if rs, ok := e.(RequestSeen); ok {
			statuses = append(statuses, rs.CacheStatus)
		}
	}
	return statuses
}

// testProxy is a proxyServer with an injected dialer: every dial is
// counted and redirected to upstreamAddr regardless of the requested
// host and port.
func newTestProxy(upstreamAddr string, dialCount *int32) (*proxyServer, *recordingSink) {
	cfg := config.Default()
	sink := &recordingSink{}
	p := newProxyServer(cfg, cache.NewMemoryCache(cfg.Cache), sink)

	// Keep the idle cutoff short so forwarding loops finish fast.
	p.forwardReadinessWait = 200 * time.Millisecond

	p.dial = func(host string, port int, timeout time.Duration) (net.Conn, error) {
		atomic.AddInt32(dialCount, 1)
		if upstreamAddr == "" {
			return nil, errors.New("dial refused")
		}
		return net.DialTimeout("tcp", upstreamAddr, timeout)
	}
	return p, sink
}

// startUpstream runs a fake origin that answers every connection with
// the given response and closes it.
func startUpstream(t *testing.T, response string, requests chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %s", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, requestBufferSize)
				conn.SetReadDeadline(time.Now().Add(3 * time.Second))
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				if requests != nil {
					requests <- string(buf[:n])
				}
				conn.Write([]byte(response))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// roundTrip sends a raw request through the engine and returns
// everything written back until the connection is closed.
func roundTrip(t *testing.T, p *proxyServer, request string) string {
	t.Helper()
	client, server := tcpPipe(t)
	go p.serveConn(server)

	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatalf("cannot write request: %s", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("cannot read response: %s", err)
	}
	return string(resp)
}

func TestBlockedHTTP(t *testing.T) {
	var dials int32
	p, sink := newTestProxy("", &dials)

	resp := roundTrip(t, p, "GET http://www.blocked.com/ HTTP/1.1\r\n\r\n")
	if resp != responseForbidden {
		t.Fatalf("unexpected response: %q", resp)
	}
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("blocked request must not dial upstream; got %d dials", n)
	}
	if got := sink.cacheStatuses(); len(got) != 1 || got[0] != statusCacheMiss {
		t.Fatalf("unexpected cache statuses: %v", got)
	}
}

func TestBlockedConnect(t *testing.T) {
	var dials int32
	p, _ := newTestProxy("", &dials)

	resp := roundTrip(t, p, "CONNECT www.wikipedia.org:443 HTTP/1.1\r\n\r\n")
	if resp != responseForbidden {
		t.Fatalf("unexpected response: %q", resp)
	}
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("blocked CONNECT must not dial upstream; got %d dials", n)
	}
}

func TestMalformedRequest(t *testing.T) {
	var dials int32
	p, sink := newTestProxy("", &dials)

	resp := roundTrip(t, p, "garbage\r\n\r\n")
	if resp != "" {
		t.Fatalf("malformed request must be closed silently; got %q", resp)
	}
	if got := sink.cacheStatuses(); len(got) != 0 {
		t.Fatalf("malformed request must not be logged as seen: %v", got)
	}
}

func TestForwardMissThenHit(t *testing.T) {
	const upstreamResponse = "HTTP/1.1 200 OK\r\n\r\nhello"
	requests := make(chan string, 2)
	var dials int32

	addr := startUpstream(t, upstreamResponse, requests)
	p, sink := newTestProxy(addr, &dials)

	const request = "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"

	resp := roundTrip(t, p, request)
	if resp != upstreamResponse {
		t.Fatalf("unexpected first response: %q", resp)
	}
	forwarded := <-requests
	if !strings.HasPrefix(forwarded, "GET / HTTP/1.1\r\n") {
		t.Fatalf("request line must be rewritten to the origin form; got %q", forwarded)
	}
	if !strings.Contains(forwarded, "Host: example.com") {
		t.Fatalf("client headers must be preserved; got %q", forwarded)
	}

	resp = roundTrip(t, p, request)
	if resp != upstreamResponse {
		t.Fatalf("unexpected second response: %q", resp)
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("cache hit must not dial upstream; got %d dials", n)
	}

	expected := []string{statusCacheMiss, statusCacheHit}
	got := sink.cacheStatuses()
	if len(got) != len(expected) || got[0] != expected[0] || got[1] != expected[1] {
		t.Fatalf("unexpected cache statuses: %v; expecting %v", got, expected)
	}
}

func TestForwardNon200NotCached(t *testing.T) {
	const upstreamResponse = "HTTP/1.1 404 Not Found\r\n\r\nnope"
	var dials int32

	addr := startUpstream(t, upstreamResponse, nil)
	p, _ := newTestProxy(addr, &dials)

	const request = "GET http://example.com/missing HTTP/1.1\r\n\r\n"

	for i := 0; i < 2; i++ {
		resp := roundTrip(t, p, request)
		if resp != upstreamResponse {
			t.Fatalf("unexpected response on try %d: %q", i, resp)
		}
	}
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("non-200 responses must not be cached; got %d dials", n)
	}
}

func TestForwardDialFailure(t *testing.T) {
	var dials int32
	p, _ := newTestProxy("", &dials)

	resp := roundTrip(t, p, "GET http://example.com/ HTTP/1.1\r\n\r\n")
	if resp != "" {
		t.Fatalf("forward dial failure must close silently; got %q", resp)
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("unexpected dial count: %d", n)
	}
}

func TestConnectDialFailure(t *testing.T) {
	var dials int32
	p, _ := newTestProxy("", &dials)

	resp := roundTrip(t, p, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	if resp != responseBadGateway {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestConnectTunneling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %s", err)
	}
	defer ln.Close()

	upstreamConns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		upstreamConns <- conn
	}()

	var dials int32
	p, sink := newTestProxy(ln.Addr().String(), &dials)

	client, server := tcpPipe(t)
	go p.serveConn(server)

	if _, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("cannot write request: %s", err)
	}
	assertRead(t, client, responseEstablished)

	upstream := <-upstreamConns
	defer upstream.Close()

	if _, err := client.Write([]byte("ABC")); err != nil {
		t.Fatalf("cannot write: %s", err)
	}
	assertRead(t, upstream, "ABC")

	if _, err := upstream.Write([]byte("XYZ")); err != nil {
		t.Fatalf("cannot write: %s", err)
	}
	assertRead(t, client, "XYZ")

	// Closing the client ends the tunnel and closes the upstream.
	client.Close()
	upstream.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := upstream.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF at upstream; got %v", err)
	}

	if got := sink.cacheStatuses(); len(got) != 1 || got[0] != statusConnect {
		t.Fatalf("unexpected cache statuses: %v", got)
	}
}

// A response cached before a host is blocked is still served: the cache
// is consulted before the blocklist on the forward path.
func TestCachePrecedesBlocklist(t *testing.T) {
	var dials int32
	p, _ := newTestProxy("", &dials)

	key := cache.NewKey("GET", "http://www.blocked.com/", nil)
	p.cache.Put(key, []byte("HTTP/1.1 200 OK\r\n\r\ncached"))

	resp := roundTrip(t, p, "GET http://www.blocked.com/ HTTP/1.1\r\n\r\n")
	if resp != "HTTP/1.1 200 OK\r\n\r\ncached" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("cached response must not dial; got %d dials", n)
	}
}

func TestPostFingerprintsDiffer(t *testing.T) {
	const upstreamResponse = "HTTP/1.1 200 OK\r\n\r\nanswer"
	var dials int32

	addr := startUpstream(t, upstreamResponse, nil)
	p, _ := newTestProxy(addr, &dials)

	roundTrip(t, p, "POST http://example.com/api HTTP/1.1\r\n\r\na=1")
	roundTrip(t, p, "POST http://example.com/api HTTP/1.1\r\n\r\na=2")

	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("POSTs with different bodies must not share a cache entry; got %d dials", n)
	}

	// Same body is a hit.
	roundTrip(t, p, "POST http://example.com/api HTTP/1.1\r\n\r\na=1")
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("POST with an identical body must be served from cache; got %d dials", n)
	}
}

func TestServeEndToEnd(t *testing.T) {
	ln, err := newListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("cannot listen: %s", err)
	}
	defer ln.Close()

	var dials int32
	p, _ := newTestProxy("", &dials)
	go p.Serve(ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("cannot dial proxy: %s", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("GET http://www.blocked.com/ HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("cannot write request: %s", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("cannot read response: %s", err)
	}
	if string(resp) != responseForbidden {
		t.Fatalf("unexpected response: %q", resp)
	}
}
