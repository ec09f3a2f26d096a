package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxylab/hproxy/cache"
	"github.com/proxylab/hproxy/config"
	"github.com/proxylab/hproxy/internal/counter"
	"github.com/proxylab/hproxy/log"
)

const (
	// requestBufferSize bounds the single read of the client request
	// and every upstream read frame.
	requestBufferSize = 8192

	// initialResponseBufferSize is the starting capacity of the
	// response buffer accumulated for caching.
	initialResponseBufferSize = 16384

	// forwardPort is the upstream port for plain HTTP forwards.
	forwardPort = 80
)

const (
	statusCacheHit  = "CACHE_HIT"
	statusCacheMiss = "CACHE_MISS"
	statusConnect   = "CONNECT"
)

type dialFunc func(host string, port int, timeout time.Duration) (net.Conn, error)

// proxyServer accepts client connections and runs the per-connection
// request engine. The cache is the only state shared between
// connections.
type proxyServer struct {
	cache     cache.Cache
	blocklist Blocklist
	sink      Sink
	limiter   *rate.Limiter
	dial      dialFunc

	upstreamRecvTimeout  time.Duration
	forwardReadinessWait time.Duration
	maxPayloadSize       uint64

	connIDs counter.Counter
}

func newProxyServer(cfg *config.Config, c cache.Cache, sink Sink) *proxyServer {
	p := &proxyServer{
		cache:     c,
		blocklist: NewBlocklist(cfg.Proxy.BlockList),
		sink:      sink,
		dial:      dialUpstream,

		upstreamRecvTimeout:  time.Duration(cfg.Proxy.UpstreamRecvTimeout),
		forwardReadinessWait: time.Duration(cfg.Proxy.ForwardReadinessWait),
		maxPayloadSize:       uint64(cfg.Cache.MaxPayloadSize),
	}
	if cfg.Server.MaxAcceptRate > 0 {
		burst := int(cfg.Server.MaxAcceptRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Server.MaxAcceptRate), burst)
	}
	return p
}

// Serve accepts connections from ln until it is closed. Accept errors
// are logged and survived.
func (p *proxyServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			acceptErrors.Inc()
			log.Errorf("cannot accept connection: %s", err)
			continue
		}
		if p.limiter != nil && !p.limiter.Allow() {
			acceptThrottled.Inc()
			conn.Close()
			continue
		}
		go p.serveConn(&statConn{
			Conn:         conn,
			bytesRead:    clientBytesRead,
			bytesWritten: clientBytesWritten,
		})
	}
}

// serveConn runs the request engine for a single client connection:
// read the request, classify it and hand it to the blocked, tunnel or
// forward path. The client socket is closed on every exit.
func (p *proxyServer) serveConn(conn net.Conn) {
	connTotal.Inc()
	connOpen.Inc()
	defer connOpen.Dec()
	defer conn.Close()

	id := p.connIDs.Inc()

	buf := make([]byte, requestBufferSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	req := buf[:n]

	method, url, protocol, ok := parseRequestLine(req)
	if !ok {
		requestMalformed.Inc()
		log.Debugf("conn #%d from %s: malformed request line", id, conn.RemoteAddr())
		return
	}

	if method == "CONNECT" {
		requestSum.WithLabelValues(statusConnect).Inc()
		p.sink.Publish(RequestSeen{Method: method, URL: url, Protocol: protocol, CacheStatus: statusConnect})
		p.serveConnect(conn, url, id)
		return
	}

	key := cache.NewKey(method, url, nil)
	if method == "POST" {
		key.Body = postBody(req)
	}

	// The cache is consulted before the blocklist: a response cached
	// for a now-blocked host is still served.
	if body, err := p.cache.Get(key); err == nil {
		cacheHits.Inc()
		requestSum.WithLabelValues(statusCacheHit).Inc()
		p.sink.Publish(CacheHit{Fingerprint: key.String()})
		p.sink.Publish(RequestSeen{Method: method, URL: url, Protocol: protocol, CacheStatus: statusCacheHit})
		if _, err := conn.Write(body); err != nil {
			log.Debugf("conn #%d: cannot write cached response: %s", id, err)
		}
		return
	}

	cacheMisses.Inc()
	requestSum.WithLabelValues(statusCacheMiss).Inc()
	p.sink.Publish(CacheMiss{Fingerprint: key.String()})
	p.sink.Publish(RequestSeen{Method: method, URL: url, Protocol: protocol, CacheStatus: statusCacheMiss})

	p.serveForward(conn, req, method, url, protocol, key, id)
}

// serveConnect establishes a tunnel for a CONNECT request. The
// blocklist is consulted before dialing.
func (p *proxyServer) serveConnect(conn net.Conn, url string, id uint64) {
	host, port := parseConnectTarget(url)

	if p.blocklist.Contains(host) {
		requestBlocked.Inc()
		conn.Write([]byte(responseForbidden))
		return
	}

	upstream, err := p.dial(host, port, p.upstreamRecvTimeout)
	if err != nil {
		dialErrors.WithLabelValues("connect").Inc()
		log.Debugf("conn #%d: cannot dial %s:%d: %s", id, host, port, err)
		conn.Write([]byte(responseBadGateway))
		return
	}

	if _, err := conn.Write([]byte(responseEstablished)); err != nil {
		upstream.Close()
		return
	}

	tunnel(conn, upstream)
}

// serveForward sends the rewritten request upstream and streams the
// response back, feeding the cache on success.
func (p *proxyServer) serveForward(conn net.Conn, req []byte, method, url, protocol string, key *cache.Key, id uint64) {
	host, path := cache.SplitURL(url)

	if p.blocklist.Contains(host) {
		requestBlocked.Inc()
		conn.Write([]byte(responseForbidden))
		return
	}

	upstream, err := p.dial(host, forwardPort, p.upstreamRecvTimeout)
	if err != nil {
		dialErrors.WithLabelValues("forward").Inc()
		log.Debugf("conn #%d: cannot dial %s:%d: %s", id, host, forwardPort, err)
		return
	}
	defer upstream.Close()

	// Rewrite the request line target to the origin-form path; the
	// client headers and body are forwarded untouched.
	var fwd bytes.Buffer
	fmt.Fprintf(&fwd, "%s %s %s\r\n", method, path, protocol)
	if i := bytes.Index(req, []byte("\r\n")); i >= 0 {
		fwd.Write(req[i+2:])
	}

	upstream.SetWriteDeadline(time.Now().Add(p.upstreamRecvTimeout))
	if _, err := upstream.Write(fwd.Bytes()); err != nil {
		log.Debugf("conn #%d: cannot forward request to %s: %s", id, host, err)
		return
	}

	p.streamResponse(conn, upstream, key)
}

// streamResponse forwards upstream bytes to the client as they arrive
// while accumulating them for the cache. The loop ends when the
// upstream goes idle for forwardReadinessWait, closes, or errors.
// Only complete streams whose headers start with a 200 status are
// cached; a hard upstream error discards the partial buffer.
func (p *proxyServer) streamResponse(client, upstream net.Conn, key *cache.Key) {
	buf := make([]byte, requestBufferSize)
	response := make([]byte, 0, initialResponseBufferSize)
	headersComplete := false
	cacheable := false
	buffering := true

	for {
		upstream.SetReadDeadline(time.Now().Add(p.forwardReadinessWait))
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				// The client went away. Whatever was forwarded
				// stands; the partial buffer is never cached.
				return
			}
			if buffering {
				response = append(response, buf[:n]...)
				switch {
				case p.maxPayloadSize > 0 && uint64(len(response)) > p.maxPayloadSize:
					buffering, cacheable, response = false, false, nil
				case !headersComplete && bytes.Contains(response, crlfCRLF):
					headersComplete = true
					if isCacheableResponse(response) {
						cacheable = true
					} else {
						buffering, response = false, nil
					}
				}
			}
		}
		if err != nil {
			var netErr net.Error
			isTimeout := errors.As(err, &netErr) && netErr.Timeout()
			if !isTimeout && err != io.EOF {
				cacheable = false
			}
			break
		}
	}

	if cacheable && len(response) > 0 {
		p.cache.Put(key, response)
	}
}
