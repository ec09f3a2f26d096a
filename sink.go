package main

import (
	"fmt"

	"github.com/proxylab/hproxy/log"
)

// Event is a structured log event produced by the request engine.
type Event interface {
	fmt.Stringer
}

// RequestSeen is emitted once per parsed client request.
type RequestSeen struct {
	Method      string
	URL         string
	Protocol    string
	CacheStatus string
}

func (e RequestSeen) String() string {
	return fmt.Sprintf("%s %s %s | %s", e.Method, e.URL, e.Protocol, e.CacheStatus)
}

// CacheHit is emitted when a forward request is served from the cache.
type CacheHit struct {
	Fingerprint string
}

func (e CacheHit) String() string {
	return fmt.Sprintf("%s: Cache Hit", e.Fingerprint)
}

// CacheMiss is emitted when a forward request has to go upstream.
type CacheMiss struct {
	Fingerprint string
}

func (e CacheMiss) String() string {
	return fmt.Sprintf("%s: Cache Miss", e.Fingerprint)
}

// Startup is emitted once, after the listener is bound.
type Startup struct {
	Port string
}

func (e Startup) String() string {
	return fmt.Sprintf("[+] Proxy server running on port %s", e.Port)
}

// ErrorEvent carries a non-fatal error with its context.
type ErrorEvent struct {
	Context string
	Err     error
}

func (e ErrorEvent) String() string {
	return fmt.Sprintf("%s: %s", e.Context, e.Err)
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Publish(Event)
}

const defaultEventBufferSize = 1024

// asyncSink renders events out-of-band through the log package.
// Publish never blocks: when the buffer is full the newest event
// is dropped.
type asyncSink struct {
	events chan Event
	done   chan struct{}
}

// NewAsyncSink starts a sink with the given buffer size.
func NewAsyncSink(bufferSize int) *asyncSink {
	if bufferSize <= 0 {
		bufferSize = defaultEventBufferSize
	}
	s := &asyncSink{
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *asyncSink) run() {
	defer close(s.done)
	for e := range s.events {
		log.Infof("%s", e)
	}
}

// Publish enqueues the event, dropping it when the buffer is full.
func (s *asyncSink) Publish(e Event) {
	select {
	case s.events <- e:
	default:
		eventsDropped.Inc()
	}
}

// Close drains the pending events and stops the sink.
func (s *asyncSink) Close() {
	close(s.events)
	<-s.done
}
