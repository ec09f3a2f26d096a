package main

import (
	"net"
	"time"
)

const tunnelBufferSize = 8192

// tunnel relays bytes between the client and the upstream in both
// directions until either side reports EOF or an error on read.
// The upstream socket is closed on exit; closing the client socket
// is the caller's responsibility.
func tunnel(client, upstream net.Conn) {
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go relay(upstream, client, done)
	go relay(client, upstream, done)

	// Either direction finishing terminates the tunnel. An immediate
	// read deadline unblocks the other relay.
	<-done
	now := time.Now()
	client.SetReadDeadline(now)
	upstream.SetReadDeadline(now)
	<-done
}

// relay moves bytes from src to dst in read order. Frames are at most
// 8 KiB and nothing is buffered across iterations.
func relay(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, tunnelBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			tunnelBytes.Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}
