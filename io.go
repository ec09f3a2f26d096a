package main

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

var _ net.Conn = &statConn{}

// statConn collects the amount of bytes read from and written to
// the wrapped connection.
type statConn struct {
	net.Conn

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

func (c *statConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.bytesRead.Add(float64(n))
	return n, err
}

func (c *statConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.bytesWritten.Add(float64(n))
	return n, err
}
