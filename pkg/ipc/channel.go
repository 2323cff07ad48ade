package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Channel is one end of the controller/engine message link.
//
// Send and Clear together form the outbound contract: Send overwrites the
// single outbound slot (the previous unsent message is lost) and Clear drops
// it without transmitting anything. Receive blocks up to timeout for an
// inbound message; a non-positive timeout polls without blocking.
type Channel interface {
	Send(payload []byte)
	Clear()
	Receive(timeout time.Duration) ([]byte, bool)
	Close() error
}

// memoryChannel is one end of an in-process pair built from two crossed
// slots. It reproduces the shared-memory mailbox semantics exactly and is
// what the tests run against.
type memoryChannel struct {
	out *Slot
	in  *Slot
}

// Pair returns two connected in-memory channel ends.
func Pair() (Channel, Channel) {
	a := NewSlot()
	b := NewSlot()
	return &memoryChannel{out: a, in: b}, &memoryChannel{out: b, in: a}
}

func (c *memoryChannel) Send(payload []byte) { c.out.Store(payload) }

func (c *memoryChannel) Clear() { c.out.Clear() }

func (c *memoryChannel) Receive(timeout time.Duration) ([]byte, bool) {
	return c.in.Take(timeout)
}

func (c *memoryChannel) Close() error {
	c.out.Clear()
	c.in.Clear()
	return nil
}

// connChannel frames messages over a stream connection with a 4-byte
// big-endian length prefix. A frame already written cannot be retracted, so
// Clear transmits an empty frame instead; both sides treat an empty payload
// as "drop the pending message", which is also why Receive reports an empty
// frame as received-nothing.
//
// Receive is resumable: a poll deadline may strike with a frame only partly
// read, so the partial header and payload are retained across calls and the
// next Receive picks up exactly where the stream left off. Receive must only
// be called from one goroutine, which the engine's single thread guarantees.
type connChannel struct {
	conn    net.Conn
	writeMu sync.Mutex
	log     func(format string, args ...any)

	header   [4]byte
	headerN  int
	payload  []byte
	payloadN int
}

// Dial connects to the controller's unix socket.
func Dial(socketPath string) (Channel, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial controller socket %s: %w", socketPath, err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an established stream connection as a Channel.
func NewConn(conn net.Conn) Channel {
	return &connChannel{
		conn: conn,
		log:  func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	}
}

func (c *connChannel) writeFrame(payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.conn.Write(header[:]); err != nil {
		c.log("ipc: failed to write frame header: %v", err)
		return
	}
	if len(payload) == 0 {
		return
	}
	if _, err := c.conn.Write(payload); err != nil {
		c.log("ipc: failed to write frame payload: %v", err)
	}
}

func (c *connChannel) Send(payload []byte) { c.writeFrame(payload) }

func (c *connChannel) Clear() { c.writeFrame(nil) }

func (c *connChannel) Receive(timeout time.Duration) ([]byte, bool) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false
	}

	if c.headerN < len(c.header) {
		n, err := io.ReadFull(c.conn, c.header[c.headerN:])
		c.headerN += n
		if err != nil {
			if !isTimeout(err) {
				c.log("ipc: failed to read frame header: %v", err)
				c.resetRead()
			}
			return nil, false
		}
	}

	length := binary.BigEndian.Uint32(c.header[:])
	if length == 0 {
		c.resetRead()
		return nil, false
	}
	if c.payload == nil {
		c.payload = make([]byte, length)
	}

	// The poll deadline stays armed for the body too: a slow frame resumes
	// on the next call instead of stalling the loop here.
	n, err := io.ReadFull(c.conn, c.payload[c.payloadN:])
	c.payloadN += n
	if err != nil {
		if !isTimeout(err) {
			c.log("ipc: failed to read frame payload: %v", err)
			c.resetRead()
		}
		return nil, false
	}

	payload := c.payload
	c.resetRead()
	return payload, true
}

// resetRead discards the partial-frame state, either after a completed frame
// or after a stream error that makes resuming pointless.
func (c *connChannel) resetRead() {
	c.headerN = 0
	c.payload = nil
	c.payloadN = 0
}

func (c *connChannel) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close channel connection: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
