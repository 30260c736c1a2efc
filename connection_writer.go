package peerwire

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	anasync "github.com/anacrolix/sync"

	pp "github.com/quaylabs/peerwire/peer_protocol"
)

// writeBufferHighWaterLen caps how much outgoing data a connWriter will buffer on post before the
// caller starts seeing false from post, signalling backpressure.
const writeBufferHighWaterLen = 1 << 20

// connWriter is the writer goroutine for one Connection: it owns the outgoing byte stream and the
// keepalive timer, decoupling message production (choke/request/piece sends from anywhere in the
// connection or its session) from the single writer allowed on a net.Conn.
type connWriter struct {
	c *Connection

	mu          anasync.Mutex
	writeCond   chansync.BroadcastCond
	writeBuffer *bytes.Buffer
}

func newConnWriter(c *Connection) *connWriter {
	return &connWriter{c: c, writeBuffer: new(bytes.Buffer)}
}

// post enqueues msg for the writer goroutine and reports whether the buffer is still below its
// high-water mark.
func (w *connWriter) post(msg pp.Message) bool {
	wire := msg.MustMarshalBinary()
	w.c.stats.wroteMsg(&msg, int64(len(wire)))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeBuffer.Write(wire)
	w.writeCond.Broadcast()
	return w.writeBuffer.Len() < writeBufferHighWaterLen
}

// run flips the front/back buffer pair, writes whatever accumulated since the last flip, and
// falls back to a bare keepalive once KeepaliveInterval has passed with nothing else to send. It
// returns once the connection closes or ctx is canceled.
func (w *connWriter) run(ctx context.Context) {
	c := w.c
	lastWrite := time.Now()
	keepaliveTimer := time.NewTimer(c.cfg.KeepaliveInterval)
	defer keepaliveTimer.Stop()
	frontBuf := new(bytes.Buffer)
	for {
		if c.closed.IsSet() || ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		if w.writeBuffer.Len() == 0 && time.Since(lastWrite) >= c.cfg.KeepaliveInterval {
			keepalive := pp.Message{Keepalive: true}
			wire := keepalive.MustMarshalBinary()
			c.stats.wroteMsg(&keepalive, int64(len(wire)))
			w.writeBuffer.Write(wire)
		}
		if w.writeBuffer.Len() == 0 {
			signaled := w.writeCond.Signaled()
			w.mu.Unlock()
			select {
			case <-c.closed.Done():
			case <-ctx.Done():
			case <-signaled:
			case <-keepaliveTimer.C:
			}
			continue
		}
		frontBuf, w.writeBuffer = w.writeBuffer, frontBuf
		w.mu.Unlock()

		if err := w.flush(frontBuf); err != nil {
			c.logger.Printf("%s: write error: %v", c, err)
			return
		}
		lastWrite = time.Now()
		c.mu.Lock()
		c.lastSent = lastWrite
		c.mu.Unlock()
		keepaliveTimer.Reset(c.cfg.KeepaliveInterval)
	}
}

func (w *connWriter) flush(buf *bytes.Buffer) error {
	c := w.c
	for buf.Len() != 0 {
		next := buf.Next(1<<16 - 1)
		n, err := c.conn.Write(next)
		if err != nil {
			return err
		}
		if n != len(next) {
			return io.ErrShortWrite
		}
	}
	return nil
}
