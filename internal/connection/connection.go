// Package connection owns one accepted socket: the framed read loop, the
// bounded write queue with its single writer goroutine, the per-connection
// codec, and the per-(topic, peer) delivery sequence counters.
//
// Reads and writes never share a goroutine. Deliver enqueues an encoded
// frame; if the queue stays full past the write timeout the peer is deemed
// stalled, a BACKPRESSURE_TIMEOUT error is written best-effort, and the
// connection is closed. Slow consumers are disconnected rather than allowed
// to wedge the router.
package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relayd/internal/frame"
	"github.com/agent-relay/relayd/internal/protocol"
)

// ErrClosed reports a write to a connection already shut down.
var ErrClosed = errors.New("connection closed")

// Handler receives inbound envelopes and the close notification. Both are
// called from the connection's read goroutine.
type Handler interface {
	HandleEnvelope(c *Conn, env *protocol.Envelope)
	ConnClosed(c *Conn, err error)
}

// Options bound the write queue.
type Options struct {
	WriteQueueSize int
	WriteTimeout   time.Duration
}

// Conn wraps one accepted net.Conn.
type Conn struct {
	id   string
	nc   net.Conn
	opts Options
	log  zerolog.Logger

	writeQ chan []byte
	done   chan struct{}
	once   sync.Once

	codecMu sync.Mutex
	codec   frame.Codec

	// identity, set by the router once HELLO is accepted
	identMu   sync.RWMutex
	name      string
	entity    protocol.EntityKind
	sessionID string
	helloed   bool

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// New wraps nc. Start must be called to begin the loops.
func New(nc net.Conn, opts Options, log zerolog.Logger) *Conn {
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	id := protocol.NewID()
	return &Conn{
		id:     id,
		nc:     nc,
		opts:   opts,
		log:    log.With().Str("conn", id[:8]).Logger(),
		writeQ: make(chan []byte, opts.WriteQueueSize),
		done:   make(chan struct{}),
		seqs:   make(map[string]uint64),
	}
}

// ConnID returns the connection's unique id.
func (c *Conn) ConnID() string { return c.id }

// Start launches the read and write goroutines. handler.ConnClosed fires
// exactly once, after the read loop ends.
func (c *Conn) Start(handler Handler) {
	go c.writeLoop()
	go c.readLoop(handler)
}

// SetIdentity records the accepted HELLO.
func (c *Conn) SetIdentity(name string, entity protocol.EntityKind, sessionID string) {
	c.identMu.Lock()
	defer c.identMu.Unlock()
	c.name = name
	c.entity = entity
	c.sessionID = sessionID
	c.helloed = true
}

// Name returns the registered agent name, empty before HELLO.
func (c *Conn) Name() string {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.name
}

// Entity returns the registered entity kind.
func (c *Conn) Entity() protocol.EntityKind {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.entity
}

// SessionID returns the session id announced in HELLO.
func (c *Conn) SessionID() string {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.sessionID
}

// Helloed reports whether the handshake completed.
func (c *Conn) Helloed() bool {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.helloed
}

// NextSeq returns the next strictly increasing sequence number for the
// (topic, peer) pair on this connection. An empty topic uses the default
// topic counter.
func (c *Conn) NextSeq(topic, peer string) uint64 {
	if topic == "" {
		topic = protocol.DefaultTopic
	}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	k := topic + "\x00" + peer
	c.seqs[k]++
	return c.seqs[k]
}

// AdvanceSeq raises the (topic, peer) counter to at least seq. The router
// calls it while replaying stored deliveries onto a fresh connection, so
// deliveries after the replay continue strictly above the replayed numbers
// instead of restarting at 1.
func (c *Conn) AdvanceSeq(topic, peer string, seq uint64) {
	if topic == "" {
		topic = protocol.DefaultTopic
	}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	k := topic + "\x00" + peer
	if c.seqs[k] < seq {
		c.seqs[k] = seq
	}
}

// Deliver encodes env with the connection's codec and enqueues the frame.
// Blocks at most the write timeout when the queue is full; on timeout the
// connection is closed after a best-effort BACKPRESSURE_TIMEOUT error.
func (c *Conn) Deliver(env *protocol.Envelope) error {
	body, err := c.currentCodec().Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	buf, err := frame.Encode(body)
	if err != nil {
		return err
	}

	select {
	case c.writeQ <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeQ <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		c.log.Warn().Str("type", string(env.Type)).Msg("write queue full, closing slow consumer")
		c.writeDirect(errorFrame(c.currentCodec(), protocol.ErrCodeBackpressure,
			"write queue full"))
		c.Close()
		return fmt.Errorf("deliver to %s: backpressure timeout", c.Name())
	}
}

// SendError writes an ERROR envelope best-effort, bypassing the queue.
func (c *Conn) SendError(code, message string) {
	c.writeDirect(errorFrame(c.currentCodec(), code, message))
}

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

func (c *Conn) currentCodec() frame.Codec {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	if c.codec == nil {
		return frame.JSONCodec{}
	}
	return c.codec
}

func (c *Conn) setCodec(body []byte) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	if c.codec == nil {
		c.codec = frame.Detect(body)
	}
}

func (c *Conn) readLoop(handler Handler) {
	var parser frame.Parser
	buf := make([]byte, 64<<10)
	var closeErr error

loop:
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			bodies, perr := parser.Push(buf[:n])
			if perr != nil {
				c.SendError(protocol.ErrCodeProtocol, perr.Error())
				closeErr = perr
				break loop
			}
			for _, body := range bodies {
				c.setCodec(body)
				env := &protocol.Envelope{}
				if derr := c.currentCodec().Unmarshal(body, env); derr != nil {
					c.SendError(protocol.ErrCodeProtocol, "undecodable envelope")
					closeErr = derr
					break loop
				}
				if verr := env.Validate(); verr != nil {
					c.SendError(protocol.ErrCodeProtocol, verr.Error())
					closeErr = verr
					break loop
				}
				handler.HandleEnvelope(c, env)
			}
		}
		if err != nil {
			if err != io.EOF {
				closeErr = err
			}
			break loop
		}
	}

	c.Close()
	handler.ConnClosed(c, closeErr)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case buf := <-c.writeQ:
			// No per-write deadline: a stalled peer is detected by the
			// queue filling up, and Close unblocks this write.
			if _, err := c.nc.Write(buf); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeDirect bypasses the queue with a short deadline. Used only for
// terminal errors where the queue may be the problem.
func (c *Conn) writeDirect(buf []byte) {
	if buf == nil {
		return
	}
	c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	c.nc.Write(buf)
}

func errorFrame(codec frame.Codec, code, message string) []byte {
	env := protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	body, err := codec.Marshal(env)
	if err != nil {
		return nil
	}
	buf, err := frame.Encode(body)
	if err != nil {
		return nil
	}
	return buf
}
