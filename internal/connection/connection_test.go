package connection

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-relay/relayd/internal/frame"
	"github.com/agent-relay/relayd/internal/protocol"
)

type testHandler struct {
	mu     sync.Mutex
	envs   []*protocol.Envelope
	closed chan error
}

func newTestHandler() *testHandler {
	return &testHandler{closed: make(chan error, 1)}
}

func (h *testHandler) HandleEnvelope(c *Conn, env *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
}

func (h *testHandler) ConnClosed(c *Conn, err error) {
	h.closed <- err
}

func (h *testHandler) received() []*protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Envelope(nil), h.envs...)
}

func startConn(t *testing.T, opts Options) (*Conn, net.Conn, *testHandler) {
	t.Helper()
	server, peer := net.Pipe()
	c := New(server, opts, zerolog.Nop())
	h := newTestHandler()
	c.Start(h)
	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})
	return c, peer, h
}

// writeFrame frames and writes an already-encoded body from the peer side.
func writeFrame(t *testing.T, peer net.Conn, body []byte) {
	t.Helper()
	buf, err := frame.Encode(body)
	require.NoError(t, err)
	_, err = peer.Write(buf)
	require.NoError(t, err)
}

// readFrame reads one framed body from the peer side.
func readFrame(t *testing.T, peer net.Conn) []byte {
	t.Helper()
	var header [4]byte
	_, err := io.ReadFull(peer, header[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err = io.ReadFull(peer, body)
	require.NoError(t, err)
	return body
}

func TestReadDispatchesEnvelopes(t *testing.T) {
	_, peer, h := startConn(t, Options{})

	env := protocol.MustNew(protocol.TypeHello, protocol.HelloPayload{
		Name: "alice", EntityType: protocol.EntityAgent, SessionID: "s-1",
	})
	body, err := frame.JSONCodec{}.Marshal(env)
	require.NoError(t, err)
	writeFrame(t, peer, body)

	require.Eventually(t, func() bool { return len(h.received()) == 1 },
		time.Second, 5*time.Millisecond)
	got := h.received()[0]
	assert.Equal(t, protocol.TypeHello, got.Type)
	assert.Equal(t, env.ID, got.ID)
}

func TestDeliverRoundTrip(t *testing.T) {
	c, peer, _ := startConn(t, Options{})

	env := protocol.MustNew(protocol.TypeDeliver, protocol.SendPayload{Body: "hi"})
	env.Delivery = &protocol.Delivery{Seq: 7, SessionID: "s-1"}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Deliver(env) }()

	body := readFrame(t, peer)
	require.NoError(t, <-errCh)

	var got protocol.Envelope
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, env.ID, got.ID)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, uint64(7), got.Delivery.Seq)
}

func TestCodecFollowsPeer(t *testing.T) {
	c, peer, h := startConn(t, Options{})

	// Peer speaks msgpack first; the connection sticks to it for writes.
	env := protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: "x"})
	body, err := frame.MsgpackCodec{}.Marshal(env)
	require.NoError(t, err)
	require.NotZero(t, body[0]&0x80)
	writeFrame(t, peer, body)

	require.Eventually(t, func() bool { return len(h.received()) == 1 },
		time.Second, 5*time.Millisecond)

	out := protocol.MustNew(protocol.TypeDeliver, protocol.SendPayload{Body: "y"})
	out.Delivery = &protocol.Delivery{Seq: 1, SessionID: "s"}
	go c.Deliver(out)

	reply := readFrame(t, peer)
	assert.NotZero(t, reply[0]&0x80, "reply should be msgpack-encoded")
	var got protocol.Envelope
	require.NoError(t, frame.MsgpackCodec{}.Unmarshal(reply, &got))
	assert.Equal(t, out.ID, got.ID)
}

func TestInvalidEnvelopeGetsErrorAndClose(t *testing.T) {
	_, peer, h := startConn(t, Options{})

	// Valid JSON, wrong version.
	writeFrame(t, peer, []byte(`{"v":99,"type":"SEND","id":"abc","ts":1}`))

	body := readFrame(t, peer)
	var errEnv protocol.Envelope
	require.NoError(t, json.Unmarshal(body, &errEnv))
	assert.Equal(t, protocol.TypeError, errEnv.Type)
	var payload protocol.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&payload))
	assert.Equal(t, protocol.ErrCodeProtocol, payload.Code)

	select {
	case err := <-h.closed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connection did not close")
	}
}

func TestPeerDisconnectNotifiesHandler(t *testing.T) {
	_, peer, h := startConn(t, Options{})
	peer.Close()

	select {
	case err := <-h.closed:
		assert.NoError(t, err) // EOF is a clean close
	case <-time.After(time.Second):
		t.Fatal("close notification missing")
	}
}

func TestNextSeqPerTopicPeer(t *testing.T) {
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()
	c := New(server, Options{}, zerolog.Nop())

	assert.Equal(t, uint64(1), c.NextSeq("builds", "alice"))
	assert.Equal(t, uint64(2), c.NextSeq("builds", "alice"))
	assert.Equal(t, uint64(1), c.NextSeq("builds", "bob"))
	assert.Equal(t, uint64(1), c.NextSeq("deploys", "alice"))

	// Empty topic shares the default-topic counter.
	assert.Equal(t, uint64(1), c.NextSeq("", "alice"))
	assert.Equal(t, uint64(2), c.NextSeq(protocol.DefaultTopic, "alice"))
}

func TestAdvanceSeqContinuesAboveReplayed(t *testing.T) {
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()
	c := New(server, Options{}, zerolog.Nop())

	c.AdvanceSeq("builds", "alice", 7)
	assert.Equal(t, uint64(8), c.NextSeq("builds", "alice"))

	// Advancing backwards never lowers a counter.
	c.AdvanceSeq("builds", "alice", 3)
	assert.Equal(t, uint64(9), c.NextSeq("builds", "alice"))

	// Other pairs are untouched.
	assert.Equal(t, uint64(1), c.NextSeq("builds", "bob"))

	// Empty topic maps onto the default-topic counter.
	c.AdvanceSeq("", "alice", 5)
	assert.Equal(t, uint64(6), c.NextSeq(protocol.DefaultTopic, "alice"))
}

func TestBackpressureClosesSlowConsumer(t *testing.T) {
	c, _, h := startConn(t, Options{WriteQueueSize: 1, WriteTimeout: 50 * time.Millisecond})

	env := protocol.MustNew(protocol.TypeDeliver, protocol.SendPayload{Body: "x"})
	env.Delivery = &protocol.Delivery{Seq: 1, SessionID: "s"}

	// The peer never reads: the first deliver parks in the writer, the
	// second fills the queue, the third must time out and close.
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = c.Deliver(env.Clone())
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "backpressure")

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not closed")
	}
	assert.ErrorIs(t, c.Deliver(env.Clone()), ErrClosed)
}

func TestIdentity(t *testing.T) {
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()
	c := New(server, Options{}, zerolog.Nop())

	assert.False(t, c.Helloed())
	c.SetIdentity("alice", protocol.EntityAgent, "s-1")
	assert.True(t, c.Helloed())
	assert.Equal(t, "alice", c.Name())
	assert.Equal(t, protocol.EntityAgent, c.Entity())
	assert.Equal(t, "s-1", c.SessionID())
	assert.Len(t, c.ConnID(), 32)
}
