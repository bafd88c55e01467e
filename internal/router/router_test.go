package router

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

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/connection"
	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/frame"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/store"
)

type rig struct {
	t       *testing.T
	cfg     *config.Config
	store   *store.Store
	router  *Router
	tracker *delivery.Tracker
}

func newRig(t *testing.T) *rig {
	return newRigObserved(t, nil)
}

func newRigObserved(t *testing.T, obs Observer) *rig {
	t.Helper()
	cfg := &config.Config{
		DedupWindow:              64,
		ProcessingTimeoutSeconds: 30,
		SpawningTimeoutSeconds:   60,
		Delivery:                 config.DeliveryConfig{BaseMs: 500, Multiplier: 2, MaxAttempts: 5, TTLSeconds: 60},
	}
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	reg := registry.New(db)
	r := New(cfg, st, reg, ratelimit.Noop{}, obs, zerolog.Nop())
	tr := delivery.New(cfg.Delivery, r.ResolveTarget, st, nil, zerolog.Nop())
	r.SetTracker(tr)
	t.Cleanup(tr.Close)

	return &rig{t: t, cfg: cfg, store: st, router: r, tracker: tr}
}

type testClient struct {
	t    *testing.T
	peer net.Conn
	recv chan *protocol.Envelope
}

// dial opens a pipe-backed connection without sending HELLO.
func (rg *rig) dial() *testClient {
	rg.t.Helper()
	server, peer := net.Pipe()
	c := connection.New(server, connection.Options{}, zerolog.Nop())
	c.Start(rg.router)

	cl := &testClient{t: rg.t, peer: peer, recv: make(chan *protocol.Envelope, 32)}
	go cl.readLoop()
	rg.t.Cleanup(func() { peer.Close() })
	return cl
}

// connect dials and completes the HELLO handshake as an agent.
func (rg *rig) connect(name, sessionID string) *testClient {
	rg.t.Helper()
	cl := rg.dial()
	cl.send(protocol.MustNew(protocol.TypeHello, protocol.HelloPayload{
		Name: name, EntityType: protocol.EntityAgent, SessionID: sessionID,
	}))
	require.Eventually(rg.t, func() bool {
		c, ok := rg.router.lookupConn(name)
		return ok && c.SessionID() == sessionID
	}, time.Second, 5*time.Millisecond, "agent %s did not register", name)
	return cl
}

func (cl *testClient) readLoop() {
	var header [4]byte
	for {
		if _, err := io.ReadFull(cl.peer, header[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(cl.peer, body); err != nil {
			return
		}
		env := &protocol.Envelope{}
		if err := json.Unmarshal(body, env); err != nil {
			continue
		}
		cl.recv <- env
	}
}

func (cl *testClient) send(env *protocol.Envelope) {
	cl.t.Helper()
	body, err := frame.JSONCodec{}.Marshal(env)
	require.NoError(cl.t, err)
	buf, err := frame.Encode(body)
	require.NoError(cl.t, err)
	_, err = cl.peer.Write(buf)
	require.NoError(cl.t, err)
}

func (cl *testClient) sendTo(to, body string) *protocol.Envelope {
	cl.t.Helper()
	env := protocol.MustNew(protocol.TypeSend, protocol.SendPayload{Kind: "message", Body: body})
	env.To = to
	cl.send(env)
	return env
}

// expect reads envelopes until match returns true, skipping everything else
// (system notices, retries of already-seen ids).
func (cl *testClient) expect(match func(*protocol.Envelope) bool) *protocol.Envelope {
	cl.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-cl.recv:
			if match(env) {
				return env
			}
		case <-deadline:
			cl.t.Fatal("expected envelope did not arrive")
			return nil
		}
	}
}

func (cl *testClient) expectNone(wait time.Duration, match func(*protocol.Envelope) bool) {
	cl.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case env := <-cl.recv:
			if match(env) {
				cl.t.Fatalf("unexpected envelope %s from %s", env.Type, env.From)
			}
		case <-deadline:
			return
		}
	}
}

func sendBody(env *protocol.Envelope) string {
	var p protocol.SendPayload
	if env.UnmarshalPayload(&p) != nil {
		return ""
	}
	return p.Body
}

func isDeliverWithBody(body string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		return env.Type == protocol.TypeDeliver && sendBody(env) == body
	}
}

func TestDirectMessage(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-42")

	a.sendTo("B", "hi")

	d := b.expect(isDeliverWithBody("hi"))
	assert.Equal(t, "A", d.From)
	assert.Equal(t, "B", d.To)
	require.NotNil(t, d.Delivery)
	assert.Equal(t, uint64(1), d.Delivery.Seq)
	assert.Equal(t, "s-42", d.Delivery.SessionID)
	assert.Empty(t, d.Delivery.OriginalTo)

	// B is processing until it speaks again; ACK alone does not clear it.
	require.Eventually(t, func() bool { return rg.router.IsProcessing("B") },
		time.Second, 5*time.Millisecond)

	b.send(protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: d.ID}))
	require.Eventually(t, func() bool { return rg.tracker.PendingCount() == 0 },
		time.Second, 5*time.Millisecond)
	assert.True(t, rg.router.IsProcessing("B"))

	b.sendTo("A", "ok")
	a.expect(isDeliverWithBody("ok"))
	assert.False(t, rg.router.IsProcessing("B"))
}

func TestSeqMonotonicPerSender(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-2")

	a.sendTo("B", "one")
	a.sendTo("B", "two")
	d1 := b.expect(isDeliverWithBody("one"))
	d2 := b.expect(isDeliverWithBody("two"))
	assert.Equal(t, uint64(1), d1.Delivery.Seq)
	assert.Equal(t, uint64(2), d2.Delivery.Seq)
}

func TestOfflineQueue(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")

	// C registers once so the registry knows it, then drops.
	c := rg.connect("C", "s-c")
	c.peer.Close()
	require.Eventually(t, func() bool {
		_, ok := rg.router.lookupConn("C")
		return !ok
	}, time.Second, 5*time.Millisecond)

	sent := a.sendTo("C", "for later")

	// The row is stored with the offline marker.
	require.Eventually(t, func() bool {
		m, ok, err := rg.store.Get(sent.ID)
		return err == nil && ok && m.OfflineQueued
	}, time.Second, 5*time.Millisecond)

	// C reconnects with a different session and gets the queued message
	// with a fresh seq of 1.
	c2 := rg.connect("C", "s-c2")
	d := c2.expect(isDeliverWithBody("for later"))
	assert.Equal(t, "A", d.From)
	assert.Equal(t, uint64(1), d.Delivery.Seq)

	require.Eventually(t, func() bool {
		m, ok, err := rg.store.Get(sent.ID)
		return err == nil && ok && m.Status == store.StatusDelivered && !m.OfflineQueued
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownRecipientDropped(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")

	sent := a.sendTo("ghost", "lost")

	time.Sleep(50 * time.Millisecond)
	_, ok, err := rg.store.Get(sent.ID)
	require.NoError(t, err)
	assert.False(t, ok, "dropped message must not be persisted")
}

func TestSpawningRecipientQueues(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")

	rg.router.MarkSpawning("child")
	sent := a.sendTo("child", "early")

	require.Eventually(t, func() bool {
		m, ok, err := rg.store.Get(sent.ID)
		return err == nil && ok && m.OfflineQueued
	}, time.Second, 5*time.Millisecond)

	// The child's HELLO clears the flag and drains the queue.
	child := rg.connect("child", "s-child")
	child.expect(isDeliverWithBody("early"))
	assert.False(t, rg.router.isSpawning("child"))
}

func TestTopicBroadcast(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-2")
	c := rg.connect("C", "s-3")

	b.send(protocol.MustNew(protocol.TypeSubscribe, protocol.TopicPayload{Topic: "builds"}))
	require.Eventually(t, func() bool {
		rg.router.mu.Lock()
		defer rg.router.mu.Unlock()
		_, ok := rg.router.subs["builds"]["B"]
		return ok
	}, time.Second, 5*time.Millisecond)

	env := protocol.MustNew(protocol.TypeSend, protocol.SendPayload{Kind: "message", Body: "green"})
	env.To = protocol.Broadcast
	env.Topic = "builds"
	a.send(env)

	d := b.expect(isDeliverWithBody("green"))
	assert.Equal(t, protocol.Broadcast, d.Delivery.OriginalTo)
	assert.Equal(t, "builds", d.Topic)
	c.expectNone(100*time.Millisecond, isDeliverWithBody("green"))
}

func TestChannelBroadcast(t *testing.T) {
	rg := newRig(t)
	lead := rg.connect("Lead", "s-l")
	w1 := rg.connect("Worker1", "s-1")
	w2 := rg.connect("Worker2", "s-2")

	for _, cl := range []*testClient{lead, w1, w2} {
		cl.send(protocol.MustNew(protocol.TypeChannelJoin, protocol.ChannelPayload{Channel: "#general"}))
	}
	require.Eventually(t, func() bool {
		return len(rg.router.ChannelMembers("#General")) == 3
	}, time.Second, 5*time.Millisecond)

	env := protocol.MustNew(protocol.TypeChannelMessage, protocol.ChannelMessagePayload{
		Channel: "#general", Body: "done",
	})
	w1.send(env)

	isDone := func(e *protocol.Envelope) bool {
		if e.Type != protocol.TypeChannelMessage {
			return false
		}
		var p protocol.ChannelMessagePayload
		return e.UnmarshalPayload(&p) == nil && p.Body == "done"
	}
	assert.Equal(t, "Worker1", lead.expect(isDone).From)
	assert.Equal(t, "Worker1", w2.expect(isDone).From)
	w1.expectNone(100*time.Millisecond, isDone)

	// One persisted record for the whole fan-out.
	m, ok, err := rg.store.Get(env.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#general", m.To)
	assert.True(t, m.ChannelMessage)
	assert.True(t, m.Broadcast)
}

func TestChannelMessageFromNonMemberDropped(t *testing.T) {
	rg := newRig(t)
	member := rg.connect("member", "s-1")
	outsider := rg.connect("outsider", "s-2")

	member.send(protocol.MustNew(protocol.TypeChannelJoin, protocol.ChannelPayload{Channel: "#core"}))
	require.Eventually(t, func() bool {
		return len(rg.router.ChannelMembers("#core")) == 1
	}, time.Second, 5*time.Millisecond)

	outsider.send(protocol.MustNew(protocol.TypeChannelMessage, protocol.ChannelMessagePayload{
		Channel: "#core", Body: "intrusion",
	}))
	member.expectNone(100*time.Millisecond, func(e *protocol.Envelope) bool {
		return e.Type == protocol.TypeChannelMessage && e.From == "outsider"
	})
}

func TestChannelAutoRejoin(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	a.send(protocol.MustNew(protocol.TypeChannelJoin, protocol.ChannelPayload{Channel: "#Dev-Team"}))
	require.Eventually(t, func() bool {
		return len(rg.router.ChannelMembers("#dev-team")) == 1
	}, time.Second, 5*time.Millisecond)

	a.peer.Close()
	require.Eventually(t, func() bool {
		return len(rg.router.ChannelMembers("#dev-team")) == 0
	}, time.Second, 5*time.Millisecond)

	rg.connect("A", "s-2")
	require.Eventually(t, func() bool {
		members := rg.router.ChannelMembers("#DEV-TEAM")
		return len(members) == 1 && members[0] == "A"
	}, time.Second, 5*time.Millisecond)
}

func TestShadowCopyOutgoing(t *testing.T) {
	rg := newRig(t)
	lead := rg.connect("Lead", "s-l")
	rg.connect("B", "s-b")
	auditor := rg.connect("Auditor", "s-a")

	rg.router.BindShadow("Lead", ShadowBinding{Shadow: "Auditor", ReceiveOutgoing: true})

	lead.sendTo("B", "patch ready")

	d := auditor.expect(isDeliverWithBody("patch ready"))
	var p protocol.SendPayload
	require.NoError(t, d.UnmarshalPayload(&p))
	assert.Equal(t, true, p.Data[protocol.DataShadowCopy])
	assert.Equal(t, "Lead", p.Data[protocol.DataShadowOf])
	assert.Equal(t, "outgoing", p.Data[protocol.DataShadowDirection])
	assert.False(t, rg.router.IsProcessing("Auditor"), "shadow copies set no processing state")
}

func TestShadowTrigger(t *testing.T) {
	rg := newRig(t)
	rg.connect("Lead", "s-l")
	auditor := rg.connect("Auditor", "s-a")

	rg.router.BindShadow("Lead", ShadowBinding{
		Shadow:  "Auditor",
		SpeakOn: []Trigger{TriggerCodeWritten},
	})
	rg.router.EmitShadowTrigger("Lead", TriggerCodeWritten, map[string]interface{}{"file": "a.ts"})

	d := auditor.expect(isDeliverWithBody("SHADOW_TRIGGER:CODE_WRITTEN"))
	assert.Equal(t, "Lead", d.From)
	var p protocol.SendPayload
	require.NoError(t, d.UnmarshalPayload(&p))
	assert.Equal(t, "CODE_WRITTEN", p.Data[protocol.DataShadowTrigger])
	assert.Equal(t, "a.ts", p.Data["file"])
	assert.True(t, rg.router.IsProcessing("Auditor"))

	// A trigger outside speakOn fires nothing.
	rg.router.EmitShadowTrigger("Lead", TriggerSessionEnd, nil)
	auditor.expectNone(100*time.Millisecond, isDeliverWithBody("SHADOW_TRIGGER:SESSION_END"))
}

func TestSessionResumeReplay(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-42")

	a.sendTo("B", "unacked")
	first := b.expect(isDeliverWithBody("unacked"))

	// B drops without acking, then resumes the same session.
	b.peer.Close()
	require.Eventually(t, func() bool {
		_, ok := rg.router.lookupConn("B")
		return !ok
	}, time.Second, 5*time.Millisecond)

	b2 := rg.connect("B", "s-42")
	replayed := b2.expect(isDeliverWithBody("unacked"))
	assert.Equal(t, first.ID, replayed.ID)
	assert.Equal(t, first.Delivery.Seq, replayed.Delivery.Seq)

	b2.send(protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: replayed.ID}))
	require.Eventually(t, func() bool { return rg.tracker.PendingCount() == 0 },
		time.Second, 5*time.Millisecond)

	// A fresh session does not see it again.
	b2.peer.Close()
	b3 := rg.connect("B", "s-99")
	b3.expectNone(100*time.Millisecond, isDeliverWithBody("unacked"))
}

func TestSeqContinuesAfterSessionResume(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-42")

	a.sendTo("B", "one")
	a.sendTo("B", "two")
	b.expect(isDeliverWithBody("one"))
	d2 := b.expect(isDeliverWithBody("two"))
	assert.Equal(t, uint64(2), d2.Delivery.Seq)

	// B drops without acking and resumes the same session.
	b.peer.Close()
	require.Eventually(t, func() bool {
		_, ok := rg.router.lookupConn("B")
		return !ok
	}, time.Second, 5*time.Millisecond)

	b2 := rg.connect("B", "s-42")
	r1 := b2.expect(isDeliverWithBody("one"))
	r2 := b2.expect(isDeliverWithBody("two"))
	assert.Equal(t, uint64(1), r1.Delivery.Seq)
	assert.Equal(t, uint64(2), r2.Delivery.Seq)
	b2.send(protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: r1.ID}))
	b2.send(protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: r2.ID}))

	// New traffic on the resumed connection stays strictly above the
	// replayed sequence numbers.
	a.sendTo("B", "three")
	d3 := b2.expect(isDeliverWithBody("three"))
	assert.Equal(t, uint64(3), d3.Delivery.Seq)
}

func TestPreHelloTrafficRejected(t *testing.T) {
	rg := newRig(t)
	cl := rg.dial()

	env := protocol.MustNew(protocol.TypeSend, protocol.SendPayload{Body: "sneaky"})
	env.To = "B"
	cl.send(env)

	errEnv := cl.expect(func(e *protocol.Envelope) bool { return e.Type == protocol.TypeError })
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&p))
	assert.Equal(t, protocol.ErrCodeProtocol, p.Code)
}

func TestReservedNamesRejected(t *testing.T) {
	rg := newRig(t)
	for _, name := range []string{protocol.Broadcast, protocol.SystemSender} {
		cl := rg.dial()
		cl.send(protocol.MustNew(protocol.TypeHello, protocol.HelloPayload{
			Name: name, EntityType: protocol.EntityAgent, SessionID: "s",
		}))
		cl.expect(func(e *protocol.Envelope) bool { return e.Type == protocol.TypeError })
	}
}

func TestNameCollisionNewerWins(t *testing.T) {
	rg := newRig(t)
	old := rg.connect("A", "s-old")
	rg.connect("A", "s-new")

	// The older pipe is closed by the daemon.
	require.Eventually(t, func() bool {
		_, err := old.peer.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 5*time.Millisecond)

	c, ok := rg.router.lookupConn("A")
	require.True(t, ok)
	assert.Equal(t, "s-new", c.SessionID())
}

func TestDuplicateEnvelopeSuppressed(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-2")

	env := protocol.MustNew(protocol.TypeSend, protocol.SendPayload{Kind: "message", Body: "once"})
	env.To = "B"
	a.send(env)
	a.send(env) // same id again

	b.expect(isDeliverWithBody("once"))
	b.expectNone(150*time.Millisecond, isDeliverWithBody("once"))
}

func TestBroadcastSystemMessage(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-2")

	rg.router.BroadcastSystemMessage("maintenance in 5m", nil)

	for _, cl := range []*testClient{a, b} {
		d := cl.expect(isDeliverWithBody("maintenance in 5m"))
		assert.Equal(t, protocol.SystemSender, d.From)
	}
	assert.False(t, rg.router.IsProcessing("A"))
	assert.False(t, rg.router.IsProcessing("B"))
}

type stubSpawner struct {
	spawnRes   protocol.SpawnResultPayload
	releaseRes protocol.ReleaseResultPayload
}

func (s *stubSpawner) Spawn(req protocol.SpawnPayload) protocol.SpawnResultPayload {
	return s.spawnRes
}
func (s *stubSpawner) Release(req protocol.ReleasePayload) protocol.ReleaseResultPayload {
	return s.releaseRes
}
func (s *stubSpawner) AgentConnected(string) {}

func TestSpawnResultRoundTrip(t *testing.T) {
	rg := newRig(t)
	rg.router.SetSpawner(&stubSpawner{
		spawnRes: protocol.SpawnResultPayload{Success: true, Name: "child", PID: 4242},
	})
	caller := rg.connect("caller", "s-1")

	caller.send(protocol.MustNew(protocol.TypeSpawn, protocol.SpawnPayload{Name: "child", CLI: "worker"}))

	res := caller.expect(func(e *protocol.Envelope) bool { return e.Type == protocol.TypeSpawnResult })
	var p protocol.SpawnResultPayload
	require.NoError(t, res.UnmarshalPayload(&p))
	assert.True(t, p.Success)
	assert.Equal(t, 4242, p.PID)
	assert.True(t, rg.router.isSpawning("child"))
}

func TestSpawnFailureClearsSpawning(t *testing.T) {
	rg := newRig(t)
	rg.router.SetSpawner(&stubSpawner{
		spawnRes: protocol.SpawnResultPayload{Success: false, Name: "child", Error: "no such cli"},
	})
	caller := rg.connect("caller", "s-1")

	caller.send(protocol.MustNew(protocol.TypeSpawn, protocol.SpawnPayload{Name: "child", CLI: "nope"}))
	caller.expect(func(e *protocol.Envelope) bool { return e.Type == protocol.TypeSpawnResult })

	require.Eventually(t, func() bool { return !rg.router.isSpawning("child") },
		time.Second, 5*time.Millisecond)
}

// stateRecorder captures ProcessingChanged transitions.
type stateRecorder struct {
	NopObserver
	mu     sync.Mutex
	events []stateEvent
}

type stateEvent struct {
	name       string
	processing bool
}

func (o *stateRecorder) ProcessingChanged(name string, processing bool, _ time.Time) {
	o.mu.Lock()
	o.events = append(o.events, stateEvent{name, processing})
	o.mu.Unlock()
}

func (o *stateRecorder) saw(want stateEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e == want {
			return true
		}
	}
	return false
}

func TestProcessingExpiresWithoutReply(t *testing.T) {
	rec := &stateRecorder{}
	rg := newRigObserved(t, rec)
	rg.cfg.ProcessingTimeoutSeconds = 1

	a := rg.connect("A", "s-1")
	b := rg.connect("B", "s-2")

	a.sendTo("B", "ping")
	d := b.expect(isDeliverWithBody("ping"))
	b.send(protocol.MustNew(protocol.TypeAck, protocol.AckPayload{AckID: d.ID}))
	require.True(t, rg.router.IsProcessing("B"))
	require.True(t, rec.saw(stateEvent{"B", true}))

	// B never speaks again; the timer clears the flag on its own.
	require.Eventually(t, func() bool { return !rg.router.IsProcessing("B") },
		3*time.Second, 20*time.Millisecond)
	assert.True(t, rec.saw(stateEvent{"B", false}))
}

func TestSpawningEntryExpires(t *testing.T) {
	rg := newRig(t)
	rg.cfg.SpawningTimeoutSeconds = 1

	rg.router.MarkSpawning("child")
	require.True(t, rg.router.isSpawning("child"))

	// The child never sends HELLO; the entry is purged by its timer.
	require.Eventually(t, func() bool { return !rg.router.isSpawning("child") },
		3*time.Second, 20*time.Millisecond)

	// With the entry gone and the name unknown, traffic to it is dropped
	// rather than queued.
	a := rg.connect("A", "s-1")
	sent := a.sendTo("child", "too late")
	time.Sleep(50 * time.Millisecond)
	_, ok, err := rg.store.Get(sent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcastSkipsIncomingShadowCopies(t *testing.T) {
	rg := newRig(t)
	a := rg.connect("A", "s-1")
	rg.connect("B", "s-2")
	watcherA := rg.connect("WatcherA", "s-3")
	watcherB := rg.connect("WatcherB", "s-4")

	// WatcherA shadows the sender (outgoing), WatcherB shadows a broadcast
	// recipient (incoming). Only the sender's shadow gets a copy: incoming
	// copies are per-recipient and a broadcast already reaches everyone.
	rg.router.BindShadow("A", ShadowBinding{Shadow: "WatcherA", ReceiveOutgoing: true})
	rg.router.BindShadow("B", ShadowBinding{Shadow: "WatcherB", ReceiveIncoming: true})

	env := protocol.MustNew(protocol.TypeSend, protocol.SendPayload{Kind: "message", Body: "to all"})
	env.To = protocol.Broadcast
	a.send(env)

	copied := watcherA.expect(func(e *protocol.Envelope) bool {
		var p protocol.SendPayload
		return e.Type == protocol.TypeDeliver && e.UnmarshalPayload(&p) == nil &&
			p.Data[protocol.DataShadowCopy] == true
	})
	var p protocol.SendPayload
	require.NoError(t, copied.UnmarshalPayload(&p))
	assert.Equal(t, "outgoing", p.Data[protocol.DataShadowDirection])

	watcherB.expectNone(150*time.Millisecond, func(e *protocol.Envelope) bool {
		var p protocol.SendPayload
		return e.Type == protocol.TypeDeliver && e.UnmarshalPayload(&p) == nil &&
			p.Data[protocol.DataShadowCopy] == true
	})
}
