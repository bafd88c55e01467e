// Package client is the agent-side library for the relay daemon. It manages
// the unix socket connection, the handshake, acknowledgement of incoming
// deliveries and the request/result correlation for spawn and release.
//
// Key Features:
// - Single persistent connection with a background read loop
// - Automatic ACK of DELIVER envelopes before the handler runs
// - Direct, broadcast, topic and channel messaging
// - Spawn/release of other agents with correlated results
// - JSON or MessagePack wire encoding
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relayd/internal/attachments"
	"github.com/agent-relay/relayd/internal/frame"
	"github.com/agent-relay/relayd/internal/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// Handler receives every envelope the daemon pushes to this client after it
// has been acknowledged. It runs on the read loop; long work should be handed
// off to another goroutine.
type Handler func(env *protocol.Envelope)

// Options configures a Client. Name and SocketPath are required.
type Options struct {
	SocketPath string
	Name       string
	Entity     protocol.EntityKind // defaults to agent
	SessionID  string              // reuse an old id to resume; empty generates one
	Program    string
	Model      string
	Task       string
	Cwd        string

	// Codec is "json" (default) or "msgpack". The daemon follows whatever
	// the first frame uses.
	Codec string

	// AttachmentsDir overrides the blob directory for SendFile and
	// OpenAttachment. Defaults to "attachments" next to the socket, the
	// daemon's standard layout.
	AttachmentsDir string

	// MaxAttachmentBytes caps SendFile blobs. 0 means the daemon default
	// of 10 MiB.
	MaxAttachmentBytes int64

	// NoAutoAck disables the automatic ACK of DELIVER envelopes; the caller
	// must Ack explicitly or the daemon will redeliver.
	NoAutoAck bool

	Logger         zerolog.Logger
	ResultTimeout  time.Duration // spawn/release wait, default 30s
	ConnectTimeout time.Duration // dial timeout, default 5s
}

// Client is a connected relay participant. All methods are safe for
// concurrent use.
type Client struct {
	opts    Options
	codec   frame.Codec
	handler Handler
	log     zerolog.Logger

	conn net.Conn

	mu      sync.Mutex
	closed  bool
	results map[string]chan *protocol.Envelope // spawn/release waiters by name
	attach  *attachments.Store                 // lazy

	done chan struct{}
}

// New creates a client; nothing connects until Connect.
func New(opts Options, handler Handler) (*Client, error) {
	if opts.Name == "" {
		return nil, errors.New("client: name is required")
	}
	if opts.SocketPath == "" {
		return nil, errors.New("client: socket path is required")
	}
	if opts.Entity == "" {
		opts.Entity = protocol.EntityAgent
	}
	if opts.SessionID == "" {
		opts.SessionID = protocol.NewID()
	}
	if opts.ResultTimeout == 0 {
		opts.ResultTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	var codec frame.Codec = frame.JSONCodec{}
	if opts.Codec == "msgpack" {
		codec = frame.MsgpackCodec{}
	}
	return &Client{
		opts:    opts,
		codec:   codec,
		handler: handler,
		log:     opts.Logger.With().Str("component", "relay-client").Str("name", opts.Name).Logger(),
		results: make(map[string]chan *protocol.Envelope),
		done:    make(chan struct{}),
	}, nil
}

// SessionID returns the session id sent in the handshake. Persist it across
// restarts to resume unacknowledged deliveries.
func (c *Client) SessionID() string { return c.opts.SessionID }

// Connect dials the daemon, sends the handshake and starts the read loop.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("unix", c.opts.SocketPath, c.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to relay at %s: %w", c.opts.SocketPath, err)
	}
	c.conn = conn

	hello, err := protocol.New(protocol.TypeHello, protocol.HelloPayload{
		Name:       c.opts.Name,
		EntityType: c.opts.Entity,
		Program:    c.opts.Program,
		Model:      c.opts.Model,
		Task:       c.opts.Task,
		Cwd:        c.opts.Cwd,
		SessionID:  c.opts.SessionID,
	})
	if err != nil {
		conn.Close()
		return err
	}
	hello.From = c.opts.Name
	if err := c.write(hello); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop()
	return nil
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

// Done is closed when the connection ends, by Close or by the daemon.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send delivers a message body to a named recipient.
func (c *Client) Send(to, body string) error {
	return c.SendKind(to, "message", body, nil)
}

// SendKind delivers a message with an explicit kind and free-form data.
func (c *Client) SendKind(to, kind, body string, data map[string]interface{}) error {
	env, err := protocol.New(protocol.TypeSend, protocol.SendPayload{
		Kind: kind, Body: body, Data: data,
	})
	if err != nil {
		return err
	}
	env.From = c.opts.Name
	env.To = to
	return c.write(env)
}

// Broadcast delivers a message to every connected participant, or to a
// topic's subscribers when topic is non-empty.
func (c *Client) Broadcast(topic, body string) error {
	env, err := protocol.New(protocol.TypeSend, protocol.SendPayload{
		Kind: "message", Body: body,
	})
	if err != nil {
		return err
	}
	env.From = c.opts.Name
	env.To = protocol.Broadcast
	env.Topic = topic
	return c.write(env)
}

// Subscribe registers interest in topic-scoped broadcasts.
func (c *Client) Subscribe(topic string) error {
	return c.sendTyped(protocol.TypeSubscribe, protocol.TopicPayload{Topic: topic})
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(topic string) error {
	return c.sendTyped(protocol.TypeUnsubscribe, protocol.TopicPayload{Topic: topic})
}

// JoinChannel adds this client to a channel. Membership persists across
// reconnects until LeaveChannel.
func (c *Client) JoinChannel(channel string) error {
	return c.sendTyped(protocol.TypeChannelJoin, protocol.ChannelPayload{Channel: channel})
}

// LeaveChannel removes this client from a channel.
func (c *Client) LeaveChannel(channel string) error {
	return c.sendTyped(protocol.TypeChannelLeave, protocol.ChannelPayload{Channel: channel})
}

// AddChannelMember joins another participant to a channel on their behalf.
func (c *Client) AddChannelMember(channel, member string) error {
	return c.sendTyped(protocol.TypeChannelJoin, protocol.ChannelPayload{Channel: channel, Member: member})
}

// ChannelMessage fans a message out to every current channel member.
func (c *Client) ChannelMessage(channel, body, thread string) error {
	return c.sendTyped(protocol.TypeChannelMessage, protocol.ChannelMessagePayload{
		Channel: channel, Body: body, Thread: thread,
	})
}

// SendFile stores a file in the shared attachments directory and sends a
// message referencing it. The recipient resolves the reference with
// OpenAttachment.
func (c *Client) SendFile(to, body, path string) (attachments.Ref, error) {
	store, err := c.attachStore()
	if err != nil {
		return attachments.Ref{}, err
	}
	ref, err := store.PutFile(path)
	if err != nil {
		return attachments.Ref{}, err
	}
	return ref, c.SendKind(to, "file", body, attachments.DataMarker(ref))
}

// OpenAttachment opens the blob referenced by a received payload's data.
func (c *Client) OpenAttachment(data map[string]interface{}) (io.ReadCloser, attachments.Ref, error) {
	ref, ok := attachments.RefFromData(data)
	if !ok {
		return nil, attachments.Ref{}, errors.New("client: payload carries no attachment")
	}
	store, err := c.attachStore()
	if err != nil {
		return nil, attachments.Ref{}, err
	}
	rc, err := store.Open(ref.ID)
	return rc, ref, err
}

func (c *Client) attachStore() (*attachments.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attach != nil {
		return c.attach, nil
	}
	dir := c.opts.AttachmentsDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(c.opts.SocketPath), "attachments")
	}
	max := c.opts.MaxAttachmentBytes
	if max == 0 {
		max = 10 << 20
	}
	store, err := attachments.NewStore(dir, max)
	if err != nil {
		return nil, err
	}
	c.attach = store
	return store, nil
}

// Ack settles a delivery by envelope id. Only needed with NoAutoAck.
func (c *Client) Ack(envelopeID string) error {
	return c.sendTyped(protocol.TypeAck, protocol.AckPayload{AckID: envelopeID})
}

// Spawn asks the daemon to launch a new agent and waits for the result.
func (c *Client) Spawn(name, cli, task, model string) (*protocol.SpawnResultPayload, error) {
	ch, err := c.addWaiter(name)
	if err != nil {
		return nil, err
	}
	defer c.removeWaiter(name)

	if err := c.sendTyped(protocol.TypeSpawn, protocol.SpawnPayload{
		Name: name, CLI: cli, Task: task, Model: model,
	}); err != nil {
		return nil, err
	}

	env, err := c.awaitResult(ch)
	if err != nil {
		return nil, err
	}
	var result protocol.SpawnResultPayload
	if err := env.UnmarshalPayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Release asks the daemon to stop a spawned agent and waits for the result.
func (c *Client) Release(name string) (*protocol.ReleaseResultPayload, error) {
	ch, err := c.addWaiter(name)
	if err != nil {
		return nil, err
	}
	defer c.removeWaiter(name)

	if err := c.sendTyped(protocol.TypeRelease, protocol.ReleasePayload{Name: name}); err != nil {
		return nil, err
	}

	env, err := c.awaitResult(ch)
	if err != nil {
		return nil, err
	}
	var result protocol.ReleaseResultPayload
	if err := env.UnmarshalPayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) sendTyped(t protocol.Type, payload interface{}) error {
	env, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	env.From = c.opts.Name
	return c.write(env)
}

func (c *Client) write(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	body, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	framed, err := frame.Encode(body)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(framed); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	parser := frame.NewParser()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		bodies, err := parser.Push(buf[:n])
		if err != nil {
			c.log.Error().Err(err).Msg("bad frame from daemon")
			return
		}
		for _, body := range bodies {
			env := &protocol.Envelope{}
			if err := c.codec.Unmarshal(body, env); err != nil {
				c.log.Warn().Err(err).Msg("undecodable envelope")
				continue
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDeliver:
		if !c.opts.NoAutoAck {
			if err := c.Ack(env.ID); err != nil {
				c.log.Warn().Err(err).Str("id", env.ID).Msg("ack failed")
			}
		}
	case protocol.TypeSpawnResult, protocol.TypeReleaseResult:
		if c.settleResult(env) {
			return
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if env.UnmarshalPayload(&p) == nil {
			c.log.Error().Str("code", p.Code).Str("message", p.Message).Msg("daemon error")
		}
	}
	if c.handler != nil {
		c.handler(env)
	}
}

// settleResult routes a spawn/release result to its waiter, keyed by the
// agent name in the payload.
func (c *Client) settleResult(env *protocol.Envelope) bool {
	var named struct {
		Name string `json:"name"`
	}
	if err := env.UnmarshalPayload(&named); err != nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.results[strings.ToLower(named.Name)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (c *Client) addWaiter(name string) (chan *protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	key := strings.ToLower(name)
	if _, ok := c.results[key]; ok {
		return nil, fmt.Errorf("client: operation already pending for %s", name)
	}
	ch := make(chan *protocol.Envelope, 1)
	c.results[key] = ch
	return ch, nil
}

func (c *Client) removeWaiter(name string) {
	c.mu.Lock()
	delete(c.results, strings.ToLower(name))
	c.mu.Unlock()
}

func (c *Client) awaitResult(ch chan *protocol.Envelope) (*protocol.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(c.opts.ResultTimeout):
		return nil, errors.New("client: timed out waiting for result")
	}
}
