// Package router is the central dispatcher of the relay daemon. It owns the
// connection registries (agents and users by name), topic subscriptions,
// channel membership, shadow bindings, processing state and the spawning
// set, and implements the SEND routing algorithm: broadcast, direct
// delivery, cross-machine handoff, offline queueing for known or spawning
// agents, and a final drop.
//
// Concurrency: one mutex guards the in-memory maps. Recipient sets are
// snapshotted under the lock and socket writes happen outside it, so a
// backpressured connection cannot wedge routing. Storage failures are
// reported to the observer and never block the in-memory path.
package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/connection"
	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/store"
)

// Spawner is the contract with the spawn manager. The router marks an agent
// spawning before handing over, so traffic addressed to the child is queued
// until its HELLO arrives.
type Spawner interface {
	Spawn(req protocol.SpawnPayload) protocol.SpawnResultPayload
	Release(req protocol.ReleasePayload) protocol.ReleaseResultPayload
	AgentConnected(name string)
}

// CrossMachine resolves and forwards recipients that live on another host.
// Optional; when nil every non-local recipient falls through to the offline
// queue or the drop path.
type CrossMachine interface {
	Resolves(name string) bool
	Forward(env *protocol.Envelope) error
}

type channelState struct {
	casing  string            // original casing of the channel name
	members map[string]string // lowercased member -> original casing
}

// Router implements connection.Handler.
type Router struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *store.Store
	registry *registry.Registry
	limiter  ratelimit.Limiter
	observer Observer

	tracker *delivery.Tracker
	spawner Spawner
	cross   CrossMachine

	mu       sync.Mutex
	conns    map[string]*connection.Conn // conn id -> conn
	agents   map[string]*connection.Conn // name -> conn
	users    map[string]*connection.Conn
	subs     map[string]map[string]struct{} // topic -> names
	channels map[string]*channelState       // lowercased channel -> state
	shadows  map[string][]ShadowBinding     // primary -> bindings
	primary  map[string]string              // shadow -> primary

	processing map[string]*processingEntry
	spawning   map[string]*time.Timer
	dedups     map[string]*protocol.Dedup // conn id -> window
}

// New creates a router. Tracker, spawner and cross-machine handler are
// attached afterwards; all three may stay nil.
func New(cfg *config.Config, st *store.Store, reg *registry.Registry,
	limiter ratelimit.Limiter, observer Observer, log zerolog.Logger) *Router {
	if observer == nil {
		observer = NopObserver{}
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	return &Router{
		cfg:        cfg,
		log:        log.With().Str("component", "router").Logger(),
		store:      st,
		registry:   reg,
		limiter:    limiter,
		observer:   observer,
		conns:      make(map[string]*connection.Conn),
		agents:     make(map[string]*connection.Conn),
		users:      make(map[string]*connection.Conn),
		subs:       make(map[string]map[string]struct{}),
		channels:   make(map[string]*channelState),
		shadows:    make(map[string][]ShadowBinding),
		primary:    make(map[string]string),
		processing: make(map[string]*processingEntry),
		spawning:   make(map[string]*time.Timer),
		dedups:     make(map[string]*protocol.Dedup),
	}
}

// SetTracker attaches the delivery tracker. The tracker is constructed with
// r.ResolveTarget, so attachment happens after both exist.
func (r *Router) SetTracker(t *delivery.Tracker) { r.tracker = t }

// SetSpawner attaches the spawn manager.
func (r *Router) SetSpawner(s Spawner) { r.spawner = s }

// SetCrossMachine attaches the cross-machine handler.
func (r *Router) SetCrossMachine(c CrossMachine) { r.cross = c }

// ResolveTarget returns the live connection for a recipient name; it is the
// delivery tracker's lookup callback.
func (r *Router) ResolveTarget(name string) (delivery.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.agents[name]; ok {
		return c, true
	}
	if c, ok := r.users[name]; ok {
		return c, true
	}
	return nil, false
}

// lookupConn is ResolveTarget without the interface wrapping.
func (r *Router) lookupConn(name string) (*connection.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.agents[name]; ok {
		return c, true
	}
	if c, ok := r.users[name]; ok {
		return c, true
	}
	return nil, false
}

// HandleEnvelope dispatches one inbound envelope. Runs on the connection's
// read goroutine.
func (r *Router) HandleEnvelope(c *connection.Conn, env *protocol.Envelope) {
	if r.isDuplicate(c, env.ID) {
		r.log.Debug().Str("id", env.ID).Msg("duplicate envelope suppressed")
		return
	}

	if !c.Helloed() && env.Type != protocol.TypeHello {
		c.SendError(protocol.ErrCodeProtocol, "HELLO required before any other envelope")
		c.Close()
		return
	}

	switch env.Type {
	case protocol.TypeHello:
		r.handleHello(c, env)
	case protocol.TypeSend:
		r.Route(c, env)
	case protocol.TypeAck:
		r.handleAck(c, env)
	case protocol.TypeSubscribe:
		r.handleSubscribe(c, env, true)
	case protocol.TypeUnsubscribe:
		r.handleSubscribe(c, env, false)
	case protocol.TypeChannelJoin:
		r.handleChannelJoin(c, env)
	case protocol.TypeChannelLeave:
		r.handleChannelLeave(c, env)
	case protocol.TypeChannelMessage:
		r.handleChannelMessage(c, env)
	case protocol.TypeSpawn:
		r.handleSpawn(c, env)
	case protocol.TypeRelease:
		r.handleRelease(c, env)
	default:
		// DELIVER and result types are daemon-constructed; a client
		// sending one is a protocol violation.
		c.SendError(protocol.ErrCodeProtocol,
			fmt.Sprintf("%s is not a client envelope", env.Type))
		c.Close()
	}
}

// ConnClosed is the connection teardown notification.
func (r *Router) ConnClosed(c *connection.Conn, err error) {
	if err != nil {
		r.log.Debug().Err(err).Str("name", c.Name()).Msg("connection closed with error")
	}
	r.Unregister(c)
}

func (r *Router) isDuplicate(c *connection.Conn, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dedups[c.ConnID()]
	if !ok {
		d = protocol.NewDedup(r.cfg.DedupWindow)
		r.dedups[c.ConnID()] = d
	}
	return d.Observe(id)
}

// handleHello registers the connection. A name collision closes the older
// connection; channel membership and subscriptions survive because they are
// keyed by name, not by connection.
func (r *Router) handleHello(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.HelloPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Name == "" {
		c.SendError(protocol.ErrCodeProtocol, "HELLO requires a name")
		c.Close()
		return
	}
	if p.Name == protocol.Broadcast || p.Name == protocol.SystemSender {
		c.SendError(protocol.ErrCodeProtocol, fmt.Sprintf("name %q is reserved", p.Name))
		c.Close()
		return
	}
	entity := p.EntityType
	if entity == "" {
		entity = protocol.EntityAgent
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = protocol.NewID()
	}

	r.mu.Lock()
	byName := r.agents
	if entity == protocol.EntityUser {
		byName = r.users
	}
	if r.cfg.MaxAgents > 0 && entity == protocol.EntityAgent {
		if _, replacing := r.agents[p.Name]; !replacing && len(r.agents) >= r.cfg.MaxAgents {
			r.mu.Unlock()
			c.SendError(protocol.ErrCodeProtocol, "agent limit reached")
			c.Close()
			return
		}
	}
	prev := byName[p.Name]
	byName[p.Name] = c
	r.conns[c.ConnID()] = c
	r.clearSpawningLocked(p.Name)
	r.mu.Unlock()

	c.SetIdentity(p.Name, entity, sessionID)
	if prev != nil && prev != c {
		prev.Close()
	}

	if err := r.registry.Upsert(registry.Record{
		Name:          p.Name,
		EntityType:    string(entity),
		CLI:           p.CLI,
		Program:       p.Program,
		Model:         p.Model,
		Task:          p.Task,
		Cwd:           p.Cwd,
		LastSessionID: sessionID,
	}); err != nil {
		r.observer.StorageError("registry.upsert", err)
		r.log.Error().Err(err).Str("name", p.Name).Msg("failed to record agent metadata")
	}

	r.rejoinChannels(p.Name)

	if r.spawner != nil {
		r.spawner.AgentConnected(p.Name)
	}
	r.observer.AgentConnected(p.Name, entity)
	r.log.Info().Str("name", p.Name).Str("entity", string(entity)).
		Str("session", sessionID).Msg("registered")

	// Replay order matters: unacked deliveries of the resumed session go
	// first, then the offline queue.
	r.replayPending(c)
	r.deliverPendingMessages(c)
}

// Unregister removes the connection if it is still current for its name.
// A replaced connection (newer HELLO won the name) cleans up only its own
// conn-scoped state.
func (r *Router) Unregister(c *connection.Conn) {
	c.Close()
	name := c.Name()

	r.mu.Lock()
	delete(r.conns, c.ConnID())
	delete(r.dedups, c.ConnID())

	current := false
	if name != "" {
		if r.agents[name] == c {
			delete(r.agents, name)
			current = true
		}
		if r.users[name] == c {
			delete(r.users, name)
			current = true
		}
	}
	var leftChannels []string
	if current {
		for _, members := range r.subs {
			delete(members, name)
		}
		leftChannels = r.dropFromChannelsLocked(name)
		r.unbindAllShadowsLocked(name)
	}
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.CancelConn(c.ConnID())
	}
	if !current {
		return
	}

	r.clearProcessing(name)
	for _, ch := range leftChannels {
		r.notifyChannel(ch, name, fmt.Sprintf("%s left %s", name, ch))
	}
	r.observer.AgentDisconnected(name)
	r.log.Info().Str("name", name).Msg("unregistered")
}

// Shutdown closes every live connection; part of the daemon's graceful
// stop. Each close drains through the normal unregister path.
func (r *Router) Shutdown() {
	r.mu.Lock()
	conns := make([]*connection.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Subscribe adds name to a topic's subscriber set.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[string]struct{})
	}
	r.subs[topic][name] = struct{}{}
}

// Unsubscribe removes name from a topic's subscriber set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.subs[topic]; ok {
		delete(members, name)
		if len(members) == 0 {
			delete(r.subs, topic)
		}
	}
}

func (r *Router) handleSubscribe(c *connection.Conn, env *protocol.Envelope, join bool) {
	var p protocol.TopicPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Topic == "" {
		c.SendError(protocol.ErrCodeProtocol, "topic payload requires a topic")
		return
	}
	if join {
		r.Subscribe(c.Name(), p.Topic)
	} else {
		r.Unsubscribe(c.Name(), p.Topic)
	}
}

func (r *Router) handleAck(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.AckPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.AckID == "" {
		return // malformed acks are ignored, not fatal
	}
	if r.tracker != nil {
		r.tracker.Ack(c.ConnID(), p.AckID)
	}
}

// Route runs the SEND dispatch for an envelope arriving on c.
func (r *Router) Route(c *connection.Conn, env *protocol.Envelope) {
	from := c.Name()
	if from == "" {
		r.log.Warn().Str("id", env.ID).Msg("SEND from unnamed connection dropped")
		r.observer.MessageDropped("", env.To, "no sender name")
		return
	}
	r.RouteFrom(from, env)
}

// RouteFrom dispatches a SEND on behalf of a named sender that has no
// connection of its own; the watchdog uses it to inject outbox files.
func (r *Router) RouteFrom(from string, env *protocol.Envelope) {
	if !r.limiter.TryAcquire(from) {
		return // silent; visible in limiter stats only
	}
	r.clearProcessing(from)
	if err := r.registry.BumpSent(from); err != nil {
		r.observer.StorageError("registry.bump", err)
	}

	routed := false
	switch {
	case env.To == protocol.Broadcast:
		routed = r.routeBroadcast(from, env)
	default:
		routed = r.routeDirect(from, env)
	}
	if routed {
		r.fanOutShadows(from, env.To, env)
	}
}

func (r *Router) routeBroadcast(from string, env *protocol.Envelope) bool {
	r.mu.Lock()
	var names []string
	if env.Topic != "" {
		for name := range r.subs[env.Topic] {
			if name != from {
				names = append(names, name)
			}
		}
	} else {
		for name := range r.agents {
			if name != from {
				names = append(names, name)
			}
		}
		for name := range r.users {
			if name != from {
				names = append(names, name)
			}
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		if target, ok := r.lookupConn(name); ok {
			r.deliver(target, name, from, env, protocol.Broadcast)
		}
	}
	r.observer.MessageRouted(from, protocol.Broadcast, env.Type)
	return true
}

func (r *Router) routeDirect(from string, env *protocol.Envelope) bool {
	to := env.To
	if to == "" {
		r.log.Warn().Str("id", env.ID).Str("from", from).Msg("SEND without recipient dropped")
		r.observer.MessageDropped(from, "", "no recipient")
		return false
	}

	if target, ok := r.lookupConn(to); ok {
		r.deliver(target, to, from, env, "")
		r.observer.MessageRouted(from, to, env.Type)
		return true
	}

	if r.cross != nil && r.cross.Resolves(to) {
		r.persistMarked(env, from, to, protocol.DataCrossMachine, func(m *store.Message) {
			m.CrossMachine = true
		})
		if err := r.cross.Forward(env); err != nil {
			r.log.Warn().Err(err).Str("to", to).Msg("cross-machine forward failed")
		}
		r.observer.MessageRouted(from, to, env.Type)
		return true
	}

	if r.registry.IsKnown(to) || r.isSpawning(to) {
		r.persistMarked(env, from, to, protocol.DataOfflineQueued, func(m *store.Message) {
			m.OfflineQueued = true
		})
		r.log.Debug().Str("from", from).Str("to", to).Msg("recipient offline, queued")
		r.observer.MessageRouted(from, to, env.Type)
		return true
	}

	r.log.Warn().Str("from", from).Str("to", to).Str("id", env.ID).
		Msg("unknown recipient, message dropped")
	r.observer.MessageDropped(from, to, "unknown recipient")
	return false
}

// deliver constructs the DELIVER for one recipient, persists it, writes it,
// and tracks it for ACK. Agent recipients enter processing state.
func (r *Router) deliver(target *connection.Conn, recipient, from string, env *protocol.Envelope, originalTo string) {
	d := r.buildDeliver(target, recipient, from, env, originalTo)
	r.persistDeliver(d, env.Topic)

	if err := target.Deliver(d); err != nil {
		r.log.Warn().Err(err).Str("to", recipient).Msg("deliver write failed")
		return
	}
	if r.tracker != nil {
		r.tracker.Track(target.ConnID(), recipient, d)
	}
	if target.Entity() == protocol.EntityAgent {
		r.setProcessing(recipient)
	}
	if err := r.registry.BumpReceived(recipient); err != nil {
		r.observer.StorageError("registry.bump", err)
	}
}

// buildDeliver assembles a DELIVER per the wire contract: fresh id and ts,
// inherited topic and payload, seq from the recipient's counter, the
// recipient's session id, and originalTo only when it differs.
func (r *Router) buildDeliver(target *connection.Conn, recipient, from string, env *protocol.Envelope, originalTo string) *protocol.Envelope {
	d := &protocol.Envelope{
		Version: protocol.Version,
		Type:    protocol.TypeDeliver,
		ID:      protocol.NewID(),
		TS:      protocol.NowMillis(),
		From:    from,
		To:      recipient,
		Topic:   env.Topic,
		Payload: append(json.RawMessage(nil), env.Payload...),
		Delivery: &protocol.Delivery{
			Seq:       target.NextSeq(env.Topic, from),
			SessionID: target.SessionID(),
		},
	}
	if originalTo != "" && originalTo != recipient {
		d.Delivery.OriginalTo = originalTo
	}
	return d
}

func (r *Router) persistDeliver(d *protocol.Envelope, topic string) {
	raw, err := json.Marshal(d)
	if err != nil {
		r.observer.StorageError("store.save", err)
		return
	}
	err = r.store.Save(&store.Message{
		ID:                d.ID,
		Envelope:          raw,
		From:              d.From,
		To:                d.To,
		Topic:             topic,
		TS:                d.TS,
		Status:            store.StatusStored,
		Broadcast:         d.Delivery.OriginalTo == protocol.Broadcast,
		DeliverySessionID: d.Delivery.SessionID,
		DeliverySeq:       d.Delivery.Seq,
	})
	if err != nil {
		r.observer.StorageError("store.save", err)
		r.log.Error().Err(err).Str("id", d.ID).Msg("failed to persist delivery")
	}
}

// persistMarked stores the original SEND with a payload data marker; used by
// the offline-queue and cross-machine paths where no DELIVER exists yet.
func (r *Router) persistMarked(env *protocol.Envelope, from, to, marker string, apply func(*store.Message)) {
	payload, err := withDataMarkers(env.Payload, map[string]interface{}{marker: true})
	if err != nil {
		r.observer.StorageError("store.save", err)
		return
	}
	stored := env.Clone()
	stored.Payload = payload
	raw, err := json.Marshal(stored)
	if err != nil {
		r.observer.StorageError("store.save", err)
		return
	}
	m := &store.Message{
		ID:       env.ID,
		Envelope: raw,
		From:     from,
		To:       to,
		Topic:    env.Topic,
		TS:       env.TS,
		Status:   store.StatusStored,
	}
	apply(m)
	if err := r.store.Save(m); err != nil {
		r.observer.StorageError("store.save", err)
		r.log.Error().Err(err).Str("id", env.ID).Msg("failed to persist queued message")
	}
}

// BroadcastSystemMessage fans out a message from _system to every connected
// agent and user. Exempt from rate limiting; sets no processing state and is
// not tracked for ACK.
func (r *Router) BroadcastSystemMessage(body string, data map[string]interface{}) {
	payload, err := json.Marshal(protocol.SendPayload{Kind: "system", Body: body, Data: data})
	if err != nil {
		return
	}
	src := &protocol.Envelope{
		Version: protocol.Version,
		ID:      protocol.NewID(),
		TS:      protocol.NowMillis(),
		Payload: payload,
	}

	r.mu.Lock()
	targets := make([]*connection.Conn, 0, len(r.agents)+len(r.users))
	for _, c := range r.agents {
		targets = append(targets, c)
	}
	for _, c := range r.users {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, target := range targets {
		d := r.buildDeliver(target, target.Name(), protocol.SystemSender, src, protocol.Broadcast)
		if err := target.Deliver(d); err != nil {
			r.log.Debug().Err(err).Str("to", target.Name()).Msg("system broadcast write failed")
		}
	}
}

// replayPending re-sends unacked deliveries of a resumed session in stored
// delivery.seq order, before any new traffic, and re-tracks them.
func (r *Router) replayPending(c *connection.Conn) {
	name, sessionID := c.Name(), c.SessionID()
	msgs, err := r.store.UnackedForSession(name, sessionID)
	if err != nil {
		r.observer.StorageError("store.replay", err)
		return
	}
	for _, m := range msgs {
		var d protocol.Envelope
		if err := json.Unmarshal(m.Envelope, &d); err != nil {
			r.log.Error().Err(err).Str("id", m.ID).Msg("stored delivery undecodable")
			continue
		}
		// The replayed seq was issued by the previous connection; raise the
		// new connection's counter so later deliveries stay strictly above it.
		if d.Delivery != nil {
			c.AdvanceSeq(d.Topic, d.From, d.Delivery.Seq)
		}
		if err := c.Deliver(&d); err != nil {
			r.log.Warn().Err(err).Str("id", m.ID).Msg("session replay write failed")
			return
		}
		if r.tracker != nil {
			r.tracker.Track(c.ConnID(), name, &d)
		}
	}
	if len(msgs) > 0 {
		r.log.Info().Str("name", name).Int("count", len(msgs)).Msg("replayed unacked session deliveries")
	}
}

// deliverPendingMessages drains the offline queue for a freshly registered
// name in ascending ts order, building fresh DELIVERs with new seqs.
func (r *Router) deliverPendingMessages(c *connection.Conn) {
	name := c.Name()
	msgs, err := r.store.OfflineQueued(name)
	if err != nil {
		r.observer.StorageError("store.offline", err)
		return
	}
	for _, m := range msgs {
		var env protocol.Envelope
		if err := json.Unmarshal(m.Envelope, &env); err != nil {
			r.log.Error().Err(err).Str("id", m.ID).Msg("stored message undecodable")
			continue
		}
		r.deliver(c, name, m.From, &env, "")
		if err := r.store.MarkDelivered(m.ID); err != nil {
			r.observer.StorageError("store.mark", err)
		}
	}
	if len(msgs) > 0 {
		r.log.Info().Str("name", name).Int("count", len(msgs)).Msg("delivered offline queue")
	}
}

// withDataMarkers decodes a SEND payload, merges markers into its data map,
// and re-encodes.
func withDataMarkers(payload json.RawMessage, markers map[string]interface{}) (json.RawMessage, error) {
	var p protocol.SendPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload for markers: %w", err)
		}
	}
	if p.Data == nil {
		p.Data = make(map[string]interface{}, len(markers))
	}
	for k, v := range markers {
		p.Data[k] = v
	}
	return json.Marshal(p)
}
