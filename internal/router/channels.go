package router

import (
	"encoding/json"
	"strings"

	"github.com/agent-relay/relayd/internal/connection"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/store"
)

// Channels are named rooms with explicit membership. Names match
// case-insensitively but keep the casing of their first join. The durable
// membership store is canonical and drives auto-rejoin; the structured log
// line written on every change is an advisory append-only record.

func (r *Router) handleChannelJoin(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.ChannelPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Channel == "" {
		c.SendError(protocol.ErrCodeProtocol, "channel payload requires a channel")
		return
	}
	member := p.Member
	admin := member != "" && !strings.EqualFold(member, c.Name())
	if member == "" {
		member = c.Name()
	}

	r.mu.Lock()
	lower := strings.ToLower(p.Channel)
	ch, ok := r.channels[lower]
	if !ok {
		ch = &channelState{casing: p.Channel, members: make(map[string]string)}
		r.channels[lower] = ch
	}
	ch.members[strings.ToLower(member)] = member
	casing := ch.casing
	r.mu.Unlock()

	if err := r.store.AddChannelMember(casing, member); err != nil {
		r.observer.StorageError("store.membership", err)
	}
	r.log.Info().Str("channel", casing).Str("member", member).
		Bool("admin", admin).Msg("channel join")

	if !admin {
		r.notifyChannel(casing, member, member+" joined "+casing)
	}
}

func (r *Router) handleChannelLeave(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.ChannelPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Channel == "" {
		c.SendError(protocol.ErrCodeProtocol, "channel payload requires a channel")
		return
	}
	member := p.Member
	admin := member != "" && !strings.EqualFold(member, c.Name())
	if member == "" {
		member = c.Name()
	}

	r.mu.Lock()
	lower := strings.ToLower(p.Channel)
	casing := p.Channel
	if ch, ok := r.channels[lower]; ok {
		casing = ch.casing
		delete(ch.members, strings.ToLower(member))
		if len(ch.members) == 0 {
			delete(r.channels, lower)
		}
	}
	r.mu.Unlock()

	if err := r.store.RemoveChannelMember(casing, member); err != nil {
		r.observer.StorageError("store.membership", err)
	}
	r.log.Info().Str("channel", casing).Str("member", member).
		Bool("admin", admin).Msg("channel leave")

	if !admin {
		r.notifyChannel(casing, member, member+" left "+casing)
	}
}

func (r *Router) handleChannelMessage(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.ChannelMessagePayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Channel == "" {
		c.SendError(protocol.ErrCodeProtocol, "channel message requires a channel")
		return
	}
	r.channelMessageFrom(c.Name(), env, p)
}

// ChannelMessageFrom fans out a channel message for a named sender without a
// connection of its own; the watchdog uses it for CHANNEL-addressed outbox
// files.
func (r *Router) ChannelMessageFrom(from, channel, body, thread string) {
	p := protocol.ChannelMessagePayload{Channel: channel, Body: body, Thread: thread}
	env, err := protocol.New(protocol.TypeChannelMessage, p)
	if err != nil {
		return
	}
	env.From = from
	r.channelMessageFrom(from, env, p)
}

func (r *Router) channelMessageFrom(from string, env *protocol.Envelope, p protocol.ChannelMessagePayload) {
	if !r.limiter.TryAcquire(from) {
		return
	}
	r.clearProcessing(from)

	r.mu.Lock()
	ch, ok := r.channels[strings.ToLower(p.Channel)]
	if !ok || !memberOf(ch, from) {
		r.mu.Unlock()
		r.log.Warn().Str("channel", p.Channel).Str("from", from).
			Msg("channel message from non-member dropped")
		r.observer.MessageDropped(from, p.Channel, "not a channel member")
		return
	}
	casing := ch.casing
	recipients := make([]string, 0, len(ch.members))
	for _, name := range ch.members {
		if !strings.EqualFold(name, from) {
			recipients = append(recipients, name)
		}
	}
	r.mu.Unlock()

	r.persistChannelMessage(env, from, casing)

	for _, name := range recipients {
		target, ok := r.lookupConn(name)
		if !ok {
			continue
		}
		out := &protocol.Envelope{
			Version: protocol.Version,
			Type:    protocol.TypeChannelMessage,
			ID:      protocol.NewID(),
			TS:      protocol.NowMillis(),
			From:    from,
			To:      name,
			Payload: append(json.RawMessage(nil), env.Payload...),
		}
		if err := target.Deliver(out); err != nil {
			r.log.Warn().Err(err).Str("to", name).Msg("channel fan-out write failed")
			continue
		}
		if target.Entity() == protocol.EntityAgent {
			r.setProcessing(name)
		}
	}
	r.observer.MessageRouted(from, casing, protocol.TypeChannelMessage)
	r.fanOutShadows(from, casing, env)
}

// persistChannelMessage stores exactly one record for the whole fan-out,
// addressed to the channel itself.
func (r *Router) persistChannelMessage(env *protocol.Envelope, from, channel string) {
	raw, err := json.Marshal(env)
	if err != nil {
		r.observer.StorageError("store.save", err)
		return
	}
	err = r.store.Save(&store.Message{
		ID:             env.ID,
		Envelope:       raw,
		From:           from,
		To:             channel,
		TS:             env.TS,
		Status:         store.StatusStored,
		ChannelMessage: true,
		Broadcast:      true,
	})
	if err != nil {
		r.observer.StorageError("store.save", err)
	}
}

// notifyChannel sends a system notice to every current member except the one
// the notice is about. Best effort, never tracked.
func (r *Router) notifyChannel(channel, about, body string) {
	r.mu.Lock()
	ch, ok := r.channels[strings.ToLower(channel)]
	if !ok {
		r.mu.Unlock()
		return
	}
	recipients := make([]string, 0, len(ch.members))
	for _, name := range ch.members {
		if !strings.EqualFold(name, about) {
			recipients = append(recipients, name)
		}
	}
	r.mu.Unlock()

	payload, err := json.Marshal(protocol.ChannelMessagePayload{Channel: channel, Body: body})
	if err != nil {
		return
	}
	for _, name := range recipients {
		if target, ok := r.lookupConn(name); ok {
			target.Deliver(&protocol.Envelope{
				Version: protocol.Version,
				Type:    protocol.TypeChannelMessage,
				ID:      protocol.NewID(),
				TS:      protocol.NowMillis(),
				From:    protocol.SystemSender,
				To:      name,
				Payload: payload,
			})
		}
	}
}

// rejoinChannels silently restores persisted memberships on reconnect.
func (r *Router) rejoinChannels(name string) {
	channels, err := r.store.ChannelsFor(name)
	if err != nil {
		r.observer.StorageError("store.membership", err)
		return
	}
	if len(channels) == 0 {
		return
	}

	r.mu.Lock()
	for _, casing := range channels {
		lower := strings.ToLower(casing)
		ch, ok := r.channels[lower]
		if !ok {
			ch = &channelState{casing: casing, members: make(map[string]string)}
			r.channels[lower] = ch
		}
		ch.members[strings.ToLower(name)] = name
	}
	r.mu.Unlock()

	r.log.Debug().Str("name", name).Strs("channels", channels).Msg("rejoined channels")
}

// dropFromChannelsLocked removes name from every in-memory channel and
// returns the channels it was in. Persisted membership is kept so the agent
// rejoins on reconnect.
func (r *Router) dropFromChannelsLocked(name string) []string {
	lower := strings.ToLower(name)
	var left []string
	for key, ch := range r.channels {
		if _, ok := ch.members[lower]; !ok {
			continue
		}
		delete(ch.members, lower)
		left = append(left, ch.casing)
		if len(ch.members) == 0 {
			delete(r.channels, key)
		}
	}
	return left
}

// ChannelMembers returns the current in-memory members of a channel, in
// their original casing.
func (r *Router) ChannelMembers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[strings.ToLower(channel)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.members))
	for _, name := range ch.members {
		out = append(out, name)
	}
	return out
}

func memberOf(ch *channelState, name string) bool {
	_, ok := ch.members[strings.ToLower(name)]
	return ok
}
