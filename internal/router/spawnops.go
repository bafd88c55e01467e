package router

import (
	"github.com/agent-relay/relayd/internal/connection"
	"github.com/agent-relay/relayd/internal/protocol"
)

// SPAWN and RELEASE are delegated to the spawn manager. The router's part of
// the contract: mark the child spawning before the launch so traffic to it
// is queued, and clear the flag on failure (success clears via the child's
// HELLO).

func (r *Router) handleSpawn(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.SpawnPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Name == "" {
		r.sendResult(c, protocol.TypeSpawnResult, protocol.SpawnResultPayload{
			Success: false, Name: p.Name, Error: "spawn requires a name",
		})
		return
	}
	if r.spawner == nil {
		r.sendResult(c, protocol.TypeSpawnResult, protocol.SpawnResultPayload{
			Success: false, Name: p.Name, Error: "spawning is not available",
		})
		return
	}

	r.MarkSpawning(p.Name)
	go func() {
		res := r.spawner.Spawn(p)
		if !res.Success {
			r.ClearSpawning(p.Name)
		}
		r.sendResult(c, protocol.TypeSpawnResult, res)
	}()
}

func (r *Router) handleRelease(c *connection.Conn, env *protocol.Envelope) {
	var p protocol.ReleasePayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Name == "" {
		r.sendResult(c, protocol.TypeReleaseResult, protocol.ReleaseResultPayload{
			Success: false, Name: p.Name, Error: "release requires a name",
		})
		return
	}
	if r.spawner == nil {
		r.sendResult(c, protocol.TypeReleaseResult, protocol.ReleaseResultPayload{
			Success: false, Name: p.Name, Error: "spawning is not available",
		})
		return
	}

	go func() {
		res := r.spawner.Release(p)
		r.sendResult(c, protocol.TypeReleaseResult, res)
	}()
}

func (r *Router) sendResult(c *connection.Conn, t protocol.Type, payload interface{}) {
	env, err := protocol.New(t, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(t)).Msg("result payload marshal failed")
		return
	}
	env.From = protocol.SystemSender
	env.To = c.Name()
	if err := c.Deliver(env); err != nil {
		r.log.Debug().Err(err).Str("type", string(t)).Msg("result write failed")
	}
}
