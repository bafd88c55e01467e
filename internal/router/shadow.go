package router

import (
	"encoding/json"

	"github.com/agent-relay/relayd/internal/protocol"
)

// Trigger names a primary-agent event a shadow can subscribe to via speakOn.
type Trigger string

const (
	TriggerExplicitAsk   Trigger = "EXPLICIT_ASK"
	TriggerCodeWritten   Trigger = "CODE_WRITTEN"
	TriggerReviewRequest Trigger = "REVIEW_REQUEST"
	TriggerSessionEnd    Trigger = "SESSION_END"
	TriggerAllMessages   Trigger = "ALL_MESSAGES"
)

// ShadowBinding attaches a shadow agent to a primary. The shadow receives
// copies of the primary's traffic in the permitted directions and is
// triggered when a speakOn event fires.
type ShadowBinding struct {
	Shadow          string
	SpeakOn         []Trigger
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

func (b ShadowBinding) speaksOn(trigger Trigger) bool {
	for _, t := range b.SpeakOn {
		if t == trigger || t == TriggerAllMessages {
			return true
		}
	}
	return false
}

// BindShadow attaches shadow to primary, replacing an existing binding for
// the same shadow name.
func (r *Router) BindShadow(primaryName string, b ShadowBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.shadows[primaryName]
	for i, prev := range list {
		if prev.Shadow == b.Shadow {
			list[i] = b
			r.primary[b.Shadow] = primaryName
			return
		}
	}
	r.shadows[primaryName] = append(list, b)
	r.primary[b.Shadow] = primaryName
}

// UnbindShadow detaches shadow from primary.
func (r *Router) UnbindShadow(primaryName, shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.shadows[primaryName]
	for i, b := range list {
		if b.Shadow == shadow {
			r.shadows[primaryName] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.shadows[primaryName]) == 0 {
		delete(r.shadows, primaryName)
	}
	delete(r.primary, shadow)
}

// unbindAllShadowsLocked clears every binding involving name, as primary or
// as shadow. Caller holds r.mu.
func (r *Router) unbindAllShadowsLocked(name string) {
	for _, b := range r.shadows[name] {
		delete(r.primary, b.Shadow)
	}
	delete(r.shadows, name)

	if primaryName, ok := r.primary[name]; ok {
		list := r.shadows[primaryName]
		for i, b := range list {
			if b.Shadow == name {
				r.shadows[primaryName] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.shadows[primaryName]) == 0 {
			delete(r.shadows, primaryName)
		}
		delete(r.primary, name)
	}
}

// fanOutShadows sends shadow copies after a routed message: the sender's
// shadows see it as outgoing, the recipient's as incoming. Not ordered
// relative to the primary delivery.
func (r *Router) fanOutShadows(from, to string, env *protocol.Envelope) {
	type copyJob struct {
		binding   ShadowBinding
		primary   string
		direction string
	}
	var jobs []copyJob

	r.mu.Lock()
	for _, b := range r.shadows[from] {
		if b.ReceiveOutgoing && b.Shadow != from {
			jobs = append(jobs, copyJob{b, from, "outgoing"})
		}
	}
	if to != protocol.Broadcast && to != from {
		for _, b := range r.shadows[to] {
			if b.ReceiveIncoming && b.Shadow != from {
				jobs = append(jobs, copyJob{b, to, "incoming"})
			}
		}
	}
	r.mu.Unlock()

	for _, job := range jobs {
		r.deliverShadowCopy(job.binding.Shadow, job.primary, job.direction, from, env)
	}
}

// deliverShadowCopy sends one marked copy to a connected shadow. Tracked for
// ACK; never sets processing state. Offline shadows are skipped.
func (r *Router) deliverShadowCopy(shadow, primaryName, direction, from string, env *protocol.Envelope) {
	target, ok := r.lookupConn(shadow)
	if !ok {
		return
	}
	payload, err := withDataMarkers(env.Payload, map[string]interface{}{
		protocol.DataShadowCopy:      true,
		protocol.DataShadowOf:        primaryName,
		protocol.DataShadowDirection: direction,
	})
	if err != nil {
		r.log.Error().Err(err).Str("shadow", shadow).Msg("shadow copy payload failed")
		return
	}
	src := env.Clone()
	src.Payload = payload

	d := r.buildDeliver(target, shadow, from, src, "")
	r.persistDeliver(d, env.Topic)
	if err := target.Deliver(d); err != nil {
		r.log.Warn().Err(err).Str("shadow", shadow).Msg("shadow copy write failed")
		return
	}
	if r.tracker != nil {
		r.tracker.Track(target.ConnID(), shadow, d)
	}
}

// EmitShadowTrigger fires "SHADOW_TRIGGER:<trigger>" at every shadow of
// primary whose speakOn includes the trigger (or ALL_MESSAGES). Triggered
// shadows are expected to respond, so these deliveries do set processing
// state.
func (r *Router) EmitShadowTrigger(primaryName string, trigger Trigger, ctx map[string]interface{}) {
	r.mu.Lock()
	var targets []string
	for _, b := range r.shadows[primaryName] {
		if b.speaksOn(trigger) {
			targets = append(targets, b.Shadow)
		}
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data := make(map[string]interface{}, len(ctx)+2)
	for k, v := range ctx {
		data[k] = v
	}
	data[protocol.DataShadowTrigger] = string(trigger)
	data[protocol.DataShadowOf] = primaryName
	payload, err := json.Marshal(protocol.SendPayload{
		Kind: "message",
		Body: "SHADOW_TRIGGER:" + string(trigger),
		Data: data,
	})
	if err != nil {
		return
	}
	src := &protocol.Envelope{
		Version: protocol.Version,
		ID:      protocol.NewID(),
		TS:      protocol.NowMillis(),
		Payload: payload,
	}

	for _, shadow := range targets {
		target, ok := r.lookupConn(shadow)
		if !ok {
			continue
		}
		d := r.buildDeliver(target, shadow, primaryName, src, "")
		r.persistDeliver(d, "")
		if err := target.Deliver(d); err != nil {
			r.log.Warn().Err(err).Str("shadow", shadow).Msg("shadow trigger write failed")
			continue
		}
		if r.tracker != nil {
			r.tracker.Track(target.ConnID(), shadow, d)
		}
		if target.Entity() == protocol.EntityAgent {
			r.setProcessing(shadow)
		}
	}
}
