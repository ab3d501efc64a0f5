package hsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hspmesh/internal/discovery"
	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/danmuck/hspmesh/internal/tasks"
)

// dispatch is the single connector handler for every subscription.
func (n *Node) dispatch(topic string, env protocol.Envelope) {
	if env.SenderID == n.cfg.PeerID && broadcast(env.MessageType) {
		return
	}
	if env.QoS.RequiresAck && env.MessageType != schema.MsgAck {
		n.sendAck(env)
	}
	if !n.markSeen(env.ID) {
		n.logger.Debug().Str("id", env.ID).Str("topic", topic).Msg("hsp.Node duplicate envelope")
		return
	}
	handle, ok := n.handlers[env.MessageType]
	if !ok {
		n.logger.Warn().Str("message_type", string(env.MessageType)).Msg("hsp.Node no handler")
		return
	}
	if err := handle(topic, env); err != nil {
		n.logger.Warn().
			Err(err).
			Str("topic", topic).
			Str("id", env.ID).
			Str("sender_id", env.SenderID).
			Msg("hsp.Node dispatch")
	}
}

func broadcast(t schema.MessageType) bool {
	return t == schema.MsgFact || t == schema.MsgCapabilityAdvertisement
}

// markSeen records id and reports whether it was new. Expired ids are pruned
// once the set grows past MaxSeen.
func (n *Node) markSeen(id string) bool {
	now := n.now()
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	if at, ok := n.seen[id]; ok && now.Sub(at) < n.cfg.SeenTTL {
		return false
	}
	n.seen[id] = now
	if len(n.seen) > n.cfg.MaxSeen {
		n.pruneSeenLocked(now)
	}
	return true
}

func (n *Node) pruneSeenLocked(now time.Time) {
	for id, at := range n.seen {
		if now.Sub(at) >= n.cfg.SeenTTL {
			delete(n.seen, id)
		}
	}
	// still over the cap: drop the oldest half
	if len(n.seen) > n.cfg.MaxSeen {
		cutoff := now.Add(-n.cfg.SeenTTL / 2)
		for id, at := range n.seen {
			if at.Before(cutoff) {
				delete(n.seen, id)
			}
		}
	}
}

func (n *Node) sendAck(env protocol.Envelope) {
	ack := protocol.Ack{AckedID: env.ID, Status: protocol.AckReceived}
	reply, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgAck, ack,
		protocol.WithCorrelationID(env.ID),
		protocol.WithRecipient(env.SenderID),
	)
	if err != nil {
		n.logger.Warn().Err(err).Str("id", env.ID).Msg("hsp.Node build ack")
		return
	}
	n.async(func(ctx context.Context) {
		if err := n.publish(ctx, schema.MsgAck, env.SenderID, reply); err != nil {
			n.logger.Warn().Err(err).Str("id", env.ID).Str("to", env.SenderID).Msg("hsp.Node send ack")
		}
	})
}

// async runs fn off the dispatch worker, tied to the node lifetime.
func (n *Node) async(fn func(ctx context.Context)) {
	n.spawn(func() { fn(n.ctx) })
}

// spawn runs fn on a tracked goroutine unless Close has begun. The closed
// check and wg.Add share n.mu, so no Add can race Close's Wait.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) handleFact(_ string, env protocol.Envelope) error {
	var fact protocol.Fact
	if err := env.UnmarshalPayload(&fact); err != nil {
		return err
	}
	outcome, err := n.facts.Ingest(fact)
	if err != nil {
		return err
	}
	if outcome.Duplicate {
		return nil
	}
	n.applyOverride(outcome)

	n.mu.RLock()
	handlers := append([]FactHandler(nil), n.factHandlers...)
	n.mu.RUnlock()
	for _, h := range handlers {
		h(fact, outcome)
	}
	return nil
}

func (n *Node) handleCapability(_ string, env protocol.Envelope) error {
	var ad protocol.CapabilityAdvertisement
	if err := env.UnmarshalPayload(&ad); err != nil {
		return err
	}
	if ad.OwningPeerID != env.SenderID {
		return fmt.Errorf("%w: %s advertised by %s", protocol.ErrInvalidAd, ad.OwningPeerID, env.SenderID)
	}
	if _, err := n.registry.Register(ad); err != nil {
		if errors.Is(err, discovery.ErrStaleAdvertisement) || errors.Is(err, discovery.ErrNotFound) {
			n.logger.Debug().Err(err).Str("capability_id", ad.CapabilityID).Msg("hsp.Node advertisement ignored")
			return nil
		}
		return err
	}
	return nil
}

func (n *Node) handleTaskRequest(_ string, env protocol.Envelope) error {
	if env.CorrelationID == "" {
		return fmt.Errorf("%w: task request %s without correlation id", tasks.ErrInvalidTask, env.ID)
	}
	var req protocol.TaskRequest
	if err := env.UnmarshalPayload(&req); err != nil {
		return err
	}
	n.mu.RLock()
	handler, ok := n.taskHandlers[req.CapabilityID]
	n.mu.RUnlock()

	n.async(func(ctx context.Context) {
		result := protocol.TaskResult{CapabilityID: req.CapabilityID, Status: protocol.TaskCompleted}
		if !ok {
			result.Status = protocol.TaskFailed
			result.Error = fmt.Sprintf("%v: %s", ErrNoTaskHandler, req.CapabilityID)
		} else {
			runCtx := ctx
			if !req.Deadline.IsZero() {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithDeadline(ctx, req.Deadline)
				defer cancel()
			}
			output, err := handler(runCtx, env.SenderID, req)
			if err != nil {
				result.Status = protocol.TaskFailed
				result.Error = err.Error()
			} else {
				result.Output = output
			}
		}
		n.sendResult(ctx, env, result)
	})
	return nil
}

func (n *Node) sendResult(ctx context.Context, req protocol.Envelope, result protocol.TaskResult) {
	reply, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgTaskResult, result,
		protocol.WithCorrelationID(req.CorrelationID),
		protocol.WithRecipient(req.SenderID),
	)
	if err != nil {
		n.logger.Warn().Err(err).Str("correlation_id", req.CorrelationID).Msg("hsp.Node build result")
		return
	}
	if err := n.publish(ctx, schema.MsgTaskResult, req.SenderID, reply); err != nil {
		n.logger.Warn().
			Err(err).
			Str("correlation_id", req.CorrelationID).
			Str("to", req.SenderID).
			Msg("hsp.Node send result")
		return
	}
	n.logger.Debug().
		Str("correlation_id", req.CorrelationID).
		Str("status", string(result.Status)).
		Msg("hsp.Node task handled")
}

func (n *Node) handleTaskResult(_ string, env protocol.Envelope) error {
	var result protocol.TaskResult
	if err := env.UnmarshalPayload(&result); err != nil {
		return err
	}
	rec, ok := n.tasks.Get(env.CorrelationID)
	if ok && rec.TargetPeerID != "" && rec.TargetPeerID != env.SenderID {
		return fmt.Errorf("hsp: result for %s from %s, expected %s", env.CorrelationID, env.SenderID, rec.TargetPeerID)
	}
	if _, err := n.tasks.Resolve(env.CorrelationID, result); err != nil {
		if errors.Is(err, tasks.ErrDuplicateResult) || errors.Is(err, tasks.ErrUnknownCorrelation) {
			n.logger.Debug().Err(err).Str("correlation_id", env.CorrelationID).Msg("hsp.Node result ignored")
			return nil
		}
		return err
	}
	n.recordTrust(env.SenderID, result.Succeeded())
	return nil
}

func (n *Node) handleAck(_ string, env protocol.Envelope) error {
	var ack protocol.Ack
	if err := env.UnmarshalPayload(&ack); err != nil {
		return err
	}
	n.mu.Lock()
	ch, ok := n.ackWaiters[ack.AckedID]
	if ok {
		delete(n.ackWaiters, ack.AckedID)
	}
	n.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}
