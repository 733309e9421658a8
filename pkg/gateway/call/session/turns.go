package session

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/conversation"
)

type turnKind int

const (
	turnOpening turnKind = iota
	turnUser
)

type turnRequest struct {
	kind turnKind
	text string
}

// turnQueue is the FIFO of pending turns plus the cancel func of the one
// running. Popping a turn and publishing its cancel func happen under one
// lock so a barge-in can never miss the turn that just started.
type turnQueue struct {
	mu       sync.Mutex
	items    []turnRequest
	inFlight context.CancelFunc
	notify   chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{notify: make(chan struct{}, 1)}
}

func (q *turnQueue) push(r turnRequest) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest turn and returns a context that cancelInFlight
// cancels. ok is false when the queue is empty.
func (q *turnQueue) next(parent context.Context) (r turnRequest, ctx context.Context, done func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return turnRequest{}, nil, nil, false
	}
	r = q.items[0]
	q.items = q.items[1:]
	ctx, cancel := context.WithCancel(parent)
	q.inFlight = cancel
	done = func() {
		q.mu.Lock()
		q.inFlight = nil
		q.mu.Unlock()
		cancel()
	}
	return r, ctx, done, true
}

// cancelInFlight cancels the running turn, if any, and reports whether there
// was one.
func (q *turnQueue) cancelInFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return false
	}
	q.inFlight()
	q.inFlight = nil
	return true
}

// clear drops pending turns and cancels the running one.
func (q *turnQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.cancelInFlight()
}

func (s *Session) turnLoop() {
	defer s.turnWG.Done()
	for {
		req, ctx, done, ok := s.turnQ.next(s.ctx)
		if !ok {
			select {
			case <-s.turnQ.notify:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		s.runTurn(ctx, req)
		done()
	}
}

func (s *Session) runTurn(ctx context.Context, req turnRequest) {
	start := time.Now()
	var (
		res conversation.TurnResult
		err error
	)
	switch req.kind {
	case turnOpening:
		res, err = s.engine.Open(ctx, s.Topic(), s.synth)
	default:
		res, err = s.engine.AdvanceTurn(ctx, req.text, s.synth)
	}

	outcome := "completed"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = "failed"
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()

	s.metrics.RecordTurn(outcome, res.Instruction.String(), time.Since(start))
	s.metrics.RecordTokens(s.llm.Name(), s.bareModel, res.Usage.InputTokens, res.Usage.OutputTokens)
	s.logger().Debug("turn finished",
		"outcome", outcome,
		"sentences", res.Sentences,
		"instruction", res.Instruction.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
