// Package session is the per-call controller. Each call runs one actor
// goroutine that owns the state machine, timers and lifecycle flags; every
// outside signal (frames, transcripts, timer fires, close requests) becomes
// an event on its inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	fcore "github.com/frostbyte73/core"
	"github.com/google/uuid"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/conversation"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/recognition"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/synthesis"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/transport"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ledger"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

const ledgerTimeout = 2 * time.Second

type Dependencies struct {
	// ConnectionID is generated when empty.
	ConnectionID string
	Socket       transport.Socket
	Transport    transport.Config
	Registry     *sessions.Registry

	STT        stt.Provider
	STTOptions stt.StreamOptions
	TTS        tts.Provider
	TTSOptions tts.SynthesizeOptions
	LLM        core.Provider
	// Model is the "provider/model" name used in logs and the ledger;
	// BareModel is what the provider receives.
	Model     string
	BareModel string

	Policy  config.Policy
	Ledger  ledger.Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evTranscript
	evWrapUp
	evFinishNow
	evHardCutoff
)

type event struct {
	kind      eventKind
	start     *protocol.Start
	streamSID string
	text      string
}

type Session struct {
	id        string
	conn      *transport.Conn
	registry  *sessions.Registry
	sttProv   stt.Provider
	sttOpts   stt.StreamOptions
	llm       core.Provider
	model     string
	bareModel string
	policy    config.Policy
	ledger    ledger.Recorder
	metrics   *metrics.Metrics
	baseLog   *slog.Logger
	now       func() time.Time

	flags  *conversation.Flags
	engine *conversation.Engine
	synth  *synthesis.Bridge
	recog  atomic.Pointer[recognition.Bridge]

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	events   chan event
	closing  fcore.Fuse
	draining fcore.Fuse
	closed   fcore.Fuse

	reasonMu       sync.Mutex
	requestedClose string

	mu        sync.Mutex
	log       *slog.Logger
	callID    string
	streamSID string
	topic     string
	createdAt time.Time
	activeAt  time.Time
	endedAt   time.Time
	endReason string
	turns     int
	bargeIns  int

	// Owned by the actor goroutine.
	timers        []*time.Timer
	startRecorded chan struct{}

	turnQ  *turnQueue
	turnWG sync.WaitGroup

	unregister func()
}

// New creates a call in the Connecting state and registers it.
func New(deps Dependencies) (*Session, error) {
	if deps.Socket == nil {
		return nil, fmt.Errorf("socket is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if deps.ConnectionID == "" {
		deps.ConnectionID = "c_" + uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Model == "" {
		deps.Model = deps.LLM.Name() + "/" + deps.BareModel
	}

	log := deps.Logger.With("connection_id", deps.ConnectionID)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        deps.ConnectionID,
		registry:  deps.Registry,
		sttProv:   deps.STT,
		sttOpts:   deps.STTOptions,
		llm:       deps.LLM,
		model:     deps.Model,
		bareModel: deps.BareModel,
		policy:    deps.Policy,
		ledger:    deps.Ledger,
		metrics:   deps.Metrics,
		baseLog:   log,
		log:       log,
		now:       deps.Now,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event, 32),
		createdAt: deps.Now(),
		turnQ:     newTurnQueue(),
		flags:     &conversation.Flags{},
	}
	s.state.Store(int32(StateConnecting))

	s.synth = synthesis.New(deps.TTS, callOutput{s: s}, synthesis.Config{Options: deps.TTSOptions},
		synthesis.WithLogger(log),
		synthesis.WithObserver(s.metrics.RecordSentence),
	)
	s.conn = transport.New(deps.Socket, deps.Transport, s.synth.Canceled)
	s.engine = conversation.New(deps.LLM, conversation.Config{
		Model:                deps.BareModel,
		MaxTokens:            deps.Policy.MaxReplyTokens,
		TurnTimeout:          deps.Policy.TurnTimeout,
		SystemPrompt:         deps.Policy.SystemPrompt,
		OpeningPrompt:        deps.Policy.OpeningPrompt,
		WrapUpInstruction:    deps.Policy.WrapUpInstruction,
		FinishNowInstruction: deps.Policy.FinishNowInstruction,
	}, s.flags, conversation.WithLogger(log))

	s.unregister = s.registry.Register(s.id, sessions.Handle{
		Close:    s.ForceClose,
		Snapshot: s.Snapshot,
	})
	s.metrics.RecordCallStart()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Closed is closed once the call has released everything and left the
// registry.
func (s *Session) Closed() <-chan struct{} { return s.closed.Watch() }

func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// History returns a copy of the dialogue.
func (s *Session) History() []types.Message { return s.engine.History() }

// ActiveTokens returns the synthesis tokens still allowed to play.
func (s *Session) ActiveTokens() []string { return s.synth.Active() }

// Flags returns the lifecycle flags the timers set.
func (s *Session) Flags() *conversation.Flags { return s.flags }

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// Snapshot summarizes the call for diagnostics.
func (s *Session) Snapshot() sessions.Summary {
	wrapUp, finishNow := s.flags.Peek()
	s.mu.Lock()
	sum := sessions.Summary{
		ConnectionID: s.id,
		CallID:       s.callID,
		StreamSID:    s.streamSID,
		Topic:        s.topic,
		State:        s.State().String(),
		StartedAt:    s.createdAt,
		ActiveAt:     s.activeAt,
		EndedAt:      s.endedAt,
		EndReason:    s.endReason,
		Turns:        s.turns,
		WrapUp:       wrapUp,
		FinishNow:    finishNow,
	}
	end := s.endedAt
	s.mu.Unlock()

	if end.IsZero() {
		end = s.now()
	}
	sum.Duration = end.Sub(sum.StartedAt)
	sum.HistoryLen = len(s.engine.History())
	sum.ActiveTokens = len(s.synth.Active())
	return sum
}

// ForceClose asks the call to drain and close the transport. It never
// blocks and may be called from any goroutine, any number of times; the
// first reason wins.
func (s *Session) ForceClose(reason string) {
	s.reasonMu.Lock()
	if s.requestedClose == "" {
		s.requestedClose = reason
	}
	s.reasonMu.Unlock()
	s.closing.Break()
}

func (s *Session) closeRequestReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.requestedClose
}

// post delivers ev to the actor unless the call is already draining.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.draining.Watch():
	case <-s.closed.Watch():
	}
}

// Serve runs the call until it is closed: it starts the outbound writer, the
// actor and the turn worker, then reads frames until the socket ends. ctx
// ending forces the call closed.
func (s *Session) Serve(ctx context.Context) error {
	s.setState(StateAwaitingStart)
	s.logger().Info("media stream connected")

	writerErr := make(chan error, 1)
	go func() { writerErr <- s.conn.Run(s.ctx) }()

	s.turnWG.Add(1)
	go s.turnLoop()

	actorDone := make(chan struct{})
	go func() {
		defer close(actorDone)
		s.run(ctx)
	}()

	var readErr error
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		s.HandleFrame(data)
	}
	s.ForceClose(ReasonTransportClosed)
	<-actorDone

	if err := <-writerErr; err != nil {
		s.logger().Debug("outbound writer stopped", "error", err)
	}
	if errors.Is(readErr, transport.ErrClosed) {
		return nil
	}
	return readErr
}

// HandleFrame decodes one inbound frame and routes it. Bad frames are logged
// and dropped.
func (s *Session) HandleFrame(data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		reason := "bad_frame"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			reason = de.Code
		}
		s.metrics.RecordDroppedFrame(reason)
		s.logger().Warn("dropping inbound frame", "error", err)
		return
	}

	switch in.Event {
	case protocol.EventMedia:
		s.HandleMedia(in.Media.Audio)
	case protocol.EventStart:
		s.post(event{kind: evStart, start: in.Start, streamSID: in.StreamSID})
	case protocol.EventStop:
		s.post(event{kind: evStop})
	case protocol.EventMark:
		s.logger().Debug("playback mark", "name", in.Mark.Name)
	case protocol.EventConnected:
		s.logger().Debug("stream protocol", "protocol", in.Connected.Protocol, "version", in.Connected.Version)
	case protocol.EventDTMF:
		s.logger().Debug("dtmf", "digit", in.DTMF.Digit)
	}
}

// HandleMedia forwards caller audio to recognition. It is the hot path and
// touches neither the actor nor the registry.
func (s *Session) HandleMedia(audio []byte) {
	if s.State() != StateActive {
		return
	}
	r := s.recog.Load()
	if r == nil {
		return
	}
	s.metrics.RecordAudio("inbound", len(audio))
	r.Write(audio)
}

func (s *Session) run(ctx context.Context) {
	var (
		closing = s.closing.Watch()
		done    = ctx.Done()
		drainC  <-chan time.Time
	)
	for {
		select {
		case ev := <-s.events:
			if d := s.handle(ev); d != nil {
				drainC = d
			}
		case <-closing:
			closing = nil
			if d := s.beginDrain(s.closeRequestReason(), true); d != nil {
				drainC = d
			}
		case <-done:
			done = nil
			if d := s.beginDrain(ReasonShutdown, true); d != nil {
				drainC = d
			}
		case <-drainC:
			s.finalize()
			return
		}
	}
}

func (s *Session) handle(ev event) <-chan time.Time {
	switch ev.kind {
	case evStart:
		return s.onStart(ev)
	case evStop:
		return s.beginDrain(ReasonStop, false)
	case evTranscript:
		if s.State() != StateActive {
			return nil
		}
		s.bargeIn()
		s.turnQ.push(turnRequest{kind: turnUser, text: ev.text})
	case evWrapUp:
		if s.State() == StateActive {
			s.flags.SetWrapUp()
			s.logger().Info("soft warning reached, asking to wrap up")
		}
	case evFinishNow:
		if s.State() == StateActive {
			s.flags.SetFinishNow()
			s.logger().Info("urgent warning reached, asking to finish")
		}
	case evHardCutoff:
		s.logger().Info("hard cutoff reached")
		return s.beginDrain(ReasonHardCutoff, true)
	}
	return nil
}

func (s *Session) onStart(ev event) <-chan time.Time {
	if s.State() != StateAwaitingStart {
		s.logger().Warn("ignoring start event", "state", s.State().String())
		return nil
	}

	now := s.now()
	s.mu.Lock()
	s.streamSID = ev.streamSID
	s.callID = ev.start.CallID()
	s.topic = ev.start.Topic()
	s.activeAt = now
	s.log = s.baseLog.With("call_id", s.callID, "stream_sid", s.streamSID)
	log := s.log
	topic := s.topic
	s.mu.Unlock()

	s.setState(StateActive)
	log.Info("call active", "topic", topic, "model", s.model)

	s.startTimers()

	r := recognition.New(s.sttProv, recognition.Config{Options: s.sttOpts, MaxReopens: s.policy.MaxReopens},
		recognition.Callbacks{
			OnTranscript: func(text string) { s.post(event{kind: evTranscript, text: text}) },
			OnFatal:      func(error) { s.ForceClose(ReasonRecognizerFailed) },
			IsActive:     func() bool { return s.State() == StateActive },
			OnReopen:     s.metrics.RecordSTTReopen,
		}, log)
	s.recog.Store(r)
	if err := r.Open(s.ctx); err != nil {
		log.Error("failed to open recognition", "error", err)
		return s.beginDrain(ReasonStartFailed, true)
	}

	start := ledger.CallStart{
		ConnectionID: s.id,
		CallID:       ev.start.CallID(),
		StreamSID:    ev.streamSID,
		Topic:        topic,
		Model:        s.model,
		StartedAt:    now,
	}
	recorded := make(chan struct{})
	s.startRecorded = recorded
	go func() {
		defer close(recorded)
		s.recordStart(start)
	}()

	s.turnQ.push(turnRequest{kind: turnOpening})
	return nil
}

func (s *Session) startTimers() {
	schedule := func(d time.Duration, kind eventKind) {
		if d <= 0 {
			return
		}
		s.timers = append(s.timers, time.AfterFunc(d, func() { s.post(event{kind: kind}) }))
	}
	schedule(s.policy.SoftWarning, evWrapUp)
	schedule(s.policy.UrgentWarning, evFinishNow)
	schedule(s.policy.HardCutoff, evHardCutoff)
}

func (s *Session) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// bargeIn silences everything queued or playing before a new turn.
func (s *Session) bargeIn() {
	// The turn goes first so it cannot dispatch after the clear.
	canceledTurn := s.turnQ.cancelInFlight()
	cleared := s.synth.ClearAll()
	if cleared == 0 && !canceledTurn {
		return
	}
	s.sendClear()
	s.mu.Lock()
	s.bargeIns++
	s.mu.Unlock()
	s.metrics.RecordBargeIn()
	s.logger().Debug("barge-in", "cleared_sentences", cleared, "canceled_turn", canceledTurn)
}

func (s *Session) sendClear() {
	sid := s.StreamSID()
	if sid == "" {
		return
	}
	frame, err := protocol.EncodeClear(sid)
	if err != nil {
		return
	}
	s.conn.SendControl(frame)
}

// beginDrain moves the call to Draining and returns the grace timer channel.
// It returns nil if the call is already draining.
func (s *Session) beginDrain(reason string, closeTransport bool) <-chan time.Time {
	if s.State() >= StateDraining {
		return nil
	}
	wasActive := s.State() == StateActive
	s.setState(StateDraining)
	s.draining.Break()

	s.mu.Lock()
	s.endReason = reason
	s.mu.Unlock()

	s.stopTimers()
	s.turnQ.clear()
	if wasActive && s.synth.ClearAll() > 0 {
		s.sendClear()
	}
	if r := s.recog.Load(); r != nil {
		r.Close()
	}
	if closeTransport {
		s.conn.Close()
	}
	s.logger().Info("call draining", "reason", reason)

	grace := s.policy.DrainGrace
	if grace <= 0 {
		grace = time.Millisecond
	}
	return time.After(grace)
}

func (s *Session) finalize() {
	s.cancel()
	s.turnWG.Wait()
	s.synth.Close()
	s.conn.Close()

	now := s.now()
	s.mu.Lock()
	s.endedAt = now
	reason := s.endReason
	turns, bargeIns := s.turns, s.bargeIns
	activeAt := s.activeAt
	s.mu.Unlock()

	s.setState(StateClosed)

	if !activeAt.IsZero() {
		// The end row updates the start row, so it must not overtake it.
		if s.startRecorded != nil {
			select {
			case <-s.startRecorded:
			case <-time.After(ledgerTimeout):
			}
		}
		s.recordEnd(ledger.CallEnd{
			ConnectionID: s.id,
			EndedAt:      now,
			EndReason:    reason,
			Turns:        turns,
			BargeIns:     bargeIns,
		})
	}
	s.metrics.RecordCallEnd(reason, now.Sub(s.createdAt))
	s.logger().Info("call closed", "reason", reason, "turns", turns, "duration_ms", now.Sub(s.createdAt).Milliseconds())

	s.closed.Break()
	s.unregister()
}

func (s *Session) recordStart(c ledger.CallStart) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := s.ledger.CallStarted(ctx, c); err != nil {
		s.logger().Warn("ledger start failed", "error", err)
	}
}

func (s *Session) recordEnd(c ledger.CallEnd) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := s.ledger.CallEnded(ctx, c); err != nil {
		s.logger().Warn("ledger end failed", "error", err)
	}
}

// callOutput frames synthesized audio for this call's stream.
type callOutput struct {
	s *Session
}

func (o callOutput) Audio(token string, audio []byte) bool {
	frame, err := protocol.EncodeMedia(o.s.StreamSID(), audio)
	if err != nil {
		return false
	}
	if !o.s.conn.SendAudio(token, frame) {
		return false
	}
	o.s.metrics.RecordAudio("outbound", len(audio))
	return true
}

func (o callOutput) Mark(token, name string) bool {
	frame, err := protocol.EncodeMark(o.s.StreamSID(), name)
	if err != nil {
		return false
	}
	return o.s.conn.SendAudio(token, frame)
}
