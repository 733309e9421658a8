package conversation

import "sync"

// Instruction is the lifecycle instruction injected into a single turn.
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionWrapUp
	InstructionFinishNow
)

func (i Instruction) String() string {
	switch i {
	case InstructionWrapUp:
		return "wrap_up"
	case InstructionFinishNow:
		return "finish_now"
	default:
		return "none"
	}
}

// Flags holds the wrap-up and finish-now lifecycle flags. The call controller
// sets them from its timers; the engine reads and clears them once per turn.
type Flags struct {
	mu        sync.Mutex
	wrapUp    bool
	finishNow bool
}

func (f *Flags) SetWrapUp() {
	f.mu.Lock()
	f.wrapUp = true
	f.mu.Unlock()
}

func (f *Flags) SetFinishNow() {
	f.mu.Lock()
	f.finishNow = true
	f.mu.Unlock()
}

// Peek returns the flags without clearing them.
func (f *Flags) Peek() (wrapUp, finishNow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrapUp, f.finishNow
}

// Consume returns the instruction for the next turn and clears what it used.
// Finish-now wins over wrap-up and clears both, since a goodbye supersedes
// any request to start concluding.
func (f *Flags) Consume() Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.finishNow:
		f.finishNow = false
		f.wrapUp = false
		return InstructionFinishNow
	case f.wrapUp:
		f.wrapUp = false
		return InstructionWrapUp
	default:
		return InstructionNone
	}
}

// Restore re-arms an instruction whose turn ended without a reply.
func (f *Flags) Restore(i Instruction) {
	switch i {
	case InstructionFinishNow:
		f.SetFinishNow()
	case InstructionWrapUp:
		f.SetWrapUp()
	}
}
