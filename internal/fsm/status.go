package fsm

import (
	"context"
	"sync"

	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/looplab/fsm"
)

// transitions lists, per destination status, the statuses an order may leave
// to reach it. Events are named after their destination.
var transitions = map[string][]string{
	status.Pending:        {status.Created, status.ActionRequired, status.NotCompleted},
	status.ActionRequired: {status.Created, status.Pending},
	status.Completed:      {status.Created, status.Pending, status.ActionRequired, status.NotCompleted, status.Reversed},
	status.NotCompleted:   {status.Created, status.Pending, status.ActionRequired},
	status.Denied:         {status.Created, status.Pending, status.ActionRequired},
	status.Voided:         {status.Created, status.Pending, status.ActionRequired},
	status.Refunded:       {status.Completed},
	status.Reversed:       {status.Completed},
}

// StatusMachine validates order status changes. Denied, voided and refunded
// are terminal.
type StatusMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

// NewStatusMachine builds the order status machine.
func NewStatusMachine() *StatusMachine {
	events := make(fsm.Events, 0, len(transitions))
	for dst, src := range transitions {
		events = append(events, fsm.EventDesc{Name: dst, Src: src, Dst: dst})
	}

	return &StatusMachine{
		fsm: fsm.NewFSM(status.Created, events, fsm.Callbacks{}),
	}
}

// CanTransition reports whether an order in current may move to next.
func (sm *StatusMachine) CanTransition(current, next string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.fsm.SetState(current)
	return sm.fsm.Can(next)
}

// Transition moves current to next and returns the resulting status.
func (sm *StatusMachine) Transition(ctx context.Context, current, next string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.fsm.SetState(current)
	if err := sm.fsm.Event(ctx, next); err != nil {
		return "", err
	}
	return sm.fsm.Current(), nil
}

// NextStatuses returns the statuses reachable from current.
func (sm *StatusMachine) NextStatuses(current string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.fsm.SetState(current)
	return sm.fsm.AvailableTransitions()
}
