package call

import "github.com/looplab/fsm"

// newSessionFSM encodes the lifecycle transition matrix. Failed is a
// dead end, and FailedHangingUp accepts nothing but the final drop to
// Failed; every other state may move anywhere. Events are named after
// their destination so setState stays table-free.
func newSessionFSM() *fsm.FSM {
	all := []string{
		string(StateCreating),
		string(StateWaiting),
		string(StateJoining),
		string(StateConnecting),
		string(StateJoined),
		string(StateHangingUp),
		string(StateEnded),
		string(StateFailedHangingUp),
		string(StateFailed),
	}
	open := make([]string, 0, len(all))
	for _, s := range all {
		if s == string(StateFailed) || s == string(StateFailedHangingUp) {
			continue
		}
		open = append(open, s)
	}
	events := make(fsm.Events, 0, len(all))
	for _, dst := range all {
		src := open
		if dst == string(StateFailed) {
			// The only legal exit from FailedHangingUp.
			src = append(append([]string{}, open...), string(StateFailedHangingUp))
		}
		events = append(events, fsm.EventDesc{
			Name: "to-" + dst,
			Src:  src,
			Dst:  dst,
		})
	}
	return fsm.NewFSM(string(StateCreating), events, fsm.Callbacks{})
}
