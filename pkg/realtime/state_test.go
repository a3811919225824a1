package realtime

import (
	"testing"
)

func TestDispatchSessionReady_OnlyFromOpen(t *testing.T) {
	tests := []struct {
		name      string
		from      State
		want      State
		wantCalls int
	}{
		{name: "open becomes ready", from: StateOpen, want: StateSessionReady, wantCalls: 1},
		{name: "closing is kept", from: StateClosing, want: StateClosing},
		{name: "closed is kept", from: StateClosed, want: StateClosed},
		{name: "ready is idempotent", from: StateSessionReady, want: StateSessionReady},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := New(Config{URL: "ws://localhost/v1/realtime"}, nil)
			tr.state.Store(int32(tc.from))

			var transitions [][2]State
			tr.OnStateChange(func(old, new State) {
				transitions = append(transitions, [2]State{old, new})
			})

			tr.dispatch(SessionReady{Type: "session.ready"})

			if got := tr.State(); got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
			if len(transitions) != tc.wantCalls {
				t.Fatalf("observer calls = %d, want %d (%v)", len(transitions), tc.wantCalls, transitions)
			}
			if tc.wantCalls == 1 && transitions[0] != [2]State{StateOpen, StateSessionReady} {
				t.Errorf("transition = %v", transitions[0])
			}
		})
	}
}
