package messagestore

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, true},
		{StatusQueued, StatusError, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusQueued, false},
		{StatusCompleted, StatusError, false},
		{StatusError, StatusCompleted, false},
		{StatusError, StatusQueued, false},
		{StatusQueued, StatusQueued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusError} {
		if s.Terminal() {
			for _, to := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusError} {
				if CanTransition(s, to) {
					t.Errorf("terminal %s must not transition to %s", s, to)
				}
			}
		}
	}
}

func TestSources(t *testing.T) {
	srcs := Sources(StatusCompleted)
	if len(srcs) != 2 {
		t.Fatalf("completed should be reachable from 2 states, got %v", srcs)
	}
	seen := map[Status]bool{}
	for _, s := range srcs {
		seen[s] = true
	}
	if !seen[StatusQueued] || !seen[StatusProcessing] {
		t.Fatalf("unexpected sources %v", srcs)
	}
	if got := Sources(StatusQueued); len(got) != 0 {
		t.Fatalf("nothing transitions back to queued, got %v", got)
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusProcessing) {
		t.Fatalf("processing must be valid")
	}
	if ValidStatus("pending") {
		t.Fatalf("unknown status accepted")
	}
}
