package call

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

type stubDirectory map[int64][]string

func (d stubDirectory) ConnectionsOf(id int64) []string { return d[id] }

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type harness struct {
	m        *Machine
	dir      stubDirectory
	timers   []*manualTimer
	timedOut []string
	finished []Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dir: stubDirectory{alice: {"a1"}, bob: {"b1", "b2"}}}
	h.m = NewMachine(100, alice, bob, h.dir, Options{
		RingTimeout: time.Second,
		AfterFunc: func(d time.Duration, f func()) Timer {
			tm := &manualTimer{fn: f}
			h.timers = append(h.timers, tm)
			return tm
		},
		OnRingTimeout: func(id string) { h.timedOut = append(h.timedOut, id) },
		OnFinish:      func(s Session) { h.finished = append(h.finished, s) },
	})
	return h
}

func raw(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func targets(out []Outbound) map[string]string {
	m := make(map[string]string)
	for _, o := range out {
		m[o.ConnID] = o.Envelope.Type + ":" + o.Envelope.Reason
	}
	return m
}

func TestOfferRelaysToEveryCalleeDevice(t *testing.T) {
	h := newHarness(t)
	out, err := h.m.Offer("a1", alice, raw("sdp-offer"))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	got := targets(out)
	if len(got) != 2 || got["b1"] != "call_offer:" || got["b2"] != "call_offer:" {
		t.Fatalf("offer targets = %v", got)
	}
	if h.m.State() != StateOffered {
		t.Fatalf("state = %s", h.m.State())
	}
	s, _ := h.m.Current()
	if s.CallerID != alice || s.CalleeID != bob {
		t.Fatalf("roles = %d/%d", s.CallerID, s.CalleeID)
	}
}

func TestSecondOfferIsRejected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Offer("a1", alice, raw("x")); err != nil {
		t.Fatal(err)
	}
	out, err := h.m.Offer("b1", bob, raw("y"))
	if !errors.Is(err, ErrCallAlreadyActive) {
		t.Fatalf("err = %v, want ErrCallAlreadyActive", err)
	}
	if len(out) != 0 {
		t.Fatal("losing offer must not be relayed")
	}
}

func TestOfferFromOutsider(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Offer("c1", carol, raw("x")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v", err)
	}
	if h.m.State() != StateIdle {
		t.Fatal("outsider offer changed state")
	}
}

func TestAnswerRules(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.m.Answer("b1", bob, raw("ans")); !errors.Is(err, ErrNoActiveSession) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("caller cannot answer", func(t *testing.T) {
		h := newHarness(t)
		h.m.Offer("a1", alice, raw("x"))
		if _, err := h.m.Answer("a1", alice, raw("ans")); !errors.Is(err, ErrUnauthorizedResponder) {
			t.Fatalf("err = %v", err)
		}
		if _, err := h.m.Answer("c1", carol, raw("ans")); !errors.Is(err, ErrUnauthorizedResponder) {
			t.Fatalf("outsider err = %v", err)
		}
	})

	t.Run("first device wins", func(t *testing.T) {
		h := newHarness(t)
		h.m.Offer("a1", alice, raw("x"))
		out, err := h.m.Answer("b2", bob, raw("ans"))
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		got := targets(out)
		if got["a1"] != "call_answer:" || got["b1"] != "call_end:answered_elsewhere" {
			t.Fatalf("answer targets = %v", got)
		}
		if _, ok := got["b2"]; ok {
			t.Fatal("answering device should not get its own answer back")
		}
		if !h.timers[0].stopped {
			t.Fatal("ring timer still running after answer")
		}
		if _, err := h.m.Answer("b1", bob, raw("late")); !errors.Is(err, ErrCallAlreadyActive) {
			t.Fatalf("late answer err = %v", err)
		}
	})
}

func TestCandidatesRelayToOtherPartyOnly(t *testing.T) {
	h := newHarness(t)

	if _, err := h.m.Candidate("a1", alice, raw("early")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("candidate before offer: %v", err)
	}
	h.m.Offer("a1", alice, raw("x"))
	if _, err := h.m.Candidate("a1", alice, raw("early")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("candidate before answer: %v", err)
	}
	h.m.Answer("b1", bob, raw("ans"))

	out, err := h.m.Candidate("a1", alice, raw("cand-a"))
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if len(out) != 1 || out[0].ConnID != "b1" || out[0].Envelope.Type != TypeCandidate {
		t.Fatalf("relay = %+v", out)
	}
	if h.m.State() != StateAnswered {
		t.Fatalf("state = %s, want answered until both sides relay", h.m.State())
	}

	if _, err := h.m.Candidate("b2", bob, raw("x")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("non-call device err = %v", err)
	}

	out, err = h.m.Candidate("b1", bob, raw("cand-b"))
	if err != nil || len(out) != 1 || out[0].ConnID != "a1" {
		t.Fatalf("relay back = %+v err=%v", out, err)
	}
	if h.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", h.m.State())
	}

	s, _ := h.m.Current()
	if len(s.ICECandidates) != 2 || s.ICECandidates[0].OwnerID != alice || s.ICECandidates[1].OwnerID != bob {
		t.Fatalf("candidates = %+v", s.ICECandidates)
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t)
	h.m.Offer("a1", alice, raw("x"))
	h.timers[0].fn()
	if len(h.timedOut) != 1 {
		t.Fatal("timer callback did not report the call id")
	}

	out := h.m.Timeout(h.timedOut[0])
	got := targets(out)
	for _, c := range []string{"a1", "b1", "b2"} {
		if got[c] != "call_end:timeout" {
			t.Fatalf("%s got %q", c, got[c])
		}
	}
	if h.m.State() != StateIdle {
		t.Fatal("timed out session should be released")
	}
	last, _ := h.m.Last()
	if last.State != StateTimedOut || last.EndedAt == nil {
		t.Fatalf("last = %+v", last)
	}

	if out := h.m.Timeout(h.timedOut[0]); out != nil {
		t.Fatal("stale timeout must be ignored")
	}
}

func TestStaleTimeoutAfterNewOffer(t *testing.T) {
	h := newHarness(t)
	h.m.Offer("a1", alice, raw("x"))
	first, _ := h.m.Current()
	h.m.End("a1", alice, "")
	h.m.Offer("a1", alice, raw("y"))

	if out := h.m.Timeout(first.ID); out != nil {
		t.Fatal("timer of an old call ended the new one")
	}
	if h.m.State() != StateOffered {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestEndWhileRinging(t *testing.T) {
	t.Run("callee rejects", func(t *testing.T) {
		h := newHarness(t)
		h.m.Offer("a1", alice, raw("x"))
		out, err := h.m.End("b1", bob, "")
		if err != nil {
			t.Fatal(err)
		}
		got := targets(out)
		if got["a1"] != "call_end:rejected" || got["b2"] != "call_end:rejected" {
			t.Fatalf("targets = %v", got)
		}
		last, _ := h.m.Last()
		if last.State != StateRejected {
			t.Fatalf("state = %s", last.State)
		}
	})

	t.Run("caller cancels", func(t *testing.T) {
		h := newHarness(t)
		h.m.Offer("a1", alice, raw("x"))
		out, err := h.m.End("a1", alice, "")
		if err != nil {
			t.Fatal(err)
		}
		got := targets(out)
		if got["b1"] != "call_end:cancelled" || got["b2"] != "call_end:cancelled" {
			t.Fatalf("targets = %v", got)
		}
		last, _ := h.m.Last()
		if last.State != StateEnded {
			t.Fatalf("state = %s", last.State)
		}
	})
}

func TestHangupAndErrors(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.End("a1", alice, ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("end without session: %v", err)
	}
	h.m.Offer("a1", alice, raw("x"))
	h.m.Answer("b1", bob, raw("y"))

	if _, err := h.m.End("c1", carol, ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider end: %v", err)
	}

	out, err := h.m.End("b1", bob, "bye")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ConnID != "a1" || out[0].Envelope.Reason != "bye" {
		t.Fatalf("hangup relay = %+v", out)
	}
	if len(h.finished) != 1 || h.finished[0].EndReason != "bye" {
		t.Fatalf("finished = %+v", h.finished)
	}
}

func TestCallerDisconnectMidCall(t *testing.T) {
	h := newHarness(t)
	h.m.Offer("a1", alice, raw("x"))
	h.m.Answer("b1", bob, raw("y"))

	h.dir[alice] = nil
	out := h.m.Disconnect("a1", alice)
	if len(out) != 1 || out[0].ConnID != "b1" || out[0].Envelope.Reason != ReasonPeerDisconnected {
		t.Fatalf("disconnect relay = %+v", out)
	}
	if out := h.m.Disconnect("a1", alice); out != nil {
		t.Fatal("second disconnect should be a no-op")
	}

	h.dir[alice] = []string{"a2"}
	if _, err := h.m.Offer("a2", alice, raw("again")); err != nil {
		t.Fatalf("new offer after disconnect: %v", err)
	}
}

func TestCalleeDeviceDisconnectWhileRinging(t *testing.T) {
	h := newHarness(t)
	h.m.Offer("a1", alice, raw("x"))

	h.dir[bob] = []string{"b2"}
	if out := h.m.Disconnect("b1", bob); out != nil {
		t.Fatalf("call ended while another callee device rings: %+v", out)
	}

	h.dir[bob] = nil
	out := h.m.Disconnect("b2", bob)
	if len(out) != 1 || out[0].ConnID != "a1" {
		t.Fatalf("relay = %+v", out)
	}
	if h.m.State() != StateIdle {
		t.Fatal("session should be released")
	}
}

func TestCloseDropsSession(t *testing.T) {
	h := newHarness(t)
	h.m.Offer("a1", alice, raw("x"))
	h.m.Close()
	if h.m.State() != StateIdle {
		t.Fatal("Close should discard the session")
	}
	if !h.timers[0].stopped {
		t.Fatal("Close should stop the ring timer")
	}
}

func TestTransitionTable(t *testing.T) {
	for _, s := range []State{StateEnded, StateRejected, StateTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if len(allowedTransitions[s]) != 0 {
			t.Fatalf("%s has outgoing transitions", s)
		}
	}
	if canTransition(StateAnswered, StateOffered) {
		t.Fatal("answered -> offered must be rejected")
	}
}
