package report

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateSubmitted, StateExtracting, true},
		{StateExtracting, StateExtracted, true},
		{StateExtracting, StateFailed, true},
		{StateExtracted, StateAnalyzing, true},
		{StateAnalyzing, StateCompleted, true},
		{StateAnalyzing, StateFailed, true},
		{StateSubmitted, StateFailed, true},
		{StateExtracted, StateFailed, true},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateFailed, false},
		{StateSubmitted, StateAnalyzing, false},
		{StateExtracting, StateExtracting, false},
		{StateCompleted, StateAnalyzing, false},
		{StateFailed, StateExtracting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s): expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestState_Label(t *testing.T) {
	tests := map[State]string{
		StateSubmitted:  "PENDING",
		StateExtracting: "EXTRACTING",
		StateExtracted:  "ANALYZING",
		StateAnalyzing:  "ANALYZING",
		StateCompleted:  "COMPLETED",
		StateFailed:     "FAILED",
	}
	for s, want := range tests {
		if got := s.Label(); got != want {
			t.Errorf("expected %s label %s, got %s", s, want, got)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Error("expected COMPLETED and FAILED to be terminal")
	}
	if StateAnalyzing.Terminal() {
		t.Error("expected ANALYZING not to be terminal")
	}
}

func TestStatusOf(t *testing.T) {
	payload := &Payload{Indicators: []Indicator{}, Summary: "ok"}

	st := StatusOf(&Task{ID: "t1", State: StateCompleted, Result: payload, Error: "ignored"})
	if st.Status != "COMPLETED" || st.Result != payload || st.Error != "" {
		t.Errorf("unexpected completed status: %+v", st)
	}

	st = StatusOf(&Task{ID: "t2", State: StateFailed, Error: "boom"})
	if st.Status != "FAILED" || st.Error != "boom" || st.Result != nil {
		t.Errorf("unexpected failed status: %+v", st)
	}

	st = StatusOf(&Task{ID: "t3", State: StateExtracting})
	if st.Status != "EXTRACTING" || st.Result != nil || st.Error != "" {
		t.Errorf("unexpected in-flight status: %+v", st)
	}
}
