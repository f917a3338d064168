package task

import (
	"context"
	"errors"
	"testing"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name     string
		present  bool
		result   Value
		err      error
		expected Decision
		cause    bool
	}{
		{name: "no resolver", present: false, expected: DecisionProceed},
		{name: "true", present: true, result: Bool(true), expected: DecisionProceed},
		{name: "false", present: true, result: Bool(false), expected: DecisionSkip},
		{name: "call failed", present: true, err: errors.New("boom"), expected: DecisionSkip, cause: true},
		{name: "not bool", present: true, result: Int(1), expected: DecisionSkip, cause: true},
		{name: "empty result", present: true, expected: DecisionSkip, cause: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decide(tc.present, tc.result, tc.err)
			if got.Decision != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, got.Decision)
			}
			if (got.Cause != nil) != tc.cause {
				t.Fatalf("unexpected cause: %v", got.Cause)
			}
		})
	}
}

func TestGatePassesArgsAsSingleList(t *testing.T) {
	host := newFakeHost()
	host.conditions["R"] = Bool(true)
	task := &Task{Target: "T", Function: "f", Args: []Value{Int(3), String("x")}, Resolver: "R"}

	result := Gate(context.Background(), host, task)
	if result.Decision != DecisionProceed {
		t.Fatalf("expected proceed, got %s (%v)", result.Decision, result.Cause)
	}
	if len(host.tries) != 1 {
		t.Fatalf("expected one resolver call, got %d", len(host.tries))
	}
	call := host.tries[0]
	if call.target != "R" || call.function != ConditionFunction {
		t.Fatalf("unexpected call: %+v", call)
	}
	want := []Value{List(Int(3), String("x"))}
	if !ValuesEqual(call.args, want) {
		t.Fatalf("expected args %v, got %v", want, call.args)
	}
}

func TestGateWithoutResolverDoesNotCallHost(t *testing.T) {
	host := newFakeHost()
	result := Gate(context.Background(), host, &Task{Target: "T", Function: "f"})
	if result.Decision != DecisionProceed {
		t.Fatalf("expected proceed, got %s", result.Decision)
	}
	if len(host.tries) != 0 {
		t.Fatalf("resolver should not be consulted")
	}
}

func TestGateDegradesFailuresToSkip(t *testing.T) {
	host := newFakeHost()
	host.conditionEr["R"] = errors.New("trap")
	result := Gate(context.Background(), host, &Task{Target: "T", Function: "f", Resolver: "R"})
	if result.Decision != DecisionSkip || result.Cause == nil {
		t.Fatalf("expected skip with cause, got %+v", result)
	}

	missing := Gate(context.Background(), host, &Task{Target: "T", Function: "f", Resolver: "nowhere"})
	if missing.Decision != DecisionSkip {
		t.Fatalf("expected skip for missing resolver contract")
	}

	noHost := Gate(context.Background(), nil, &Task{Target: "T", Function: "f", Resolver: "R"})
	if noHost.Decision != DecisionSkip {
		t.Fatalf("expected skip without host")
	}
}
