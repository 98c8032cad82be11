package expr

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

func mustEval(t *testing.T, source string, env Env) Value {
	t.Helper()
	value, err := Eval(source, env)
	if err != nil {
		t.Fatalf("Eval(%q) error = %v", source, err)
	}
	return value
}

func TestEval_Arithmetic(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 / 4", "2.5"},
		{"10 % 3", "1"},
		{"-5 + 2", "-3"},
		{"2.5 * 2", "5.0"},
		{"abs(-3)", "3"},
		{"abs(-3.5)", "3.5"},
		{"min(3, 1, 2)", "1"},
		{"max(3, 1, 2)", "3"},
		{"int(3.9)", "3"},
		{"float(3)", "3.0"},
		{"str(51500.0)", "51500.0"},
		{"len('hello')", "5"},
		{"'a' + 'b'", "ab"},
	}
	for _, tc := range cases {
		if got := mustEval(t, tc.source, Env{}).Format(); got != tc.want {
			t.Errorf("Eval(%q) = %q, want %q", tc.source, got, tc.want)
		}
	}
}

func TestEval_BooleanAndComparison(t *testing.T) {
	env := Env{"x": 5, "name": "her"}
	cases := []struct {
		source string
		want   bool
	}{
		{"x > 3", true},
		{"x >= 5", true},
		{"x < 5", false},
		{"x == 5", true},
		{"x != 5", false},
		{"x > 3 and name == 'her'", true},
		{"x > 9 or name == 'her'", true},
		{"not (x > 9)", true},
		{"'abc' < 'abd'", true},
	}
	for _, tc := range cases {
		if got := mustEval(t, tc.source, env).Truthy(); got != tc.want {
			t.Errorf("Eval(%q) = %v, want %v", tc.source, got, tc.want)
		}
	}
}

func TestEval_MemberAccess(t *testing.T) {
	env := Env{
		"source": map[string]any{
			"bitcoin": map[string]any{"usd": 51500.0},
		},
		"state": map[string]any{"last_price": "50000"},
	}

	price := mustEval(t, `float(source["bitcoin"]["usd"])`, env)
	if price.Format() != "51500.0" {
		t.Errorf("price = %q, want 51500.0", price.Format())
	}

	// Dotted access is equivalent to indexing for maps.
	if got := mustEval(t, `source.bitcoin.usd`, env).Format(); got != "51500.0" {
		t.Errorf("dotted access = %q, want 51500.0", got)
	}

	// get() with a default never errors on a missing key.
	if got := mustEval(t, `state.get("missing", 0)`, env).Format(); got != "0" {
		t.Errorf("get default = %q, want 0", got)
	}
	if !mustEval(t, `state.get("missing")`, env).IsNil() {
		t.Error("get without default should yield none")
	}

	// Bare missing key is an error.
	if _, err := Eval(`state["missing"]`, env); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestEval_ThresholdRule(t *testing.T) {
	// The btc_rule guard from the workflow scenario.
	guard := `state.get("last_price") and ((price - float(state["last_price"])) / float(state["last_price"]) * 100) >= 2`

	// First run: no last_price recorded, guard must be falsy.
	env := Env{"price": 50000.0, "state": map[string]any{}, "source": map[string]any{}}
	if mustEval(t, guard, env).Truthy() {
		t.Error("guard fired without a baseline price")
	}

	// Second run: 3% jump over the recorded baseline.
	env = Env{"price": 51500.0, "state": map[string]any{"last_price": 50000.0}, "source": map[string]any{}}
	if !mustEval(t, guard, env).Truthy() {
		t.Error("guard did not fire on a 3% rise")
	}

	// Small move stays quiet.
	env = Env{"price": 50500.0, "state": map[string]any{"last_price": 50000.0}, "source": map[string]any{}}
	if mustEval(t, guard, env).Truthy() {
		t.Error("guard fired on a 1% rise")
	}
}

func TestEval_Conditional(t *testing.T) {
	env := Env{"x": 10}
	if got := mustEval(t, `"big" if x > 5 else "small"`, env).Format(); got != "big" {
		t.Errorf("python conditional = %q, want big", got)
	}
	if got := mustEval(t, `x > 5 ? "big" : "small"`, env).Format(); got != "big" {
		t.Errorf("ternary = %q, want big", got)
	}
}

func TestParse_RejectsOutOfGrammar(t *testing.T) {
	sources := []string{
		"import os",
		"lambda x: x",
		"__builtins__",
		"x = 5",
		"open('/etc/passwd')",
		"while true",
		"state;source",
	}
	for _, source := range sources {
		program, err := Parse(source)
		if err != nil {
			continue
		}
		// Some of these parse as identifiers; they must then fail to
		// evaluate as calls or leave trailing input.
		if _, evalErr := program.Eval(Env{}); evalErr == nil {
			t.Errorf("Parse+Eval(%q) unexpectedly succeeded", source)
		}
	}
}

func TestParse_RejectsDeepNesting(t *testing.T) {
	deep := strings.Repeat("(", 500) + "1" + strings.Repeat(")", 500)
	if _, err := Parse(deep); err == nil {
		t.Fatal("pathologically nested input must fail to parse")
	}

	// Realistic nesting stays well inside the cap.
	shallow := strings.Repeat("(", 10) + "1 + 1" + strings.Repeat(")", 10)
	if _, err := Parse(shallow); err != nil {
		t.Errorf("Parse(shallow nesting) error = %v", err)
	}
}

func TestParse_RejectsFunctionCalls(t *testing.T) {
	if _, err := Parse("open('/etc')"); err == nil {
		t.Error("arbitrary call expression must not parse")
	}
	if _, err := Parse("state.delete('k')"); err == nil {
		t.Error("non-get method must not parse")
	}
}

func TestEval_TimeBudget(t *testing.T) {
	program, err := Parse("1 + 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// A zero budget must trip the deadline check.
	_, err = program.EvalBudget(Env{}, -time.Millisecond, DefaultResultBudget)
	if err == nil {
		// The budget check samples every 32 ops; tiny programs may finish
		// first. Force a bigger expression.
		big := strings.Repeat("1 + ", 200) + "1"
		program, parseErr := Parse(big)
		if parseErr != nil {
			t.Fatalf("Parse(big) error = %v", parseErr)
		}
		_, err = program.EvalBudget(Env{}, -time.Millisecond, DefaultResultBudget)
	}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if errkind.KindOf(err) != errkind.KindResource {
		t.Errorf("budget errors must be resource-kind, got %v", errkind.KindOf(err))
	}
}

func TestEval_ResultBudget(t *testing.T) {
	env := Env{"chunk": strings.Repeat("x", 3000)}
	_, err := Eval("chunk + chunk", env)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded for oversized concat, got %v", err)
	}
}

func TestEval_DivisionByZero(t *testing.T) {
	if _, err := Eval("1 / 0", Env{}); err == nil {
		t.Error("expected division by zero error")
	}
	if _, err := Eval("1 % 0", Env{}); err == nil {
		t.Error("expected modulo by zero error")
	}
}

func TestEval_UnknownName(t *testing.T) {
	if _, err := Eval("missing + 1", Env{}); err == nil {
		t.Error("expected unknown name error")
	}
}
