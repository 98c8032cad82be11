package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

// Default evaluation budgets. Exceeding either fails the step.
const (
	DefaultTimeBudget   = 50 * time.Millisecond
	DefaultResultBudget = 4096 // bytes
)

// ErrBudgetExceeded marks evaluations stopped by the time or memory cap.
var ErrBudgetExceeded = errors.New("expression budget exceeded")

// Value is a dynamically typed expression value: nil, bool, int64,
// float64, string, map[string]any or []any.
type Value struct {
	v any
}

// Int wraps an integer value.
func Int(i int64) Value { return Value{v: i} }

// Float wraps a float value.
func Float(f float64) Value { return Value{v: f} }

// Str wraps a string value.
func Str(s string) Value { return Value{v: s} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{v: b} }

// FromAny wraps an arbitrary JSON-decoded value, normalizing numeric
// types to int64/float64.
func FromAny(v any) Value {
	switch typed := v.(type) {
	case nil:
		return Value{}
	case Value:
		return typed
	case bool, int64, float64, string, map[string]any, []any:
		return Value{v: typed}
	case int:
		return Value{v: int64(typed)}
	case int32:
		return Value{v: int64(typed)}
	case float32:
		return Value{v: float64(typed)}
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return Value{v: i}
		}
		f, _ := typed.Float64()
		return Value{v: f}
	default:
		return Value{v: fmt.Sprintf("%v", typed)}
	}
}

// IsNil reports whether the value is none.
func (v Value) IsNil() bool { return v.v == nil }

// Any returns the underlying Go value.
func (v Value) Any() any { return v.v }

// Truthy implements container-aware truthiness: none, false, zero, the
// empty string and empty containers are false.
func (v Value) Truthy() bool {
	switch typed := v.v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case string:
		return typed != ""
	case map[string]any:
		return len(typed) > 0
	case []any:
		return len(typed) > 0
	}
	return true
}

// Format renders the value the way notify interpolation expects: floats
// keep a trailing .0 when integral, so a price of 51500 reads "51500.0".
func (v Value) Format() string {
	switch typed := v.v.(type) {
	case nil:
		return "none"
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		if math.Abs(typed) < 1e15 && typed == math.Trunc(typed) {
			return strconv.FormatFloat(typed, 'f', 1, 64)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case string:
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func (v Value) approxSize() int {
	switch typed := v.v.(type) {
	case nil, bool:
		return 1
	case int64, float64:
		return 8
	case string:
		return len(typed)
	case map[string]any:
		size := 0
		for k, item := range typed {
			size += len(k) + FromAny(item).approxSize()
		}
		return size
	case []any:
		size := 0
		for _, item := range typed {
			size += FromAny(item).approxSize()
		}
		return size
	}
	return 16
}

// Program is a parsed, reusable expression.
type Program struct {
	source string
	root   node
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.source }

// Env is the read-only name environment for one evaluation.
type Env map[string]any

// Eval runs the program against env under the default budgets.
func (p *Program) Eval(env Env) (Value, error) {
	return p.EvalBudget(env, DefaultTimeBudget, DefaultResultBudget)
}

// EvalBudget runs the program with explicit time and result-size caps.
func (p *Program) EvalBudget(env Env, timeBudget time.Duration, resultBudget int) (Value, error) {
	ev := &evaluator{env: env, deadline: time.Now().Add(timeBudget), resultBudget: resultBudget}
	value, err := ev.eval(p.root)
	if err != nil {
		return Value{}, err
	}
	if value.approxSize() > resultBudget {
		return Value{}, errkind.New(errkind.KindResource, "The rule produced too large a result.",
			fmt.Errorf("%w: result exceeds %d bytes", ErrBudgetExceeded, resultBudget))
	}
	return value, nil
}

// Eval parses and evaluates source in one shot.
func Eval(source string, env Env) (Value, error) {
	program, err := Parse(source)
	if err != nil {
		return Value{}, errkind.New(errkind.KindDomain, "That expression is not part of the rule language.", err)
	}
	return program.Eval(env)
}

type evaluator struct {
	env          Env
	deadline     time.Time
	resultBudget int
	ops          int
}

func (ev *evaluator) checkBudget() error {
	ev.ops++
	if ev.ops%32 == 0 && time.Now().After(ev.deadline) {
		return errkind.New(errkind.KindResource, "The rule took too long to evaluate.",
			fmt.Errorf("%w: wall time", ErrBudgetExceeded))
	}
	return nil
}

func (ev *evaluator) eval(n node) (Value, error) {
	if err := ev.checkBudget(); err != nil {
		return Value{}, err
	}
	switch typed := n.(type) {
	case literalNode:
		return typed.value, nil

	case identNode:
		raw, ok := ev.env[typed.name]
		if !ok {
			return Value{}, fmt.Errorf("unknown name %q", typed.name)
		}
		return FromAny(raw), nil

	case unaryNode:
		operand, err := ev.eval(typed.operand)
		if err != nil {
			return Value{}, err
		}
		if typed.op == "not" {
			return Bool(!operand.Truthy()), nil
		}
		return negate(operand)

	case binaryNode:
		return ev.evalBinary(typed)

	case indexNode:
		return ev.evalIndex(typed)

	case attrNode:
		target, err := ev.eval(typed.target)
		if err != nil {
			return Value{}, err
		}
		return memberLookup(target, typed.name, false, Value{})

	case callNode:
		return ev.evalCall(typed)

	case condNode:
		cond, err := ev.eval(typed.cond)
		if err != nil {
			return Value{}, err
		}
		if cond.Truthy() {
			return ev.eval(typed.then)
		}
		return ev.eval(typed.otherwise)
	}
	return Value{}, fmt.Errorf("unknown node %T", n)
}

func (ev *evaluator) evalBinary(n binaryNode) (Value, error) {
	// and/or short-circuit and yield the deciding operand.
	if n.op == "and" {
		left, err := ev.eval(n.left)
		if err != nil {
			return Value{}, err
		}
		if !left.Truthy() {
			return left, nil
		}
		return ev.eval(n.right)
	}
	if n.op == "or" {
		left, err := ev.eval(n.left)
		if err != nil {
			return Value{}, err
		}
		if left.Truthy() {
			return left, nil
		}
		return ev.eval(n.right)
	}

	left, err := ev.eval(n.left)
	if err != nil {
		return Value{}, err
	}
	right, err := ev.eval(n.right)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "+", "-", "*", "/", "%":
		return ev.arithmetic(n.op, left, right)
	case "==":
		return Bool(valueEqual(left, right)), nil
	case "!=":
		return Bool(!valueEqual(left, right)), nil
	case "<", "<=", ">", ">=":
		return order(n.op, left, right)
	}
	return Value{}, fmt.Errorf("unknown operator %q", n.op)
}

func (ev *evaluator) arithmetic(op string, left, right Value) (Value, error) {
	if op == "+" {
		if ls, ok := left.v.(string); ok {
			rs, ok := right.v.(string)
			if !ok {
				return Value{}, fmt.Errorf("cannot add %s to string", typeName(right))
			}
			if len(ls)+len(rs) > ev.resultBudget {
				return Value{}, errkind.New(errkind.KindResource, "The rule produced too large a result.",
					fmt.Errorf("%w: string concat", ErrBudgetExceeded))
			}
			return Str(ls + rs), nil
		}
	}

	li, lInt := left.v.(int64)
	ri, rInt := right.v.(int64)
	if lInt && rInt && op != "/" {
		switch op {
		case "+":
			return Int(li + ri), nil
		case "-":
			return Int(li - ri), nil
		case "*":
			return Int(li * ri), nil
		case "%":
			if ri == 0 {
				return Value{}, errors.New("modulo by zero")
			}
			return Int(li % ri), nil
		}
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return Value{}, fmt.Errorf("cannot apply %q to %s and %s", op, typeName(left), typeName(right))
	}
	switch op {
	case "+":
		return Float(lf + rf), nil
	case "-":
		return Float(lf - rf), nil
	case "*":
		return Float(lf * rf), nil
	case "/":
		if rf == 0 {
			return Value{}, errors.New("division by zero")
		}
		return Float(lf / rf), nil
	case "%":
		if rf == 0 {
			return Value{}, errors.New("modulo by zero")
		}
		return Float(math.Mod(lf, rf)), nil
	}
	return Value{}, fmt.Errorf("unknown operator %q", op)
}

func (ev *evaluator) evalIndex(n indexNode) (Value, error) {
	target, err := ev.eval(n.target)
	if err != nil {
		return Value{}, err
	}
	index, err := ev.eval(n.index)
	if err != nil {
		return Value{}, err
	}
	switch container := target.v.(type) {
	case map[string]any:
		key, ok := index.v.(string)
		if !ok {
			return Value{}, fmt.Errorf("map index must be a string, got %s", typeName(index))
		}
		item, found := container[key]
		if !found {
			return Value{}, fmt.Errorf("key %q not found", key)
		}
		return FromAny(item), nil
	case []any:
		i, ok := index.v.(int64)
		if !ok {
			return Value{}, fmt.Errorf("list index must be an integer, got %s", typeName(index))
		}
		if i < 0 {
			i += int64(len(container))
		}
		if i < 0 || i >= int64(len(container)) {
			return Value{}, fmt.Errorf("list index %d out of range", i)
		}
		return FromAny(container[i]), nil
	}
	return Value{}, fmt.Errorf("cannot index %s", typeName(target))
}

func (ev *evaluator) evalCall(n callNode) (Value, error) {
	// Map .get(key[, default]).
	if n.fn == "" {
		target, err := ev.eval(n.target)
		if err != nil {
			return Value{}, err
		}
		key, err := ev.eval(n.args[0])
		if err != nil {
			return Value{}, err
		}
		keyText, ok := key.v.(string)
		if !ok {
			return Value{}, fmt.Errorf("get() key must be a string, got %s", typeName(key))
		}
		fallback := Value{}
		if len(n.args) == 2 {
			fallback, err = ev.eval(n.args[1])
			if err != nil {
				return Value{}, err
			}
		}
		return memberLookup(target, keyText, true, fallback)
	}

	args := make([]Value, len(n.args))
	for i, arg := range n.args {
		value, err := ev.eval(arg)
		if err != nil {
			return Value{}, err
		}
		args[i] = value
	}
	return callBuiltin(n.fn, args)
}

func memberLookup(target Value, name string, soft bool, fallback Value) (Value, error) {
	container, ok := target.v.(map[string]any)
	if !ok {
		return Value{}, fmt.Errorf("cannot access %q on %s", name, typeName(target))
	}
	item, found := container[name]
	if !found {
		if soft {
			return fallback, nil
		}
		return Value{}, fmt.Errorf("key %q not found", name)
	}
	return FromAny(item), nil
}

func callBuiltin(name string, args []Value) (Value, error) {
	switch name {
	case "len":
		switch typed := args[0].v.(type) {
		case string:
			return Int(int64(utf8.RuneCountInString(typed))), nil
		case map[string]any:
			return Int(int64(len(typed))), nil
		case []any:
			return Int(int64(len(typed))), nil
		}
		return Value{}, fmt.Errorf("len() unsupported for %s", typeName(args[0]))

	case "float":
		if f, ok := asFloat(args[0]); ok {
			return Float(f), nil
		}
		if s, ok := args[0].v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return Value{}, fmt.Errorf("float() cannot parse %q", s)
			}
			return Float(f), nil
		}
		return Value{}, fmt.Errorf("float() unsupported for %s", typeName(args[0]))

	case "int":
		switch typed := args[0].v.(type) {
		case int64:
			return Int(typed), nil
		case float64:
			return Int(int64(math.Trunc(typed))), nil
		case bool:
			if typed {
				return Int(1), nil
			}
			return Int(0), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("int() cannot parse %q", typed)
			}
			return Int(i), nil
		}
		return Value{}, fmt.Errorf("int() unsupported for %s", typeName(args[0]))

	case "str":
		return Str(args[0].Format()), nil

	case "abs":
		switch typed := args[0].v.(type) {
		case int64:
			if typed < 0 {
				return Int(-typed), nil
			}
			return Int(typed), nil
		case float64:
			return Float(math.Abs(typed)), nil
		}
		return Value{}, fmt.Errorf("abs() unsupported for %s", typeName(args[0]))

	case "min", "max":
		values := args
		if len(args) == 1 {
			list, ok := args[0].v.([]any)
			if !ok || len(list) == 0 {
				return Value{}, fmt.Errorf("%s() needs a non-empty list or multiple arguments", name)
			}
			values = make([]Value, len(list))
			for i, item := range list {
				values[i] = FromAny(item)
			}
		}
		best := values[0]
		for _, candidate := range values[1:] {
			cmp, err := order("<", candidate, best)
			if err != nil {
				return Value{}, err
			}
			less := cmp.Truthy()
			if (name == "min") == less {
				best = candidate
			}
		}
		return best, nil
	}
	return Value{}, fmt.Errorf("unknown builtin %q", name)
}

func negate(v Value) (Value, error) {
	switch typed := v.v.(type) {
	case int64:
		return Int(-typed), nil
	case float64:
		return Float(-typed), nil
	}
	return Value{}, fmt.Errorf("cannot negate %s", typeName(v))
}

func asFloat(v Value) (float64, bool) {
	switch typed := v.v.(type) {
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	}
	return 0, false
}

func valueEqual(left, right Value) bool {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		return lf == rf
	}
	switch l := left.v.(type) {
	case nil:
		return right.v == nil
	case string:
		r, ok := right.v.(string)
		return ok && l == r
	case bool:
		r, ok := right.v.(bool)
		return ok && l == r
	}
	return false
}

func order(op string, left, right Value) (Value, error) {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return Bool(lf < rf), nil
		case "<=":
			return Bool(lf <= rf), nil
		case ">":
			return Bool(lf > rf), nil
		case ">=":
			return Bool(lf >= rf), nil
		}
	}
	ls, lsok := left.v.(string)
	rs, rsok := right.v.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return Bool(ls < rs), nil
		case "<=":
			return Bool(ls <= rs), nil
		case ">":
			return Bool(ls > rs), nil
		case ">=":
			return Bool(ls >= rs), nil
		}
	}
	return Value{}, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
}

func typeName(v Value) string {
	switch v.v.(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case map[string]any:
		return "map"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v.v)
}
