package filterlang

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Evaluate runs expr against value and returns the reshaped result, both as
// JSON. Evaluation is pure: no node type performs I/O or can suspend, so a
// caller can run it inline on a hot path without a context.Context.
func Evaluate(value json.RawMessage, expr string) (json.RawMessage, error) {
	prog, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("filterlang: parse %q: %w", expr, err)
	}
	var in any
	if len(value) == 0 {
		in = nil
	} else if err := json.Unmarshal(value, &in); err != nil {
		return nil, fmt.Errorf("filterlang: decode input: %w", err)
	}
	out, err := eval(prog, in)
	if err != nil {
		return nil, fmt.Errorf("filterlang: evaluate %q: %w", expr, err)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("filterlang: encode output: %w", err)
	}
	return json.RawMessage(b), nil
}

func eval(n node, in any) (any, error) {
	switch t := n.(type) {
	case identityNode:
		return in, nil
	case literalNode:
		return t.value, nil
	case fieldNode:
		base, err := eval(t.child, in)
		if err != nil {
			return nil, err
		}
		if base == nil {
			return nil, nil
		}
		m, ok := base.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: not an object (%T)", t.name, base)
		}
		return m[t.name], nil
	case optionalNode:
		out, err := eval(t.child, in)
		if err != nil {
			return nil, nil
		}
		return out, nil
	case indexNode:
		base, err := eval(t.child, in)
		if err != nil {
			return nil, err
		}
		if base == nil {
			return nil, nil
		}
		arr, ok := base.([]any)
		if !ok {
			return nil, fmt.Errorf("index %d: not an array (%T)", t.idx, base)
		}
		idx := t.idx
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, nil
		}
		return arr[idx], nil
	case pipeNode:
		mid, err := eval(t.left, in)
		if err != nil {
			return nil, err
		}
		return eval(t.right, mid)
	case ifNode:
		cond, err := eval(t.cond, in)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return eval(t.then, in)
		}
		return eval(t.els, in)
	case andNode:
		l, err := eval(t.left, in)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := eval(t.right, in)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case orNode:
		l, err := eval(t.left, in)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := eval(t.right, in)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case binOpNode:
		return evalBinOp(t, in)
	case notNode:
		v, err := eval(t.child, in)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case callNode:
		return evalCall(t, in)
	case objectNode:
		out := make(map[string]any, len(t.keys))
		for i, k := range t.keys {
			v, err := eval(t.values[i], in)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case arrayNode:
		out := make([]any, len(t.elems))
		for i, e := range t.elems {
			v, err := eval(e, in)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unhandled node type %T", n)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

func evalBinOp(t binOpNode, in any) (any, error) {
	l, err := eval(t.left, in)
	if err != nil {
		return nil, err
	}
	r, err := eval(t.right, in)
	if err != nil {
		return nil, err
	}
	switch t.op {
	case tokEq:
		return deepEqual(l, r), nil
	case tokNe:
		return !deepEqual(l, r), nil
	case tokLt, tokLe, tokGt, tokGe:
		lf, lok := l.(float64)
		rf, rok := r.(float64)
		if !lok || !rok {
			return nil, fmt.Errorf("comparison operands must be numbers, got %T and %T", l, r)
		}
		switch t.op {
		case tokLt:
			return lf < rf, nil
		case tokLe:
			return lf <= rf, nil
		case tokGt:
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	case tokPlus:
		return evalPlus(l, r)
	case tokMinus:
		lf, lok := l.(float64)
		rf, rok := r.(float64)
		if !lok || !rok {
			return nil, fmt.Errorf("'-' operands must be numbers, got %T and %T", l, r)
		}
		return lf - rf, nil
	default:
		return nil, fmt.Errorf("unsupported operator %v", t.op)
	}
}

func evalPlus(l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("'+' string operand requires string, got %T", r)
		}
		return ls + rs, nil
	}
	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if lok && rok {
		return lf + rf, nil
	}
	return nil, fmt.Errorf("'+' operands must both be numbers or both strings, got %T and %T", l, r)
}

func deepEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func evalCall(t callNode, in any) (any, error) {
	args := make([]any, len(t.args))
	for i, a := range t.args {
		v, err := eval(a, in)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch t.name {
	case "length":
		return length(in)
	case "keys":
		m, ok := in.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("keys: not an object (%T)", in)
		}
		out := make([]any, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
		return out, nil
	case "type":
		return jsonType(in), nil
	case "not":
		return !truthy(in), nil
	case "tostring":
		return toStringVal(in), nil
	case "tonumber":
		return toNumberVal(in)
	case "has":
		if len(args) != 1 {
			return nil, fmt.Errorf("has: expected 1 argument, got %d", len(args))
		}
		key, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("has: argument must be a string")
		}
		m, ok := in.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("has: not an object (%T)", in)
		}
		_, found := m[key]
		return found, nil
	case "split":
		if len(args) != 1 {
			return nil, fmt.Errorf("split: expected 1 argument, got %d", len(args))
		}
		s, ok := in.(string)
		if !ok {
			return nil, fmt.Errorf("split: input must be a string (%T)", in)
		}
		sep, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("split: separator must be a string")
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "join":
		if len(args) != 1 {
			return nil, fmt.Errorf("join: expected 1 argument, got %d", len(args))
		}
		arr, ok := in.([]any)
		if !ok {
			return nil, fmt.Errorf("join: input must be an array (%T)", in)
		}
		sep, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("join: separator must be a string")
		}
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = toStringVal(v)
		}
		return strings.Join(parts, sep), nil
	case "select":
		if len(args) != 1 {
			return nil, fmt.Errorf("select: expected 1 argument, got %d", len(args))
		}
		if !truthy(args[0]) {
			return nil, nil
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unknown function %q", t.name)
	}
}

func length(in any) (any, error) {
	switch t := in.(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len([]rune(t))), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", in)
	}
}

func jsonType(in any) string {
	switch in.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func toStringVal(in any) string {
	switch t := in.(type) {
	case string:
		return t
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func toNumberVal(in any) (any, error) {
	switch t := in.(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, fmt.Errorf("tonumber: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("tonumber: unsupported type %T", in)
	}
}
