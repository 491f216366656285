package expr

import (
	"fmt"
	"strconv"
)

// truthy applies the evaluator's boolean coercion: nil and the zero value
// of bool/string/numeric types are false, everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to a number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to a number", v)
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func numericOp(op string, left, right any) (any, error) {
	lf, err := toFloat(left)
	if err != nil {
		return nil, err
	}
	rf, err := toFloat(right)
	if err != nil {
		return nil, err
	}
	var result float64
	switch op {
	case "+":
		result = lf + rf
	case "-":
		result = lf - rf
	case "*":
		result = lf * rf
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = lf / rf
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		result = float64(int64(lf) % int64(rf))
	}
	if result == float64(int64(result)) {
		return int64(result), nil
	}
	return result, nil
}

func compareOp(op string, left, right any) (any, error) {
	lf, lerr := toFloat(left)
	rf, rerr := toFloat(right)
	if lerr == nil && rerr == nil {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, err := toString(left)
	if err != nil {
		return nil, err
	}
	rs, err := toString(right)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	default:
		return nil, fmt.Errorf("unsupported comparison operator %q", op)
	}
}

func equalValues(left, right any) bool {
	lf, lerr := toFloat(left)
	rf, rerr := toFloat(right)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	ls, _ := toString(left)
	rs, _ := toString(right)
	return ls == rs
}
