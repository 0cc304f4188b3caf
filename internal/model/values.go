package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Normalize converts v to one of the canonical attribute value types:
// nil, string, int64, float64 or bool. Integer-valued json.Numbers become
// int64. Other types are rejected.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, int64, float64, bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val.String())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func coerce(a Attribute, v any) (any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	switch a.Type {
	case TypeAny, "":
		return n, nil
	case TypeString:
		if s, ok := n.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch x := n.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
				return int64(x), nil
			}
		}
	case TypeFloat:
		switch x := n.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case TypeBool:
		if b, ok := n.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("want %s, got %T", a.Type, n)
}
