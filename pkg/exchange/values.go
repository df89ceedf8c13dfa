package exchange

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Scalar values lose their Go type when a stream crosses a JSON codec: ints come
// back as float64 or json.Number and byte slices as base64 strings. These helpers
// accept every shape a codec in pkg/wire can produce.

func asString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("value %v is %T, not a string", v, v)
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return false, fmt.Errorf("value %v is %T, not a bool", v, v)
	}
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case int32:
		return int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int", t)
		}
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("value %v is not integral", t)
		}
		return int(t), nil
	case json.Number:
		i, err := t.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("value %v is %T, not an int", v, v)
	}
}

func asBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("bytes value is not base64: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("value %v is %T, not bytes", v, v)
	}
}
