package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/datakit/internal/model"
)

// marshalAttributes converts attributes to canonical JSON TEXT for storage.
//
// Canonical form:
//   - object keys sorted by UTF-16 code units
//   - strings (keys included) NFC normalized, no HTML escaping
//   - floats always carry a '.' or exponent so they decode back as floats
//   - nil attributes are omitted
func marshalAttributes(attrs map[string]any) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sortUTF16(keys)

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalString(k)
		if err != nil {
			return "", fmt.Errorf("marshal attributes: key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := marshalValue(attrs[k])
		if err != nil {
			return "", fmt.Errorf("marshal attributes: %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.String(), nil
}

func marshalValue(v any) ([]byte, error) {
	n, err := model.Normalize(v)
	if err != nil {
		return nil, err
	}
	switch val := n.(type) {
	case string:
		return marshalString(val)
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite float %v", val)
		}
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// marshalString produces a JSON string with NFC normalization and without
// HTML escaping.
func marshalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func sortUTF16(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a := utf16.Encode([]rune(keys[i]))
		b := utf16.Encode([]rune(keys[j]))
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

// unmarshalAttributes parses canonical JSON TEXT. Numbers are decoded via
// json.Number so integers keep full int64 precision.
func unmarshalAttributes(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		n, err := model.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
