package ident

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BadOptionSerialization reports an option table that cannot be serialized
// canonically (e.g. a value of an unsupported type).
type BadOptionSerialization struct {
	Key    string
	Reason string
}

func (e *BadOptionSerialization) Error() string {
	return fmt.Sprintf("serialize option %q: %s", e.Key, e.Reason)
}

// SerializeOptions canonicalizes an option table into the stable byte string
// FormatKey expects: keys lexicographically sorted, no whitespace, values
// rendered as bool/int64/float64/string literals joined with '&'.
//
// An empty table serializes to "", which FormatKey treats specially (no
// '?' suffix, so unoptioned recipes keep their bare identity as key).
func SerializeOptions(options map[string]any) (string, error) {
	if len(options) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		v, err := serializeValue(options[k])
		if err != nil {
			return "", &BadOptionSerialization{Key: k, Reason: err.Error()}
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String(), nil
}

func serializeValue(v any) (string, error) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return strconv.Quote(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []string:
		sorted := append([]string(nil), x...)
		sort.Strings(sorted)
		quoted := make([]string, len(sorted))
		for i, s := range sorted {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ",") + "]", nil
	default:
		return "", fmt.Errorf("unsupported option value type %T", v)
	}
}
