package token

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Claims is the verified payload of a credential.
type Claims map[string]any

// Lookup returns a claim value. Dots address nested objects: "realm.role".
func (c Claims) Lookup(name string) (any, bool) {
	if v, ok := c[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	var current any = map[string]any(c)
	for _, part := range strings.Split(name, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns the string form of a claim. Absent and null claims report false.
func (c Claims) String(name string) (string, bool) {
	v, ok := c.Lookup(name)
	if !ok || v == nil {
		return "", false
	}
	return Stringify(v), true
}

// Expiry returns the exp claim as a time.
func (c Claims) Expiry() (time.Time, bool) {
	switch v := c["exp"].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// Stringify renders a claim value as a header-safe string. Integral numbers
// never use exponent notation.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
