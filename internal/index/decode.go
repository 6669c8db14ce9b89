package index

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// decodeBytesColumn accepts the four shapes spec.md §4.3/§9 requires a
// backward-compatible reader to support for iv/auth_tag columns: a JSON
// number array ("[1,2,3]"), a comma-separated decimal string ("1,2,3"), a
// base64 string, or already-raw bytes (as returned by a BLOB column).
func decodeBytesColumn(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		// Could be raw binary, or a driver returning text as []byte.
		if looksLikeJSONArray(v) {
			return decodeJSONArray(string(v))
		}
		if looksLikeCommaDecimal(v) {
			return decodeCommaDecimal(string(v))
		}
		if b, err := base64.StdEncoding.DecodeString(string(v)); err == nil {
			return b, nil
		}
		return v, nil
	case string:
		if looksLikeJSONArray([]byte(v)) {
			return decodeJSONArray(v)
		}
		if looksLikeCommaDecimal([]byte(v)) {
			return decodeCommaDecimal(v)
		}
		return base64.StdEncoding.DecodeString(v)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("index: unsupported column shape %T", raw)
	}
}

// encodeBytesColumn is the write-side counterpart: base64 is the shape all
// new writes use (spec.md §9 open-question decision #2).
func encodeBytesColumn(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func looksLikeJSONArray(b []byte) bool {
	trimmed := strings.TrimSpace(string(b))
	return strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")
}

func decodeJSONArray(s string) ([]byte, error) {
	var nums []int
	if err := json.Unmarshal([]byte(s), &nums); err != nil {
		return nil, fmt.Errorf("index: decode json int array: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	return out, nil
}

func looksLikeCommaDecimal(b []byte) bool {
	s := strings.TrimSpace(string(b))
	if s == "" || !strings.Contains(s, ",") {
		return false
	}
	for _, part := range strings.Split(s, ",") {
		if _, err := strconv.Atoi(strings.TrimSpace(part)); err != nil {
			return false
		}
	}
	return true
}

func decodeCommaDecimal(s string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := make([]byte, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("index: decode comma-decimal: %w", err)
		}
		out[i] = byte(n)
	}
	return out, nil
}
