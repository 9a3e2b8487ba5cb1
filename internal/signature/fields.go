package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// KeysField is the member of the signed object listing the signed field names.
const KeysField = "signatureKeys"

// ErrNotObject is returned when the signed data is not a JSON object.
var ErrNotObject = errors.New("signature: data is not a JSON object")

// ParseFields extracts the ordered signatureKeys list from a JSON object and
// stringifies every other member the way the gateway's JavaScript signer does.
// Strings are taken verbatim and numbers are rendered like String(n), so 449.50
// signs as "449.5" and 1e2 as "100". Other values keep their compact JSON text.
func ParseFields(raw json.RawMessage) ([]string, map[string]string, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil || members == nil {
		return nil, nil, ErrNotObject
	}

	rawKeys, ok := members[KeysField]
	if !ok || isNull(rawKeys) {
		return nil, nil, ErrMissingKeys
	}
	var keys []string
	if err := json.Unmarshal(rawKeys, &keys); err != nil || keys == nil {
		return nil, nil, ErrInvalidKeys
	}

	fields := make(map[string]string, len(members)-1)
	for name, value := range members {
		if name == KeysField {
			continue
		}
		s, err := stringify(value)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = s
	}
	return keys, fields, nil
}

func stringify(value json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		f, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return "", err
		}
		return jsNumber(f), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// jsNumber formats f like JavaScript's Number.prototype.toString: plain
// decimal notation for 1e-6 <= |f| < 1e21, exponent form outside it.
func jsNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	return mantissa + "e" + sign + exp
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
