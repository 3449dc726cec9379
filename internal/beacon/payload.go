package beacon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPayload is returned when a datagram is not a flat JSON object.
var ErrInvalidPayload = errors.New("invalid beacon payload")

// Canonical telemetry keys produced by Normalize.
const (
	KeyHashrate       = "hashrate"
	KeyShares         = "shares"
	KeySharesAccepted = "shares_accepted"
	KeySharesTotal    = "shares_total"
	KeyValidBlocks    = "valid_blocks"
	KeyBestDiff       = "best_diff"
	KeyTemperature    = "temperature"
	KeyRSSI           = "rssi"
	KeyUptime         = "uptime"
	KeyPool           = "pool"
	KeyVersion        = "version"
)

// wireKeys maps NMMiner firmware field names onto canonical keys.
var wireKeys = map[string]string{
	"HashRate":  KeyHashrate,
	"Share":     KeyShares,
	"Valid":     KeyValidBlocks,
	"BestDiff":  KeyBestDiff,
	"Temp":      KeyTemperature,
	"RSSI":      KeyRSSI,
	"Uptime":    KeyUptime,
	"PoolInUse": KeyPool,
	"Version":   KeyVersion,
	"BoardType": "board_type",
	"FreeHeap":  "free_heap",
	"PoolDiff":  "pool_diff",
	"LastDiff":  "last_diff",
	"NetDiff":   "net_diff",
}

// compactKeys hold values that firmware may report as "4.021M" style strings.
var compactKeys = map[string]bool{
	KeyHashrate: true,
	KeyBestDiff: true,
	"pool_diff": true,
	"last_diff": true,
	"net_diff":  true,
}

// numericKeys hold values that should be numbers even when sent as strings.
var numericKeys = map[string]bool{
	KeyValidBlocks: true,
	KeyTemperature: true,
	KeyRSSI:        true,
	"free_heap":    true,
}

var siMultiplier = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
}

// Decode parses a datagram into a flat key/value record.
func Decode(data []byte) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	for k, v := range record {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: field %q is not a scalar", ErrInvalidPayload, k)
		}
	}
	return record, nil
}

// Normalize maps firmware keys to canonical keys and converts compact unit
// strings to numbers. Unknown keys pass through unchanged. Values that fail
// to parse keep their original form.
func Normalize(record map[string]any) map[string]any {
	out := make(map[string]any, len(record)+2)
	for k, v := range record {
		key, ok := wireKeys[k]
		if !ok {
			out[k] = v
			continue
		}
		if s, isString := v.(string); isString {
			v = strings.TrimSpace(s)
		}

		switch {
		case compactKeys[key]:
			if f, ok := ParseCompact(v); ok {
				v = f
			}
		case numericKeys[key]:
			if f, ok := toFloat(v); ok {
				v = f
			}
		case key == KeyUptime:
			if s, ok := v.(string); ok {
				v, _, _ = strings.Cut(s, "\r")
			}
		case key == KeyShares:
			if acc, total, ok := parseShares(v); ok {
				out[KeySharesAccepted] = acc
				out[KeySharesTotal] = total
			}
		}
		out[key] = v
	}
	return out
}

// ParseCompact parses a number with an optional K, M, G or T suffix and an
// optional H/s unit, e.g. "113.13K" or "4.021M".
func ParseCompact(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		s = strings.TrimSuffix(strings.TrimSuffix(s, "H/s"), "h/s")
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		mult := 1.0
		if m, ok := siMultiplier[upper(s[len(s)-1])]; ok {
			mult = m
			s = strings.TrimSpace(s[:len(s)-1])
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f * mult, true
	}
	return 0, false
}

func parseShares(v any) (accepted, total float64, ok bool) {
	s, isString := v.(string)
	if !isString {
		return 0, 0, false
	}
	a, t, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, false
	}
	accepted, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	if err != nil {
		return 0, 0, false
	}
	return accepted, total, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
