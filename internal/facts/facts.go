// Package facts defines the typed observation values flowing from probes to
// rules. A fact is a tagged variant over the six kinds upstream sources
// produce (null, bool, int, float, big-integer, string), keyed by a dotted,
// platform-namespaced name such as "evm.block" or "http.status".
package facts

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Kind identifies the concrete type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBigInt
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBigInt:
		return "bigint"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is one observed fact value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	big  *big.Int
	s    string
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean fact.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int wraps an integer fact.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float wraps a floating-point fact.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// BigInt wraps an arbitrary-precision integer fact. The value is copied.
func BigInt(v *big.Int) Value {
	if v == nil {
		return Null()
	}
	return Value{kind: KindBigInt, big: new(big.Int).Set(v)}
}

// String wraps a string fact.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Display renders the value the way rules and alert templates show it.
// Change rules compare old/new by this rendering, so it must be stable.
func (v Value) Display() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBigInt:
		return v.big.String()
	case KindString:
		return v.s
	default:
		return ""
	}
}

// Coerce converts the value to float64 for threshold comparison.
// Returns false for null, bool, and non-numeric strings. BigInts outside
// float range lose precision but still compare usefully.
func (v Value) Coerce() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindBigInt:
		f, _ := new(big.Float).SetInt(v.big).Float64()
		return f, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Facts is the bag of observations produced by one probe run.
type Facts map[string]Value

// Get returns the value for key, or the null value when absent.
func (f Facts) Get(key string) (Value, bool) {
	v, ok := f[key]
	return v, ok
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[A-Za-z0-9_.\-]+$`)

// ValidKey reports whether key matches the <namespace>.<rest> shape.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// ValidateKeys warns about keys that violate the namespaced dotted shape.
// Validation never fails a collection; misnamed facts still flow to rules.
func ValidateKeys(f Facts, logger *zap.Logger) {
	if logger == nil {
		return
	}
	for key := range f {
		if !ValidKey(key) {
			logger.Warn("fact key violates <namespace>.<rest> shape", zap.String("key", key))
		}
	}
}

// FromAny converts a decoded JSON value into a fact Value. Upstream adapters
// use this when mapping response bodies onto facts.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		// json.Unmarshal yields float64 for all numbers; keep integers exact.
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case *big.Int:
		return BigInt(t)
	case string:
		return String(t)
	default:
		return String(fmt.Sprint(t))
	}
}
