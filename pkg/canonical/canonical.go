// Package canonical provides deterministic JSON serialization for hashing
// settlement artifacts. Values are first validated and normalized into plain
// JSON shapes, then rendered to RFC 8785 (JCS) canonical bytes, so that two
// semantically equal values always produce byte-equal output.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/gowebpki/jcs"
)

// Error codes surfaced by normalization. These are stable wire codes.
const (
	CodeNumberNotFinite = "NUMBER_NOT_FINITE"
	CodeNegativeZero    = "NEGATIVE_ZERO_DISALLOWED"
	CodeNonPlainObject  = "NON_PLAIN_OBJECT"
	CodeSchemaInvalid   = "SCHEMA_INVALID"

	rootPath = "$"
)

// Error is a normalization failure carrying the offending path.
type Error struct {
	Code string
	Path string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Msg)
}

func errAt(code, path, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Normalize validates v and returns its plain-JSON form: map[string]any,
// []any, string, bool, json.Number, or nil. It fails closed on NaN, ±Inf,
// negative zero, and values that are not plain data (channels, funcs,
// types with unmarshalable state).
func Normalize(v any) (any, error) {
	return normalize(v, rootPath)
}

func normalize(v any, path string) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case json.Number:
		return normalizeNumberLiteral(t.String(), path)
	case int:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case int32:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case int64:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case uint64:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case float32:
		return normalizeFloat(float64(t), path)
	case float64:
		return normalizeFloat(t, path)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalize(val, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case json.RawMessage:
		return decodeRaw([]byte(t), path)
	default:
		return normalizeReflected(v, path)
	}
}

// normalizeReflected handles struct, typed-map, and typed-slice inputs by
// round-tripping through encoding/json so struct tags are respected, then
// re-validating the decoded shape. Non-data kinds are rejected outright.
func normalizeReflected(v any, path string) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, errAt(CodeNonPlainObject, path, "type %T is not plain data", v)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errAt(CodeNonPlainObject, path, "type %T does not marshal: %v", v, err)
	}
	return decodeRaw(raw, path)
}

func decodeRaw(raw []byte, path string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, errAt(CodeSchemaInvalid, path, "invalid JSON: %v", err)
	}
	return normalize(generic, path)
}

func normalizeFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errAt(CodeNumberNotFinite, path, "number must be finite")
	}
	if f == 0 && math.Signbit(f) {
		return nil, errAt(CodeNegativeZero, path, "negative zero is not canonical")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return json.Number(fmt.Sprintf("%d", int64(f))), nil
	}
	return json.Number(formatDouble(f)), nil
}

func formatDouble(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func normalizeNumberLiteral(lit, path string) (any, error) {
	if lit == "-0" || strings.HasPrefix(lit, "-0.") && isAllZeroFraction(lit[3:]) {
		return nil, errAt(CodeNegativeZero, path, "negative zero is not canonical")
	}
	if strings.ContainsAny(lit, ".eE") {
		f, err := json.Number(lit).Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errAt(CodeNumberNotFinite, path, "number %q is not a finite double", lit)
		}
		return normalizeFloat(f, path)
	}
	return json.Number(lit), nil
}

func isAllZeroFraction(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c != '0' {
			return false
		}
	}
	return true
}

// Encode returns the RFC 8785 canonical byte encoding of v. v is normalized
// first, so rejection rules apply before any bytes are produced.
func Encode(v any) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(norm)
	if err != nil {
		return nil, errAt(CodeNonPlainObject, rootPath, "marshal normalized value: %v", err)
	}
	out, err := jcs.Transform(plain)
	if err != nil {
		return nil, errAt(CodeSchemaInvalid, rootPath, "jcs transform: %v", err)
	}
	return out, nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CheckAllowedKeys rejects maps carrying keys outside the allowed set.
// Externally-received payloads pass through this before any state change.
func CheckAllowedKeys(m map[string]any, allowed map[string]bool, path string) error {
	if path == "" {
		path = rootPath
	}
	for k := range m {
		if !allowed[k] {
			return errAt(CodeSchemaInvalid, path+"."+k, "unknown key %q", k)
		}
	}
	return nil
}
