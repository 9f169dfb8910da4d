// Package refhash implements the merkle-reference content-addressing scheme
// shared by every subsystem that stores or links to a JSON value: the
// Content Store and the Fact Log compute the same hash over the same
// canonical encoding.
//
// A Reference has three interoperable encodings: an opaque hash string
// (Ref), a link object ({"/": hash}, Link), and an in-memory value. Of
// converts the third into the first; ToLink/FromLink convert between the
// first two.
package refhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/kittclouds/memspace/pkg/pool"
)

// Ref is an opaque 32-byte content hash, hex-encoded.
type Ref string

// Link is the wire/document form of a Ref: {"/": "<hash>"}.
type Link struct {
	Hash Ref `json:"/"`
}

// Undefined marks a struct or map field as explicitly unset. The canonical
// encoder drops Undefined fields exactly as it drops absent ones, so a
// value built with an Undefined field and the same value built without
// that field at all hash identically.
type Undefined struct{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(Undefined)
	return ok
}

// ToLink wraps a Ref as its link-object encoding.
func ToLink(r Ref) Link { return Link{Hash: r} }

// FromLink unwraps a link object back to a Ref.
func FromLink(l Link) Ref { return l.Hash }

// AsLinkObject returns the {"/": hash} representation as a plain value,
// suitable for embedding inside a larger document tree that will itself be
// canonicalized (e.g. a fact's parent field).
func AsLinkObject(r Ref) map[string]any {
	return map[string]any{"/": string(r)}
}

// ParseLinkObject reports whether v is a link object and, if so, its Ref.
func ParseLinkObject(v any) (Ref, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	h, ok := m["/"]
	if !ok {
		return "", false
	}
	s, ok := h.(string)
	if !ok {
		return "", false
	}
	return Ref(s), true
}

// Of computes the Reference of a JSON-like value (nil, bool, float64/int,
// string, []any, map[string]any, or nested combinations). Fields whose
// value is Undefined are dropped before hashing; map keys are sorted for a
// deterministic property order.
func Of(value any) (Ref, error) {
	canon, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return Ref(hex.EncodeToString(sum[:])), nil
}

// MustOf panics on error; used for encoding values already known to be
// canonicalizable (constants, freshly-decoded JSON).
func MustOf(value any) Ref {
	r, err := Of(value)
	if err != nil {
		panic(err)
	}
	return r
}

// Canonicalize returns the deterministic byte encoding Of hashes. Exposed
// separately so callers that need to reproduce or verify a hash do not
// need to also pull in the hasher.
func Canonicalize(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case Undefined:
		// A bare Undefined at the root encodes as nothing meaningful; callers
		// should never hash it directly. Treat as null for safety.
		buf.WriteString("null")
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		return encodeNumberString(buf, string(v))
	case int:
		buf.WriteString(strconv.Itoa(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		return encodeFloat(buf, v)
	case []any:
		return encodeArray(buf, v)
	case map[string]any:
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("refhash: unhashable value of type %T", value)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, el := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if IsUndefined(el) {
			// Undefined inside an array still occupies a slot (arrays have no
			// notion of "unset index"); encode as null to keep length stable.
			buf.WriteString("null")
			continue
		}
		if err := encode(buf, el); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := pool.GetStringSlice()
	defer func() { pool.PutStringSlice(keys) }()

	for k, v := range obj {
		if IsUndefined(v) {
			continue // dropped: undefined/unset fields never appear in the hash
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("refhash: cannot hash non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeNumberString(buf *bytes.Buffer, s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("refhash: invalid number %q: %w", s, err)
	}
	return encodeFloat(buf, f)
}
