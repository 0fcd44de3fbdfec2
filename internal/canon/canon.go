// Package canon implements the canonical JSON encoding and content-addressed
// hashing used throughout the core: sorted object keys, shortest lossless
// numeric form, UTF-8 strings with no escape expansion (only the escapes JSON
// requires, plus U+2028/U+2029, which encoding/json always escapes), and no
// insignificant whitespace. Signatures and idempotency keys are computed over these bytes
// only — canonicalization is kept a pure function with no I/O, mirroring the
// separation between hashData and the stateful ledger around it.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal produces the canonical JSON encoding of v. v is first round-tripped
// through encoding/json into a generic tree (map[string]any / []any /
// json.Number) so struct field ordering, omitempty semantics, and custom
// MarshalJSON methods are honored exactly as the standard encoder would, then
// re-encoded with object keys sorted at every level.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}

	var buf []byte
	buf, err = appendCanonical(buf, tree)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of v's canonical
// encoding — the canonical_json_sha256 value threaded through receipts,
// intents, offers, and router decisions.
func SHA256Hex(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, t.String()...), nil
	case string:
		out, err := appendString(buf, t)
		if err != nil {
			return nil, fmt.Errorf("canon: encode string: %w", err)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendString(buf, k)
			if err != nil {
				return nil, fmt.Errorf("canon: encode key: %w", err)
			}
			buf = append(buf, ':')
			var err2 error
			buf, err2 = appendCanonical(buf, t[k])
			if err2 != nil {
				return nil, err2
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}

// appendString encodes s as a JSON string with HTML escaping turned off, so
// '<', '>' and '&' stay literal bytes.
func appendString(buf []byte, s string) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return append(buf, bytes.TrimSuffix(b.Bytes(), []byte("\n"))...), nil
}
