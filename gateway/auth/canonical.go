package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"
)

// ErrAmbiguousBody marks JSON bodies that decode to the same value as a
// different byte sequence would: duplicate object keys, invalid UTF-8 and
// unpaired surrogate escapes. The guard refuses to verify them.
var ErrAmbiguousBody = errors.New("json body has duplicate keys or invalid unicode")

// CanonicalBody returns the byte sequence that is signed for body. Both the
// signer and the guard call this function, so any change here invalidates
// every outstanding signature.
//
// Absent or whitespace-only bodies and JSON bodies without meaningful fields
// ({} or null) canonicalise to the empty string. Other JSON documents are
// re-encoded with sorted object keys and no insignificant whitespace; numbers
// keep their original text. Anything that is not a single JSON document is
// signed byte-for-byte, as are ambiguous JSON bodies, which the guard rejects.
func CanonicalBody(body []byte) []byte {
	canon, err := canonicalBody(body)
	if err != nil {
		return body
	}
	return canon
}

// ForwardedBody returns the bytes handed downstream once body is verified:
// the canonical form, so the handler parses exactly what was signed. Bodies
// that canonicalise to nothing are passed through unchanged.
func ForwardedBody(body []byte) []byte {
	canon, err := canonicalBody(body)
	if err != nil || len(canon) == 0 {
		return body
	}
	return canon
}

func canonicalBody(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte{}, nil
	}
	v, ok := decodeJSON(trimmed)
	if !ok {
		return body, nil
	}
	if err := checkUnambiguous(trimmed); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return body, nil
	}
	switch buf.String() {
	case "{}", "null":
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}

// CanonicalJSON marshals v and canonicalises the result.
func CanonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return canonicalBody(raw)
}

func decodeJSON(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// checkUnambiguous expects raw to be a valid JSON document.
func checkUnambiguous(raw []byte) error {
	if !utf8.Valid(raw) {
		return fmt.Errorf("%w: invalid utf-8", ErrAmbiguousBody)
	}
	if err := checkSurrogates(raw); err != nil {
		return err
	}
	return checkDuplicateKeys(raw)
}

func checkSurrogates(raw []byte) error {
	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			continue
		}
		switch c {
		case '"':
			inString = false
		case '\\':
			i++
			if raw[i] != 'u' {
				continue
			}
			code := hexRune(raw[i+1 : i+5])
			i += 4
			switch {
			case code >= 0xDC00 && code < 0xE000:
				return fmt.Errorf("%w: unpaired surrogate", ErrAmbiguousBody)
			case code >= 0xD800 && code < 0xDC00:
				if i+6 >= len(raw) || raw[i+1] != '\\' || raw[i+2] != 'u' {
					return fmt.Errorf("%w: unpaired surrogate", ErrAmbiguousBody)
				}
				low := hexRune(raw[i+3 : i+7])
				if low < 0xDC00 || low >= 0xE000 {
					return fmt.Errorf("%w: unpaired surrogate", ErrAmbiguousBody)
				}
				i += 6
			}
		}
	}
	return nil
}

func hexRune(digits []byte) rune {
	var r rune
	for _, d := range digits {
		r <<= 4
		switch {
		case d >= '0' && d <= '9':
			r |= rune(d - '0')
		case d >= 'a' && d <= 'f':
			r |= rune(d-'a') + 10
		case d >= 'A' && d <= 'F':
			r |= rune(d-'A') + 10
		}
	}
	return r
}

type jsonFrame struct {
	object  bool
	wantKey bool
	keys    map[string]struct{}
}

func checkDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var stack []*jsonFrame
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].wantKey {
			top := stack[n-1]
			if delim, ok := tok.(json.Delim); ok && delim == '}' {
				stack = stack[:n-1]
				valueDone()
				continue
			}
			key, _ := tok.(string)
			if _, dup := top.keys[key]; dup {
				return fmt.Errorf("%w: duplicate key %q", ErrAmbiguousBody, key)
			}
			top.keys[key] = struct{}{}
			top.wantKey = false
			continue
		}
		switch delim := tok.(type) {
		case json.Delim:
			switch delim {
			case '{':
				stack = append(stack, &jsonFrame{object: true, wantKey: true, keys: make(map[string]struct{})})
			case '[':
				stack = append(stack, &jsonFrame{})
			case ']':
				stack = stack[:len(stack)-1]
				valueDone()
			}
		default:
			valueDone()
		}
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported json type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
}
