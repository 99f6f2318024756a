package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v through its JSON wire form as canonical JSON:
// sorted keys, NFC strings, nulls stripped from objects, shortest
// round-trip numbers. Tagged structs hash the same as the JSON they emit.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, ErrNonFiniteFloat
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}

	var buf bytes.Buffer
	if err := writeNode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeNode handles exactly the shapes encoding/json decodes into.
func writeNode(buf *bytes.Buffer, node any) error {
	switch n := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(n))
	case string:
		writeString(buf, n)
	case json.Number:
		return writeNumber(buf, n)
	case map[string]any:
		return writeObject(buf, n)
	case []any:
		buf.WriteByte('[')
		for i, item := range n {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, node)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(norm.NFC.String(s))
	buf.Write(encoded)
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrUnsupportedValue, lit)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteFloat
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	values := make(map[string]any, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		nk := norm.NFC.String(k)
		if _, dup := values[nk]; dup {
			return ErrKeyCollision
		}
		keys = append(keys, nk)
		values[nk] = v
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeNode(buf, values[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
