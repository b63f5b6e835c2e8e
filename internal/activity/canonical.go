package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"activityindexer/internal/client/feed"
)

// Signed body fields in the order the publisher serialises them before
// hashing. Any drift here changes every content hash.
var bodyFieldOrder = []string{
	"type",
	"publishedAt",
	"sequence",
	"username",
	"address",
	"data",
	"prevMerkleRoot",
	"tokenCommunities",
}

var dataFieldOrder = []string{"text", "replyParentMerkleRoot"}

// ContentHash derives the content address of a body: keccak256 over its
// canonical serialisation, as 0x-prefixed lowercase hex.
func ContentHash(body feed.Body) (string, error) {
	canonical, err := CanonicalBody(body)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(canonical)), nil
}

// CanonicalBody reproduces the publisher's signing serialisation: the body
// fields in fixed order, fields missing from the source left out, null kept,
// strings and numbers rendered as JSON.stringify renders them.
func CanonicalBody(body feed.Body) ([]byte, error) {
	raw := body.Raw()
	if len(raw) == 0 {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	root, err := parseJSValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if root.kind != kindObject {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedEntry)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, key := range bodyFieldOrder {
		value, ok := root.field(key)
		if !ok {
			continue
		}
		if key == "data" {
			if value.kind == kindNull {
				return nil, fmt.Errorf("%w: body data is null", ErrMalformedEntry)
			}
			value = value.pick(dataFieldOrder)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSString(&buf, key)
		buf.WriteByte(':')
		value.write(&buf)
	}
	if _, ok := root.field("data"); !ok {
		return nil, fmt.Errorf("%w: body has no data", ErrMalformedEntry)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type jsKind uint8

const (
	kindNull jsKind = iota
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

type jsValue struct {
	kind   jsKind
	b      bool
	num    float64
	str    string
	items  []*jsValue
	keys   []string
	fields map[string]*jsValue
}

func (v *jsValue) field(key string) (*jsValue, bool) {
	if v.kind != kindObject {
		return nil, false
	}
	f, ok := v.fields[key]
	return f, ok
}

// pick mirrors building an object literal from property reads: missing
// properties, or any property of a non-object, are dropped.
func (v *jsValue) pick(keys []string) *jsValue {
	out := &jsValue{kind: kindObject, fields: map[string]*jsValue{}}
	for _, key := range keys {
		if f, ok := v.field(key); ok {
			out.keys = append(out.keys, key)
			out.fields[key] = f
		}
	}
	return out
}

func parseJSValue(raw []byte) (*jsValue, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeJSValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after body")
	}
	return v, nil
}

func decodeJSValue(dec *json.Decoder) (*jsValue, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return &jsValue{kind: kindNull}, nil
	case bool:
		return &jsValue{kind: kindBool, b: t}, nil
	case string:
		return &jsValue{kind: kindString, str: t}, nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return nil, err
		}
		return &jsValue{kind: kindNumber, num: f}, nil
	case json.Delim:
		switch t {
		case '[':
			arr := &jsValue{kind: kindArray}
			for dec.More() {
				item, err := decodeJSValue(dec)
				if err != nil {
					return nil, err
				}
				arr.items = append(arr.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		case '{':
			obj := &jsValue{kind: kindObject, fields: map[string]*jsValue{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := decodeJSValue(dec)
				if err != nil {
					return nil, err
				}
				// A repeated key keeps its first position and its last value.
				if _, seen := obj.fields[key]; !seen {
					obj.keys = append(obj.keys, key)
				}
				obj.fields[key] = value
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			obj.orderKeys()
			return obj, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// orderKeys applies the property order of a parsed object: array-index keys
// ascending first, then the remaining keys in insertion order.
func (v *jsValue) orderKeys() {
	var indexes, names []string
	for _, key := range v.keys {
		if isArrayIndex(key) {
			indexes = append(indexes, key)
		} else {
			names = append(names, key)
		}
	}
	if len(indexes) == 0 {
		return
	}
	sort.Slice(indexes, func(i, j int) bool {
		a, _ := strconv.ParseUint(indexes[i], 10, 32)
		b, _ := strconv.ParseUint(indexes[j], 10, 32)
		return a < b
	})
	v.keys = append(indexes, names...)
}

func isArrayIndex(key string) bool {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	return err == nil && n < math.MaxUint32
}

func (v *jsValue) write(buf *bytes.Buffer) {
	switch v.kind {
	case kindNull:
		buf.WriteString("null")
	case kindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case kindNumber:
		buf.WriteString(formatJSNumber(v.num))
	case kindString:
		writeJSString(buf, v.str)
	case kindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.write(buf)
		}
		buf.WriteByte(']')
	case kindObject:
		buf.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSString(buf, key)
			buf.WriteByte(':')
			v.fields[key].write(buf)
		}
		buf.WriteByte('}')
	}
}

// formatJSNumber renders a float64 the way Number.prototype.toString does.
func formatJSNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mantissa, exp, _ := strings.Cut(s, "e")
		sign := exp[0]
		exp = strings.TrimLeft(exp[1:], "0")
		if exp == "" {
			exp = "0"
		}
		return mantissa + "e" + string(sign) + exp
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const hexDigits = "0123456789abcdef"

func writeJSString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		buf.WriteString(s[i : i+size])
		i += size
	}
	buf.WriteByte('"')
}
