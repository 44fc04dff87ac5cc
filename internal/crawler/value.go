package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags which variant a Value holds.
type ValueKind int

// Value variants produced by field extraction.
const (
	ValueNull ValueKind = iota
	ValueText
	ValueLink
	ValueImage
	ValueList
)

// Value is the extracted value of one field. The zero Value is null.
//
// JSON forms: null, "text", {"text":..,"href":..}, {"alt":..,"src":..}, or an array of those.
type Value struct {
	Kind  ValueKind
	Text  string
	Href  string
	Alt   string
	Src   string
	Items []Value
}

// NullValue is the value of a field whose selector matched nothing.
func NullValue() Value { return Value{} }

// TextValue wraps trimmed visible text.
func TextValue(text string) Value { return Value{Kind: ValueText, Text: text} }

// LinkValue wraps an anchor with a link target.
func LinkValue(text, href string) Value { return Value{Kind: ValueLink, Text: text, Href: href} }

// ImageValue wraps an image with a source.
func ImageValue(alt, src string) Value { return Value{Kind: ValueImage, Alt: alt, Src: src} }

// ListValue wraps multiple matches in document order.
func ListValue(items ...Value) Value { return Value{Kind: ValueList, Items: items} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

type linkJSON struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

type imageJSON struct {
	Alt string `json:"alt"`
	Src string `json:"src"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNull:
		return []byte("null"), nil
	case ValueText:
		return json.Marshal(v.Text)
	case ValueLink:
		return json.Marshal(linkJSON{Text: v.Text, Href: v.Href})
	case ValueImage:
		return json.Marshal(imageJSON{Alt: v.Alt, Src: v.Src})
	case ValueList:
		items := v.Items
		if items == nil {
			items = []Value{}
		}
		return json.Marshal(items)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*v = NullValue()
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode text value: %w", err)
		}
		*v = TextValue(s)
	case trimmed[0] == '[':
		var items []Value
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("decode list value: %w", err)
		}
		*v = ListValue(items...)
	case trimmed[0] == '{':
		var obj map[string]string
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("decode object value: %w", err)
		}
		if src, ok := obj["src"]; ok {
			*v = ImageValue(obj["alt"], src)
			return nil
		}
		*v = LinkValue(obj["text"], obj["href"])
	default:
		return fmt.Errorf("unsupported value json %q", string(trimmed))
	}
	return nil
}
