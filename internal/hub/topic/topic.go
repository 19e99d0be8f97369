// Package topic parses the hub's addressable topic grammar.
package topic

import "strings"

// reservedSubtypes are the second-segment tokens that mean "subtype",
// not "instance", in a two-part topic.
var reservedSubtypes = map[string]bool{
	"status":   true,
	"queue":    true,
	"calendar": true,
	"missing":  true,
}

// Topic is a parsed topic address: type[:subtype][:instance].
type Topic struct {
	Type     string
	Subtype  string
	Instance string
	raw      string
}

// String returns the original, unparsed topic string.
func (t Topic) String() string {
	return t.raw
}

// HasSubtype reports whether the topic carries a subtype segment.
func (t Topic) HasSubtype() bool {
	return t.Subtype != ""
}

// HasInstance reports whether the topic carries an instance segment.
func (t Topic) HasInstance() bool {
	return t.Instance != ""
}

// Prefix returns the type, used to key per-topic filter registrations.
func (t Topic) Prefix() string {
	return t.Type
}

// Parse splits a raw topic string into {type, subtype?, instance?}.
//
// Grammar: <type> | <type>:<instance> | <type>:<subtype> |
// <type>:<subtype>:<instance>. For a two-part topic, the second segment
// is a subtype if it is reserved, otherwise it is an instance.
func Parse(raw string) Topic {
	parts := strings.Split(raw, ":")
	t := Topic{raw: raw}
	switch len(parts) {
	case 1:
		t.Type = parts[0]
	case 2:
		t.Type = parts[0]
		if reservedSubtypes[parts[1]] {
			t.Subtype = parts[1]
		} else {
			t.Instance = parts[1]
		}
	default:
		t.Type = parts[0]
		t.Subtype = parts[1]
		t.Instance = strings.Join(parts[2:], ":")
	}
	return t
}
