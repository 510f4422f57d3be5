// Package wire is the normalization boundary between the backend messaging
// API and the client's canonical model. The backend is inconsistent about
// identifier types (numbers vs strings), field casing (id vs ID) and response
// envelopes (bare arrays vs wrapped objects); every defensive fallback lives
// here so the rest of the module only ever sees canonical values.
//
// Field names are matched case-insensitively by encoding/json, which covers
// the lower-camel and upper-camel variants the backend mixes. Aliases that
// differ by more than case (userId vs id, created_at vs createdAt) are listed
// explicitly on the raw structs.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ID is a string-normalized identifier. The backend emits ids as JSON
// numbers on some endpoints and as strings on others, so all comparisons
// must go through ID rather than the raw value.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s, kind := scalarText(data)
	switch kind {
	case kindNull:
		*id = ""
		return nil
	case kindString:
		*id = ID(strings.TrimSpace(s))
		return nil
	case kindNumber:
		*id = numberID(strings.TrimSpace(s))
		return nil
	default:
		return fmt.Errorf("wire: id must be a string or number, got %s", truncate(data))
	}
}

// String returns the identifier text.
func (id ID) String() string { return string(id) }

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool { return id == "" }

// NormalizeID converts an arbitrary identifier value into an ID. It is used
// where ids arrive outside JSON (path params, session hashes).
func NormalizeID(v interface{}) ID {
	switch t := v.(type) {
	case nil:
		return ""
	case ID:
		return ID(strings.TrimSpace(string(t)))
	case string:
		return ID(strings.TrimSpace(t))
	case int:
		return ID(strconv.Itoa(t))
	case int64:
		return ID(strconv.FormatInt(t, 10))
	case uint64:
		return ID(strconv.FormatUint(t, 10))
	case float64:
		return ID(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		return ID(t.String())
	case fmt.Stringer:
		return ID(strings.TrimSpace(t.String()))
	default:
		return ID(strings.TrimSpace(fmt.Sprint(t)))
	}
}

// numberID renders a JSON number literal the way NormalizeID renders the
// same value, so 42, 42.0 and 4.2e1 all become "42". Literals outside the
// exactly representable integer range keep their text.
func numberID(lit string) ID {
	if _, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return ID(lit)
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return ID(lit)
	}
	return NormalizeID(f)
}

type scalarKind int

const (
	kindNull scalarKind = iota
	kindString
	kindNumber
	kindBool
	kindComplex // object or array
	kindInvalid
)

// scalarText returns the textual value of a JSON scalar along with its kind.
// Numbers keep their literal text so 42 becomes "42".
func scalarText(data []byte) (string, scalarKind) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", kindNull
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", kindInvalid
		}
		return s, kindString
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return "", kindInvalid
		}
		return strconv.FormatBool(b), kindBool
	case '{', '[':
		return "", kindComplex
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return "", kindInvalid
		}
		return n.String(), kindNumber
	}
}

// text is a lenient display string: any scalar is accepted, objects and
// arrays decode to empty.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	s, kind := scalarText(data)
	if kind == kindInvalid {
		return fmt.Errorf("wire: invalid scalar %s", truncate(data))
	}
	*t = text(strings.TrimSpace(s))
	return nil
}

// flag is a lenient boolean: true, "true", 1 and "1" are all true.
type flag struct {
	set   bool
	value bool
}

func (f *flag) UnmarshalJSON(data []byte) error {
	s, kind := scalarText(data)
	switch kind {
	case kindNull:
		*f = flag{}
	case kindBool, kindString, kindNumber:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		*f = flag{set: err == nil, value: err == nil && b}
	default:
		*f = flag{}
	}
	return nil
}

// count is a lenient non-negative integer.
type count int

func (c *count) UnmarshalJSON(data []byte) error {
	s, kind := scalarText(data)
	if kind != kindNumber && kind != kindString {
		*c = 0
		return nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || n < 0 {
		*c = 0
		return nil
	}
	*c = count(n)
	return nil
}

func firstID(ids ...ID) ID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

func firstText(values ...text) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func truncate(data []byte) string {
	const max = 64
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
