// Package ot implements operational transformation over character-level
// text operations. An OperationSeq describes an edit as a sequence of
// retain/insert/delete components measured in UTF-16 code units, matching
// the position semantics of browser-based editors.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrInvalidOperation is returned when an operation sequence cannot be
// applied to, composed with, or transformed against the given state.
var ErrInvalidOperation = errors.New("invalid operation")

// Op is one component of an operation sequence.
type Op interface {
	isOp()
}

// Retain advances the cursor over N existing code units.
type Retain struct{ N int }

// Insert places Text at the cursor.
type Insert struct{ Text string }

// Delete removes N code units ahead of the cursor.
type Delete struct{ N int }

func (Retain) isOp() {}
func (Insert) isOp() {}
func (Delete) isOp() {}

// OperationSeq is a normalized sequence of ops describing a transformation
// of one document state into another. The zero value is the identity over
// the empty document; use NewOperationSeq and the builder methods.
type OperationSeq struct {
	ops       []Op
	baseLen   int
	targetLen int
}

// NewOperationSeq returns an empty operation sequence.
func NewOperationSeq() *OperationSeq {
	return &OperationSeq{}
}

// Len16 returns the length of s in UTF-16 code units.
func Len16(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// Retain appends a retain component, merging with a trailing retain.
// Zero or negative counts are dropped.
func (o *OperationSeq) Retain(n int) *OperationSeq {
	if n <= 0 {
		return o
	}
	o.baseLen += n
	o.targetLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if r, ok := o.ops[last].(Retain); ok {
			o.ops[last] = Retain{N: r.N + n}
			return o
		}
	}
	o.ops = append(o.ops, Retain{N: n})
	return o
}

// Insert appends an insert component, merging with a trailing insert.
// Empty strings are dropped. Inserts are kept ahead of a trailing delete
// so that a delete+insert pair always serializes insert-first; this keeps
// sequences in canonical form.
func (o *OperationSeq) Insert(s string) *OperationSeq {
	if s == "" {
		return o
	}
	o.targetLen += Len16(s)
	last := len(o.ops) - 1
	if last >= 0 {
		if ins, ok := o.ops[last].(Insert); ok {
			o.ops[last] = Insert{Text: ins.Text + s}
			return o
		}
		if _, ok := o.ops[last].(Delete); ok {
			// Keep insert before delete: [..., insert, delete]
			if last >= 1 {
				if ins, ok := o.ops[last-1].(Insert); ok {
					o.ops[last-1] = Insert{Text: ins.Text + s}
					return o
				}
			}
			o.ops = append(o.ops, o.ops[last])
			o.ops[last] = Insert{Text: s}
			return o
		}
	}
	o.ops = append(o.ops, Insert{Text: s})
	return o
}

// Delete appends a delete component, merging with a trailing delete.
// Zero or negative counts are dropped.
func (o *OperationSeq) Delete(n int) *OperationSeq {
	if n <= 0 {
		return o
	}
	o.baseLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if d, ok := o.ops[last].(Delete); ok {
			o.ops[last] = Delete{N: d.N + n}
			return o
		}
	}
	o.ops = append(o.ops, Delete{N: n})
	return o
}

// Ops returns the components of the sequence. The slice must not be mutated.
func (o *OperationSeq) Ops() []Op { return o.ops }

// BaseLen is the document length (code units) this sequence applies to.
func (o *OperationSeq) BaseLen() int { return o.baseLen }

// TargetLen is the document length (code units) after applying the sequence.
func (o *OperationSeq) TargetLen() int { return o.targetLen }

// IsNoop reports whether the sequence leaves any document unchanged.
func (o *OperationSeq) IsNoop() bool {
	if len(o.ops) == 0 {
		return true
	}
	if len(o.ops) == 1 {
		_, ok := o.ops[0].(Retain)
		return ok
	}
	return false
}

// Clone returns a deep copy of the sequence.
func (o *OperationSeq) Clone() *OperationSeq {
	c := &OperationSeq{
		ops:       make([]Op, len(o.ops)),
		baseLen:   o.baseLen,
		targetLen: o.targetLen,
	}
	copy(c.ops, o.ops)
	return c
}

// Normalize rebuilds the sequence in canonical form: consecutive components
// of the same kind are merged, zero-length retains/deletes and empty inserts
// are dropped. Normalize is idempotent.
func (o *OperationSeq) Normalize() *OperationSeq {
	out := NewOperationSeq()
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			out.Retain(v.N)
		case Insert:
			out.Insert(v.Text)
		case Delete:
			out.Delete(v.N)
		}
	}
	return out
}

// Validate reports whether the sequence can be applied to a document of
// docLen code units.
func (o *OperationSeq) Validate(docLen int) bool {
	return o.baseLen == docLen
}

// Apply consumes text left to right and produces the transformed text.
// Returns ErrInvalidOperation when the sequence's base length does not
// match the text or a delete crosses the end of the text.
func (o *OperationSeq) Apply(text string) (string, error) {
	units := utf16.Encode([]rune(text))
	if len(units) != o.baseLen {
		return "", fmt.Errorf("%w: base length %d does not match document length %d",
			ErrInvalidOperation, o.baseLen, len(units))
	}
	out := make([]uint16, 0, o.targetLen)
	pos := 0
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			if pos+v.N > len(units) {
				return "", fmt.Errorf("%w: retain past end of document", ErrInvalidOperation)
			}
			out = append(out, units[pos:pos+v.N]...)
			pos += v.N
		case Insert:
			out = append(out, utf16.Encode([]rune(v.Text))...)
		case Delete:
			if pos+v.N > len(units) {
				return "", fmt.Errorf("%w: delete past end of document", ErrInvalidOperation)
			}
			pos += v.N
		}
	}
	out = append(out, units[pos:]...)
	return string(utf16.Decode(out)), nil
}

// MarshalJSON encodes the sequence in compact wire form: positive integers
// are retains, negative integers are deletes, strings are inserts.
func (o *OperationSeq) MarshalJSON() ([]byte, error) {
	wire := make([]any, 0, len(o.ops))
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			wire = append(wire, v.N)
		case Insert:
			wire = append(wire, v.Text)
		case Delete:
			wire = append(wire, -v.N)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON. Zero
// integers and empty strings are rejected.
func (o *OperationSeq) UnmarshalJSON(data []byte) error {
	var wire []json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	seq := NewOperationSeq()
	for _, raw := range wire {
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			if s == "" {
				return fmt.Errorf("%w: empty insert", ErrInvalidOperation)
			}
			seq.Insert(s)
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		switch {
		case n > 0:
			seq.Retain(n)
		case n < 0:
			seq.Delete(-n)
		default:
			return fmt.Errorf("%w: zero-length component", ErrInvalidOperation)
		}
	}
	*o = *seq
	return nil
}
