package ot

import (
	"fmt"
	"unicode/utf16"
)

// TieBreak selects which side's insert is ordered first when two sequences
// insert at the same position.
type TieBreak int

const (
	// TieLeft orders the first sequence's insert before the second's.
	TieLeft TieBreak = iota
	// TieRight orders the second sequence's insert before the first's.
	TieRight
)

func split16(s string, n int) (string, string) {
	u := utf16.Encode([]rune(s))
	if n >= len(u) {
		return s, ""
	}
	return string(utf16.Decode(u[:n])), string(utf16.Decode(u[n:]))
}

type opCursor struct {
	ops []Op
	i   int
}

func (c *opCursor) next() Op {
	if c.i < len(c.ops) {
		op := c.ops[c.i]
		c.i++
		return op
	}
	return nil
}

// Compose produces a single sequence whose effect equals applying a then b.
// Precondition: a.TargetLen() == b.BaseLen().
func Compose(a, b *OperationSeq) (*OperationSeq, error) {
	if a.targetLen != b.baseLen {
		return nil, fmt.Errorf("%w: compose length mismatch: target %d vs base %d",
			ErrInvalidOperation, a.targetLen, b.baseLen)
	}
	out := NewOperationSeq()
	ca := &opCursor{ops: a.ops}
	cb := &opCursor{ops: b.ops}
	oa, ob := ca.next(), cb.next()
	for oa != nil || ob != nil {
		if d, ok := oa.(Delete); ok {
			out.Delete(d.N)
			oa = ca.next()
			continue
		}
		if ins, ok := ob.(Insert); ok {
			out.Insert(ins.Text)
			ob = cb.next()
			continue
		}
		if oa == nil || ob == nil {
			return nil, fmt.Errorf("%w: compose ran out of components", ErrInvalidOperation)
		}
		switch x := oa.(type) {
		case Retain:
			switch y := ob.(type) {
			case Retain:
				n := min(x.N, y.N)
				out.Retain(n)
				oa = shrinkRetain(x, n, ca)
				ob = shrinkRetain(y, n, cb)
			case Delete:
				n := min(x.N, y.N)
				out.Delete(n)
				oa = shrinkRetain(x, n, ca)
				ob = shrinkDelete(y, n, cb)
			}
		case Insert:
			insLen := Len16(x.Text)
			switch y := ob.(type) {
			case Retain:
				n := min(insLen, y.N)
				head, tail := split16(x.Text, n)
				out.Insert(head)
				oa = shrinkInsert(tail, ca)
				ob = shrinkRetain(y, n, cb)
			case Delete:
				// Inserted text deleted by b: both vanish.
				n := min(insLen, y.N)
				_, tail := split16(x.Text, n)
				oa = shrinkInsert(tail, ca)
				ob = shrinkDelete(y, n, cb)
			}
		}
	}
	return out, nil
}

func shrinkRetain(r Retain, n int, c *opCursor) Op {
	if r.N > n {
		return Retain{N: r.N - n}
	}
	return c.next()
}

func shrinkDelete(d Delete, n int, c *opCursor) Op {
	if d.N > n {
		return Delete{N: d.N - n}
	}
	return c.next()
}

func shrinkInsert(tail string, c *opCursor) Op {
	if tail != "" {
		return Insert{Text: tail}
	}
	return c.next()
}

// Transform reconciles two sequences that apply to the same document state.
// For any text t where both a and b apply, the returned (a', b') satisfy
// Apply(Apply(t, a), b') == Apply(Apply(t, b), a'). The tie break decides
// which side's insert comes first when both insert at the same position.
func Transform(a, b *OperationSeq, tie TieBreak) (*OperationSeq, *OperationSeq, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("%w: transform base mismatch: %d vs %d",
			ErrInvalidOperation, a.baseLen, b.baseLen)
	}
	aPrime := NewOperationSeq()
	bPrime := NewOperationSeq()
	ca := &opCursor{ops: a.ops}
	cb := &opCursor{ops: b.ops}
	oa, ob := ca.next(), cb.next()
	for oa != nil || ob != nil {
		if tie == TieLeft {
			if ins, ok := oa.(Insert); ok {
				aPrime.Insert(ins.Text)
				bPrime.Retain(Len16(ins.Text))
				oa = ca.next()
				continue
			}
			if ins, ok := ob.(Insert); ok {
				aPrime.Retain(Len16(ins.Text))
				bPrime.Insert(ins.Text)
				ob = cb.next()
				continue
			}
		} else {
			if ins, ok := ob.(Insert); ok {
				aPrime.Retain(Len16(ins.Text))
				bPrime.Insert(ins.Text)
				ob = cb.next()
				continue
			}
			if ins, ok := oa.(Insert); ok {
				aPrime.Insert(ins.Text)
				bPrime.Retain(Len16(ins.Text))
				oa = ca.next()
				continue
			}
		}
		if oa == nil || ob == nil {
			return nil, nil, fmt.Errorf("%w: transform ran out of components", ErrInvalidOperation)
		}
		switch x := oa.(type) {
		case Retain:
			switch y := ob.(type) {
			case Retain:
				n := min(x.N, y.N)
				aPrime.Retain(n)
				bPrime.Retain(n)
				oa = shrinkRetain(x, n, ca)
				ob = shrinkRetain(y, n, cb)
			case Delete:
				n := min(x.N, y.N)
				bPrime.Delete(n)
				oa = shrinkRetain(x, n, ca)
				ob = shrinkDelete(y, n, cb)
			}
		case Delete:
			switch y := ob.(type) {
			case Retain:
				n := min(x.N, y.N)
				aPrime.Delete(n)
				oa = shrinkDelete(x, n, ca)
				ob = shrinkRetain(y, n, cb)
			case Delete:
				// Overlapping concurrent deletes cancel out.
				n := min(x.N, y.N)
				oa = shrinkDelete(x, n, ca)
				ob = shrinkDelete(y, n, cb)
			}
		}
	}
	return aPrime, bPrime, nil
}

// TransformCursor adjusts a 0-based cursor position (UTF-16 code units) for
// an accepted sequence. isOwn marks the cursor of the sequence's author: an
// insert exactly at the cursor does not push the author's own cursor.
func TransformCursor(pos int, seq *OperationSeq, isOwn bool) int {
	idx := 0
	newPos := pos
	for _, op := range seq.ops {
		if idx > pos {
			break
		}
		switch v := op.(type) {
		case Retain:
			idx += v.N
		case Insert:
			if idx < pos || (idx == pos && !isOwn) {
				newPos += Len16(v.Text)
			}
		case Delete:
			if idx < pos {
				newPos -= min(v.N, pos-idx)
			}
			idx += v.N
		}
	}
	if newPos < 0 {
		return 0
	}
	return newPos
}

// Diff synthesizes a sequence turning oldText into newText by stripping the
// common prefix and suffix and encoding the middle as one delete plus one
// insert. Deterministic, not guaranteed minimal beyond that.
func Diff(oldText, newText string) *OperationSeq {
	a := utf16.Encode([]rune(oldText))
	b := utf16.Encode([]rune(newText))

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	seq := NewOperationSeq()
	seq.Retain(prefix)
	seq.Delete(len(a) - prefix - suffix)
	seq.Insert(string(utf16.Decode(b[prefix : len(b)-suffix])))
	seq.Retain(suffix)
	return seq
}
