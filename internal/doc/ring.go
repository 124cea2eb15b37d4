package doc

import "github.com/nextlevelbuilder/collabd/internal/store"

// opRing caches the most recent server-accepted operations so that gap
// transformation on submit rarely touches the store.
type opRing struct {
	buf  []store.PersistedOperation
	head int // next write slot
	size int
}

func newOpRing(capacity int) *opRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &opRing{buf: make([]store.PersistedOperation, capacity)}
}

// reset drops every cached operation. Required whenever document state
// is reloaded from the store: another writer may have committed
// operations this ring never saw, so its coverage claim is void.
func (r *opRing) reset() {
	r.head, r.size = 0, 0
}

func (r *opRing) push(op store.PersistedOperation) {
	r.buf[r.head] = op
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// since returns the cached operations with server sequence > after, in
// order. ok is false when the ring no longer covers that range.
func (r *opRing) since(after int64) (ops []store.PersistedOperation, ok bool) {
	if r.size == 0 {
		return nil, false
	}
	oldest := r.buf[(r.head-r.size+len(r.buf))%len(r.buf)]
	newest := r.buf[(r.head-1+len(r.buf))%len(r.buf)]
	if after >= newest.ServerSeq {
		return nil, true
	}
	if after < oldest.ServerSeq-1 {
		return nil, false
	}
	for i := 0; i < r.size; i++ {
		op := r.buf[(r.head-r.size+i+len(r.buf))%len(r.buf)]
		if op.ServerSeq > after {
			ops = append(ops, op)
		}
	}
	return ops, true
}
