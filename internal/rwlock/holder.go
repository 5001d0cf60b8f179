package rwlock

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Holder identifies a logical thread of control that owns lock holds.
//
// Go has no thread identity, so reentrancy is keyed by an explicit Holder
// instead. A Holder is usually carried in a context.Context so that nested
// calls of one operation share it. The zero Holder is invalid.
type Holder uint64

var lastHolder atomic.Uint64

// NewHolder returns a new unique Holder.
func NewHolder() Holder {
	return Holder(lastHolder.Add(1))
}

func (h Holder) String() string {
	return "holder-" + strconv.FormatUint(uint64(h), 10)
}

type holderKey struct{}

// WithHolder returns a context carrying h.
func WithHolder(ctx context.Context, h Holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// HolderFrom returns the Holder carried by ctx.
func HolderFrom(ctx context.Context) (Holder, bool) {
	h, ok := ctx.Value(holderKey{}).(Holder)
	return h, ok && h != 0
}

// Ensure returns ctx and its Holder, attaching a new Holder if ctx has none.
func Ensure(ctx context.Context) (context.Context, Holder) {
	if h, ok := HolderFrom(ctx); ok {
		return ctx, h
	}
	h := NewHolder()
	return WithHolder(ctx, h), h
}
