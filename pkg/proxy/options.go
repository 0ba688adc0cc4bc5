package proxy

import (
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/blacktop/vproxy/pkg/trampoline"
)

// DefaultMaxSlots bounds table walks when no limit is configured.
const DefaultMaxSlots = 4096

type options struct {
	invoker  memory.Invoker
	hooker   trampoline.Factory
	maxSlots int
}

// Option configures a Proxy.
type Option func(*options)

// WithInvoker sets the Invoker used by Call.
func WithInvoker(inv memory.Invoker) Option {
	return func(o *options) {
		o.invoker = inv
	}
}

// WithHooker sets the factory used for members that have no table slot.
func WithHooker(f trampoline.Factory) Option {
	return func(o *options) {
		o.hooker = f
	}
}

// WithMaxSlots bounds the number of slots read from either table.
func WithMaxSlots(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSlots = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{maxSlots: DefaultMaxSlots}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
