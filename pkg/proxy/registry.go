package proxy

import (
	"fmt"
	"reflect"

	"github.com/apex/log"
	"github.com/blacktop/vproxy/pkg/memory"
)

// Key identifies a target/substitute pair.
type Key struct {
	Target     string
	Substitute string
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s", k.Target, k.Substitute)
}

func typeName(t reflect.Type) string {
	if t.PkgPath() != "" && t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// KeyOf derives the Key of the Go marker types T and S.
func KeyOf[T, S any]() Key {
	return Key{
		Target:     typeName(reflect.TypeOf((*T)(nil)).Elem()),
		Substitute: typeName(reflect.TypeOf((*S)(nil)).Elem()),
	}
}

// Registry owns one Proxy per Key over a shared address space.
type Registry struct {
	mem     memory.Memory
	opts    []Option
	proxies map[Key]*Proxy
	order   []Key
}

// NewRegistry returns an empty Registry; opts apply to every Proxy it creates.
func NewRegistry(mem memory.Memory, opts ...Option) *Registry {
	return &Registry{
		mem:     mem,
		opts:    opts,
		proxies: make(map[Key]*Proxy),
	}
}

// Proxy returns the Proxy of key, creating it on first use.
func (r *Registry) Proxy(key Key) *Proxy {
	if p, ok := r.proxies[key]; ok {
		return p
	}
	p := New(key, r.mem, r.opts...)
	r.proxies[key] = p
	r.order = append(r.order, key)
	return p
}

// For returns the Proxy of the marker types T and S.
func For[T, S any](r *Registry) *Proxy {
	return r.Proxy(KeyOf[T, S]())
}

// Keys lists the proxies in creation order.
func (r *Registry) Keys() []Key {
	return append([]Key(nil), r.order...)
}

// Close tears down every proxy and returns the first failure.
func (r *Registry) Close() error {
	var first error
	for _, key := range r.order {
		if err := r.proxies[key].Teardown(); err != nil {
			if first == nil {
				first = err
			} else {
				log.WithError(err).Warnf("failed to tear down %s", key)
			}
		}
	}
	return first
}
