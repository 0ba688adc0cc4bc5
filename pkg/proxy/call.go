package proxy

import (
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/pkg/errors"
)

// Word is a result type a call can return in a register.
type Word interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// callee picks the implementation that behaves like the unhooked original:
// a detour trampoline, then the snapshot slot, then the raw address.
func (p *Proxy) callee(original vtable.Ref) uint64 {
	if _, h, ok := p.detour(original); ok {
		if tramp := h.Trampoline(); tramp != 0 {
			return tramp
		}
	}
	if m := p.target.Resolve(original); m.Found(p.target.Size()) {
		return p.snapshot[m.Index]
	}
	return vtable.ExtractAddress(p.mem, original)
}

// CallRaw invokes the original implementation of method on instance,
// bypassing any hook. It returns 0 when there is nothing to call.
func (p *Proxy) CallRaw(instance uint64, original vtable.Ref, args ...uint64) (uint64, error) {
	fn := p.callee(original)
	if fn == 0 {
		return 0, nil
	}
	if p.opts.invoker == nil {
		return 0, errors.Wrapf(ErrNoInvoker, "calling %#x", fn)
	}
	ret, err := p.opts.invoker.Invoke(fn, instance, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to call original %s at %#x", original, fn)
	}
	return ret, nil
}

// Call is CallRaw with the result converted to R.
func Call[R Word](p *Proxy, instance uint64, original vtable.Ref, args ...uint64) (R, error) {
	ret, err := p.CallRaw(instance, original, args...)
	if err != nil {
		var zero R
		return zero, err
	}
	return R(ret), nil
}
