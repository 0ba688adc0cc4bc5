//go:build linux && cgo

package memory

/*
#include <stdint.h>

typedef uintptr_t (*fn0)(uintptr_t);
typedef uintptr_t (*fn1)(uintptr_t, uintptr_t);
typedef uintptr_t (*fn2)(uintptr_t, uintptr_t, uintptr_t);
typedef uintptr_t (*fn3)(uintptr_t, uintptr_t, uintptr_t, uintptr_t);
typedef uintptr_t (*fn4)(uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t);
typedef uintptr_t (*fn5)(uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t);

static uintptr_t vproxy_invoke(uintptr_t fn, uintptr_t self, const uintptr_t *a, int n) {
	switch (n) {
	case 0: return ((fn0)fn)(self);
	case 1: return ((fn1)fn)(self, a[0]);
	case 2: return ((fn2)fn)(self, a[0], a[1]);
	case 3: return ((fn3)fn)(self, a[0], a[1], a[2]);
	case 4: return ((fn4)fn)(self, a[0], a[1], a[2], a[3]);
	case 5: return ((fn5)fn)(self, a[0], a[1], a[2], a[3], a[4]);
	}
	return 0;
}
*/
import "C"

import (
	"github.com/pkg/errors"
)

// MaxInvokeArgs is the number of arguments Invoke passes after the receiver.
const MaxInvokeArgs = 5

// Invoke calls fn with the platform C calling convention, passing this as
// the first integer argument.
func (p *Process) Invoke(fn, this uint64, args ...uint64) (uint64, error) {
	if fn == 0 {
		return 0, errors.Wrap(ErrNotCallable, "nil function")
	}
	if len(args) > MaxInvokeArgs {
		return 0, errors.Errorf("too many arguments: %d (max %d)", len(args), MaxInvokeArgs)
	}
	if !IsExecutable(p, fn) {
		return 0, errors.Wrapf(ErrNotCallable, "%#x is not executable", fn)
	}
	var buf [MaxInvokeArgs]C.uintptr_t
	for idx, arg := range args {
		buf[idx] = C.uintptr_t(arg)
	}
	ret := C.vproxy_invoke(C.uintptr_t(fn), C.uintptr_t(this), &buf[0], C.int(len(args)))
	return uint64(ret), nil
}
