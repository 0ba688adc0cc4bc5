package proxy

import "github.com/pkg/errors"

var (
	ErrAlreadyInitialized = errors.New("proxy: already initialized")
	ErrNullInstance       = errors.New("proxy: nil instance")
	ErrInvalidTable       = errors.New("proxy: invalid dispatch table")
	ErrNotExecutable      = errors.New("proxy: first slot is not executable")
	ErrNullReference      = errors.New("proxy: method reference has no address")
	ErrUnresolved         = errors.New("proxy: method not found in dispatch table")
	ErrAlreadyHooked      = errors.New("proxy: method already hooked")
	ErrNotHooked          = errors.New("proxy: method not hooked")
	ErrNoHooker           = errors.New("proxy: no trampoline factory configured")
	ErrNoInvoker          = errors.New("proxy: no invoker configured")
	ErrTornDown           = errors.New("proxy: torn down")
)
