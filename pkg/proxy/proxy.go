// Package proxy redirects virtual calls of one class to another by patching
// the dispatch table of a live instance, keeping the original table content
// so hooked methods stay callable and can be restored.
package proxy

import (
	"slices"

	"github.com/apex/log"
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/blacktop/vproxy/pkg/trampoline"
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/pkg/errors"
)

// Proxy holds the hook state of one target/substitute pair.
type Proxy struct {
	key  Key
	mem  memory.Memory
	opts options

	initialized bool
	tornDown    bool

	target     *vtable.Resolver
	substitute *vtable.Resolver
	snapshot   []uint64
	hooks      map[uint64]trampoline.Hook
}

// New returns an uninitialized Proxy over mem.
func New(key Key, mem memory.Memory, opts ...Option) *Proxy {
	return &Proxy{
		key:   key,
		mem:   mem,
		opts:  newOptions(opts),
		hooks: make(map[uint64]trampoline.Hook),
	}
}

func (p *Proxy) Key() Key { return p.key }

func (p *Proxy) Initialized() bool { return p.initialized }

// Initialize captures the dispatch table of target and measures the one of
// substitute. It succeeds at most once per Proxy.
func (p *Proxy) Initialize(target, substitute uint64) error {
	if p.initialized || p.tornDown {
		return errors.Wrapf(ErrAlreadyInitialized, "proxy %s", p.key)
	}
	if target == 0 || substitute == 0 {
		return errors.Wrapf(ErrNullInstance, "target %#x, substitute %#x", target, substitute)
	}

	targetTable, err := p.table(target)
	if err != nil {
		return err
	}
	first, err := vtable.Slot(p.mem, targetTable, 0)
	if err != nil || !memory.IsExecutable(p.mem, first) {
		return errors.Wrapf(ErrNotExecutable, "slot 0 of %#x is %#x", targetTable, first)
	}
	snapshot := vtable.Walk(p.mem, targetTable, p.opts.maxSlots)

	substituteTable, err := p.table(substitute)
	if err != nil {
		return err
	}
	substituteSize := len(vtable.Walk(p.mem, substituteTable, p.opts.maxSlots))

	p.target = vtable.NewResolver(p.mem, targetTable, len(snapshot))
	p.substitute = vtable.NewResolver(p.mem, substituteTable, substituteSize)
	p.snapshot = snapshot
	p.initialized = true

	log.WithFields(log.Fields{
		"proxy":           p.key.String(),
		"target_table":    targetTable,
		"target_size":     len(snapshot),
		"substitute_size": substituteSize,
	}).Debug("proxy initialized")
	return nil
}

func (p *Proxy) table(instance uint64) (uint64, error) {
	table, err := vtable.Locate(p.mem, instance)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidTable, "%v", err)
	}
	if table == 0 {
		return 0, errors.Wrapf(ErrInvalidTable, "instance %#x has a null table", instance)
	}
	return table, nil
}

// This returns receiver as the target instance when its dispatch table is
// the proxied one. Substitute implementations receive the target instance
// as their receiver.
func (p *Proxy) This(receiver uint64) (uint64, bool) {
	if !p.initialized || receiver == 0 {
		return 0, false
	}
	table, err := vtable.Locate(p.mem, receiver)
	if err != nil || table != p.target.Table() {
		return 0, false
	}
	return receiver, true
}

// TargetMember resolves ref in the target table.
func (p *Proxy) TargetMember(ref vtable.Ref) vtable.Member {
	return p.target.Resolve(ref)
}

// SubstituteMember resolves ref in the substitute table.
func (p *Proxy) SubstituteMember(ref vtable.Ref) vtable.Member {
	return p.substitute.Resolve(ref)
}

// Snapshot returns a copy of the target table as captured by Initialize.
func (p *Proxy) Snapshot() []uint64 {
	return slices.Clone(p.snapshot)
}

// Slot reads the live value of target slot index.
func (p *Proxy) Slot(index int) (uint64, error) {
	if index < 0 || index >= p.target.Size() {
		return 0, errors.Errorf("slot %d out of range [0, %d)", index, p.target.Size())
	}
	return vtable.Slot(p.mem, p.target.Table(), index)
}

// Sizes returns the number of target and substitute slots.
func (p *Proxy) Sizes() (target, substitute int) {
	return p.target.Size(), p.substitute.Size()
}

// Tables returns the target and substitute table addresses.
func (p *Proxy) Tables() (target, substitute uint64) {
	return p.target.Table(), p.substitute.Table()
}

// Teardown restores every modified slot and closes every detour. The Proxy
// cannot be initialized or hooked afterwards.
func (p *Proxy) Teardown() error {
	if p.tornDown {
		return nil
	}
	p.tornDown = true

	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
			return
		}
		log.WithError(err).Warnf("teardown of %s", p.key)
	}

	if p.initialized {
		for idx, orig := range p.snapshot {
			slot := vtable.SlotAddress(p.mem, p.target.Table(), idx)
			live, err := memory.ReadPointer(p.mem, slot)
			if err != nil {
				keep(errors.Wrapf(err, "failed to read slot %d", idx))
				continue
			}
			if live == orig {
				continue
			}
			keep(errors.Wrapf(memory.PatchPointer(p.mem, slot, orig), "failed to restore slot %d", idx))
			log.Debugf("restored slot %d of %s to %#x", idx, p.key, orig)
		}
	}
	for addr, h := range p.hooks {
		if err := h.Close(); err != nil {
			keep(errors.Wrapf(err, "failed to remove detour of %#x", addr))
			continue
		}
		delete(p.hooks, addr)
	}
	return first
}
