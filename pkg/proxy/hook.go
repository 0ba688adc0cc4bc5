package proxy

import (
	"github.com/apex/log"
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/blacktop/vproxy/pkg/trampoline"
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/pkg/errors"
)

// Hook redirects original to substitute. Members found in the target table
// are hooked by rewriting their slot; any other member is detoured through
// the configured trampoline factory.
func (p *Proxy) Hook(original, substitute vtable.Ref) error {
	if p.tornDown {
		return errors.Wrapf(ErrTornDown, "proxy %s", p.key)
	}
	if m := p.target.Resolve(original); m.Found(p.target.Size()) {
		return p.hookSlot(m, substitute)
	}
	return p.hookDetour(original, substitute)
}

func (p *Proxy) hookSlot(m vtable.Member, substitute vtable.Ref) error {
	slot := vtable.SlotAddress(p.mem, p.target.Table(), m.Index)
	live, err := memory.ReadPointer(p.mem, slot)
	if err != nil {
		return errors.Wrapf(err, "failed to read slot %d", m.Index)
	}
	if live != p.snapshot[m.Index] {
		return errors.Wrapf(ErrAlreadyHooked, "slot %d holds %#x", m.Index, live)
	}
	s := p.substitute.Resolve(substitute)
	if !s.Found(p.substitute.Size()) {
		return errors.Wrapf(ErrUnresolved, "substitute %s", substitute)
	}
	if err := memory.PatchPointer(p.mem, slot, s.Address); err != nil {
		return errors.Wrapf(err, "failed to hook slot %d", m.Index)
	}
	log.WithFields(log.Fields{
		"proxy":    p.key.String(),
		"slot":     m.Index,
		"original": p.snapshot[m.Index],
		"hook":     s.Address,
	}).Debug("slot hooked")
	return nil
}

// substituteAddress is the code address of substitute, looked up in the
// substitute table when the reference is a bare slot offset.
func (p *Proxy) substituteAddress(substitute vtable.Ref) uint64 {
	if addr := vtable.ExtractAddress(p.mem, substitute); addr != 0 {
		return addr
	}
	if s := p.substitute.Resolve(substitute); s.Found(p.substitute.Size()) {
		return s.Address
	}
	return 0
}

// detour returns the detour registered for ref. The lookup tries the
// reference value before the extracted address since an enabled detour
// starts with a jump of its own.
func (p *Proxy) detour(ref vtable.Ref) (uint64, trampoline.Hook, bool) {
	if ref.IsNil() {
		return 0, nil, false
	}
	if h, ok := p.hooks[ref.Value]; ok {
		return ref.Value, h, true
	}
	addr := vtable.ExtractAddress(p.mem, ref)
	if h, ok := p.hooks[addr]; ok && addr != 0 {
		return addr, h, true
	}
	return 0, nil, false
}

func (p *Proxy) hookDetour(original, substitute vtable.Ref) error {
	if addr, _, ok := p.detour(original); ok {
		return errors.Wrapf(ErrAlreadyHooked, "%#x is detoured", addr)
	}
	addr := vtable.ExtractAddress(p.mem, original)
	subst := p.substituteAddress(substitute)
	if addr == 0 || subst == 0 {
		return errors.Wrapf(ErrNullReference, "cannot detour %s to %s", original, substitute)
	}
	if p.opts.hooker == nil {
		return errors.Wrapf(ErrNoHooker, "%#x is not in the dispatch table", addr)
	}
	h := p.opts.hooker()
	if err := h.Create(addr, subst); err != nil {
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warnf("failed to release detour of %#x", addr)
		}
		return errors.Wrapf(err, "failed to create detour of %#x", addr)
	}
	if err := h.Enable(); err != nil {
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warnf("failed to release detour of %#x", addr)
		}
		return errors.Wrapf(err, "failed to enable detour of %#x", addr)
	}
	p.hooks[addr] = h
	log.WithFields(log.Fields{
		"proxy":      p.key.String(),
		"target":     addr,
		"hook":       subst,
		"trampoline": h.Trampoline(),
	}).Debug("function detoured")
	return nil
}

// Unhook reverts a previous Hook of original.
func (p *Proxy) Unhook(original vtable.Ref) error {
	if p.tornDown {
		return errors.Wrapf(ErrTornDown, "proxy %s", p.key)
	}
	if addr, h, ok := p.detour(original); ok {
		if err := h.Close(); err != nil {
			return errors.Wrapf(err, "failed to remove detour of %#x", addr)
		}
		delete(p.hooks, addr)
		log.Debugf("removed detour of %#x", addr)
		return nil
	}

	m := p.target.Resolve(original)
	if !m.Found(p.target.Size()) {
		return errors.Wrapf(ErrUnresolved, "original %s", original)
	}
	slot := vtable.SlotAddress(p.mem, p.target.Table(), m.Index)
	live, err := memory.ReadPointer(p.mem, slot)
	if err != nil {
		return errors.Wrapf(err, "failed to read slot %d", m.Index)
	}
	orig := p.snapshot[m.Index]
	if live == orig {
		return errors.Wrapf(ErrNotHooked, "slot %d", m.Index)
	}
	if err := memory.PatchPointer(p.mem, slot, orig); err != nil {
		return errors.Wrapf(err, "failed to restore slot %d", m.Index)
	}
	log.Debugf("restored slot %d of %s to %#x", m.Index, p.key, orig)
	return nil
}

// IsHooked reports whether original is currently detoured or its slot
// differs from the snapshot.
func (p *Proxy) IsHooked(original vtable.Ref) bool {
	if _, _, ok := p.detour(original); ok {
		return true
	}
	m := p.target.Resolve(original)
	if !m.Found(p.target.Size()) {
		return false
	}
	live, err := p.Slot(m.Index)
	if err != nil {
		return false
	}
	return live != p.snapshot[m.Index]
}
