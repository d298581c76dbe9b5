// Package decode runs device-supplied payload decoders in a sandboxed
// ECMAScript VM (spec §4.F). Each eval gets a fresh *goja.Runtime, a
// wall-clock interrupt, and no bindings beyond its two call arguments —
// scripts cannot reach host I/O, the filesystem, or other device state.
package decode

import (
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/lora-devicemgr/device-manager/internal/errs"
)

// ErrNoModule is returned by Eval when no decoder has been compiled for
// the requested id — callers treat this as "no decoder registered"
// (spec §4.I step 3), not a failure.
var ErrNoModule = errors.New("decode: no compiled module for id")

// ModuleID identifies a cached compiled module: DeviceId|ProductId per
// spec §4.F, represented here as whatever opaque string the caller uses to
// key its devices/products (the registry layer owns the real mapping).
type ModuleID string

type module struct {
	program    *goja.Program
	compiledAt time.Time
}

// Runtime is the decode-module cache plus the compile/eval contract.
// Insert and evict are serialized by mu; evaluation itself runs outside
// the lock so a slow script never blocks compilation of another module.
type Runtime struct {
	timeout time.Duration
	budget  int

	mu      sync.Mutex
	modules map[ModuleID]*module
	order   []ModuleID // insertion order, for LRU-ish eviction
}

func New(timeout time.Duration, budget int) *Runtime {
	return &Runtime{
		timeout: timeout,
		budget:  budget,
		modules: make(map[ModuleID]*module),
	}
}

// Compile parses source and atomically installs it under id, evicting the
// prior compile for that id if one existed, and the oldest module overall
// if installing this one would exceed the configured budget.
func (r *Runtime) Compile(id ModuleID, source string) error {
	// Device scripts are a bare function body ("return [...]"), not a
	// complete program, so wrap them in an IIFE: a top-level return is
	// illegal ECMAScript outside a function.
	wrapped := "(function(bytes, fport) {\n" + source + "\n})(bytes, fport)"
	program, err := goja.Compile(string(id), wrapped, false)
	if err != nil {
		return &errs.DecodeError{Kind: errs.DecodeCompile, Message: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[id]; !exists {
		r.order = append(r.order, id)
	}
	r.modules[id] = &module{program: program, compiledAt: time.Now()}

	for len(r.modules) > r.budget && r.budget > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		if oldest == id {
			r.order = append(r.order, oldest)
			continue
		}
		delete(r.modules, oldest)
	}

	return nil
}

// Eval runs the compiled module for id against bytes/fport, enforcing the
// configured wall-clock timeout via goja's Interrupt mechanism. Each call
// gets its own *goja.Runtime so concurrent decodes never share state.
func (r *Runtime) Eval(id ModuleID, bytes []byte, fport uint8) ([]interface{}, error) {
	r.mu.Lock()
	m, ok := r.modules[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoModule
	}

	vm := goja.New()
	if err := vm.Set("bytes", bytes); err != nil {
		return nil, &errs.DecodeError{Kind: errs.DecodeRuntime, Message: err.Error()}
	}
	if err := vm.Set("fport", fport); err != nil {
		return nil, &errs.DecodeError{Kind: errs.DecodeRuntime, Message: err.Error()}
	}

	done := make(chan struct{})
	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt(errs.ErrDecodeTimeout)
	})
	defer timer.Stop()
	defer close(done)

	value, err := vm.RunProgram(m.program)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok && ie.Value() == errs.ErrDecodeTimeout {
			return nil, &errs.DecodeError{Kind: errs.DecodeTimeout}
		}
		return nil, &errs.DecodeError{Kind: errs.DecodeRuntime, Message: err.Error()}
	}

	exported := value.Export()
	seq, ok := exported.([]interface{})
	if !ok {
		return []interface{}{exported}, nil
	}
	return seq, nil
}
