package vmtest

import (
	"fmt"
	"sync"

	"github.com/silkvm/silkdbg/pkg/vm"
)

// HookRecorder is a vm.Hooker that records hook and unhook calls
// instead of patching bytecode. The next call can be made to fail for
// error-path tests.
type HookRecorder struct {
	mu      sync.Mutex
	counts  map[string]int
	hooked  map[string]bool
	nextErr error
}

// NewHookRecorder returns an empty recorder.
func NewHookRecorder() *HookRecorder {
	return &HookRecorder{
		counts: make(map[string]int),
		hooked: make(map[string]bool),
	}
}

func hookKey(path string, override int, offset uint32) string {
	return fmt.Sprintf("%s#%d@%d", path, override, offset)
}

// FailNextWith makes the next Hook or Unhook call return err.
func (h *HookRecorder) FailNextWith(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextErr = err
}

// Hook implements vm.Hooker.
func (h *HookRecorder) Hook(p vm.Proc, offset uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.nextErr; err != nil {
		h.nextErr = nil
		return err
	}
	k := hookKey(p.Path(), p.Override(), offset)
	h.counts[k]++
	h.hooked[k] = true
	return nil
}

// Unhook implements vm.Hooker.
func (h *HookRecorder) Unhook(p vm.Proc, offset uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.nextErr; err != nil {
		h.nextErr = nil
		return err
	}
	delete(h.hooked, hookKey(p.Path(), p.Override(), offset))
	return nil
}

// HookCount reports how many times Hook was called for the location.
func (h *HookRecorder) HookCount(path string, override int, offset uint32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[hookKey(path, override, offset)]
}

// Hooked reports whether the location currently has a trap installed.
func (h *HookRecorder) Hooked(path string, override int, offset uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooked[hookKey(path, override, offset)]
}
