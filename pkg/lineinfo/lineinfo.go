// Package lineinfo maps bytecode offsets to source lines and back.
// Both directions scan the proc's disassembly for line annotation
// instructions; a Resolver adds proc lookup and a disassembly cache on
// top of the pure scans.
package lineinfo

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/silkvm/silkdbg/pkg/logflags"
	"github.com/silkvm/silkdbg/pkg/vm"
)

// DefaultCacheSize is the number of proc disassemblies a Resolver
// retains.
const DefaultCacheSize = 64

// LineForOffset returns the source line in effect at the given
// bytecode offset: the line of the most recent annotation at or before
// an instruction whose offset matches exactly. The second result is
// false if no instruction has that offset or no annotation precedes
// it.
func LineForOffset(dism []vm.Instr, offset uint32) (uint32, bool) {
	var line uint32
	haveLine := false
	for _, instr := range dism {
		if instr.Line >= 0 {
			line = uint32(instr.Line)
			haveLine = true
		}
		if instr.Offset == offset {
			return line, haveLine
		}
	}
	return 0, false
}

// OffsetForLine returns the offset of the instruction immediately
// following the first annotation for the given line. The second result
// is false if the line has no annotation or the annotation has no
// successor.
func OffsetForLine(dism []vm.Instr, line uint32) (uint32, bool) {
	atLine := false
	for _, instr := range dism {
		if atLine {
			return instr.Offset, true
		}
		if instr.Line >= 0 && uint32(instr.Line) == line {
			atLine = true
		}
	}
	return 0, false
}

// Resolver answers offset/line queries against an interpreter,
// caching disassemblies. Caching also keeps line queries stable after
// a trap has patched the instruction at the queried offset.
type Resolver struct {
	interp vm.Interp
	cache  *lru.Cache
	log    *logrus.Entry
}

// NewResolver returns a Resolver over interp. cacheSize <= 0 selects
// DefaultCacheSize.
func NewResolver(interp vm.Interp, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New(cacheSize)
	return &Resolver{
		interp: interp,
		cache:  cache,
		log:    logflags.LineinfoLogger(),
	}
}

func procKey(path string, override int) string {
	return fmt.Sprintf("%s#%d", path, override)
}

// disassembly resolves the proc and returns its decoded instructions.
// Disassembly failures mid-function are tolerated: the prefix decoded
// before the failure is cached and used.
func (r *Resolver) disassembly(path string, override int) ([]vm.Instr, bool) {
	key := procKey(path, override)
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]vm.Instr), true
	}
	proc, ok := r.interp.FindProc(path, override)
	if !ok {
		return nil, false
	}
	dism, err := proc.Disassemble()
	if err != nil {
		r.log.Debugf("partial disassembly of %s: %v", key, err)
	}
	r.cache.Add(key, dism)
	return dism, true
}

// LineForOffset resolves the proc and runs the offset scan. The second
// result is false if the proc cannot be resolved.
func (r *Resolver) LineForOffset(path string, override int, offset uint32) (uint32, bool) {
	dism, ok := r.disassembly(path, override)
	if !ok {
		return 0, false
	}
	return LineForOffset(dism, offset)
}

// OffsetForLine resolves the proc and runs the line scan.
func (r *Resolver) OffsetForLine(path string, override int, line uint32) (uint32, bool) {
	dism, ok := r.disassembly(path, override)
	if !ok {
		return 0, false
	}
	return OffsetForLine(dism, line)
}

// Invalidate drops the cached disassembly for a proc. Call it when the
// target program redefines the proc.
func (r *Resolver) Invalidate(path string, override int) {
	r.cache.Remove(procKey(path, override))
}
