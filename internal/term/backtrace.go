package term

import "fmt"

// Backtrace is a path into the original term tree pointing at the node
// that caused a compile- or runtime-error, used to enrich error
// responses.
type Backtrace struct {
	Path []int // sequence of arg-indices from the root
}

// Empty reports whether this backtrace carries no positional
// information (the admin-kill / other-exception case always uses an
// empty backtrace).
func (b Backtrace) Empty() bool { return len(b.Path) == 0 }

func (b Backtrace) String() string {
	return fmt.Sprintf("%v", b.Path)
}

// Registry records source locations discovered during term
// preprocessing so that a later compile- or eval-exception can be
// resolved back to a position in the original term tree.
type Registry struct {
	positions map[int][]int // node position -> path from root
	next      int
}

// NewRegistry returns an empty backtrace registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[int][]int)}
}

// Annotate records that the node at the given path is assigned source
// position pos, and returns pos for convenience while walking.
func (r *Registry) Annotate(path []int) int {
	pos := r.next
	r.next++
	cp := make([]int, len(path))
	copy(cp, path)
	r.positions[pos] = cp
	return pos
}

// DatumBacktrace resolves a compiled node's position back to the
// Backtrace recorded for it. Returns an empty Backtrace if pos was
// never annotated (the raw-datum-exception case).
func (r *Registry) DatumBacktrace(pos int) Backtrace {
	path, ok := r.positions[pos]
	if !ok {
		return Backtrace{}
	}
	return Backtrace{Path: path}
}
