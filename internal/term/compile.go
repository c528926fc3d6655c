package term

import "fmt"

// CompileError carries a message and a (possibly empty) Backtrace,
// the COMPILE_ERROR wire kind.
type CompileError struct {
	Message   string
	Backtrace Backtrace
}

func (e *CompileError) Error() string { return e.Message }

// Storage is the compiled form of one token's term tree: term_storage.
// Preprocess builds it from a Raw tree, annotating the backtrace
// registry as it walks.
type Storage struct {
	Root Node
	Reg  *Registry
}

// Preprocess walks the raw term tree, annotating every node's source
// position into a fresh Registry, and returns the still-uncompiled
// Storage.
func Preprocess(raw Raw) (*Storage, error) {
	reg := NewRegistry()
	node, err := annotate(raw, reg, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{Root: node, Reg: reg}, nil
}

func annotate(raw Raw, reg *Registry, path []int) (Node, error) {
	pos := reg.Annotate(path)

	switch raw.Op {
	case KindConst:
		return &ConstNode{Value: raw.Num, pos: pos}, nil

	case KindAdd:
		if len(raw.Args) != 2 {
			return nil, &CompileError{
				Message:   "add takes exactly 2 arguments",
				Backtrace: reg.DatumBacktrace(pos),
			}
		}
		left, err := annotate(raw.Args[0], reg, append(path, 0))
		if err != nil {
			return nil, err
		}
		right, err := annotate(raw.Args[1], reg, append(path, 1))
		if err != nil {
			return nil, err
		}
		return &AddNode{Left: left, Right: right, pos: pos}, nil

	case KindRange:
		if len(raw.Args) != 1 {
			return nil, &CompileError{
				Message:   "range takes exactly 1 argument",
				Backtrace: reg.DatumBacktrace(pos),
			}
		}
		count, err := annotate(raw.Args[0], reg, append(path, 0))
		if err != nil {
			return nil, err
		}
		c, ok := count.(*ConstNode)
		if !ok {
			return nil, &CompileError{
				Message:   "range argument must be a constant",
				Backtrace: reg.DatumBacktrace(pos),
			}
		}
		return &RangeNode{Count: int(c.Value), pos: pos}, nil

	default:
		return nil, &CompileError{
			Message:   errUnknownOp(raw.Op).Error(),
			Backtrace: reg.DatumBacktrace(pos),
		}
	}
}

// CompileEnv is the fresh compile environment each create() runs the
// root term through. This stand-in performs a trivial type-check pass:
// every AddNode's children must resolve to a scalar-producing node
// (ConstNode or AddNode), never a RangeNode, since the toy evaluator
// has no way to add a stream.
type CompileEnv struct{}

// NewCompileEnv returns a fresh compile environment.
func NewCompileEnv() *CompileEnv { return &CompileEnv{} }

// Compile type-checks storage.Root under env, returning a CompileError
// with backtrace on failure. A RangeNode is accepted as the root; only
// AddNode operands must be scalar.
func (env *CompileEnv) Compile(s *Storage) error {
	if _, ok := s.Root.(*RangeNode); ok {
		return nil
	}
	return checkScalar(s.Root, s.Reg)
}

func checkScalar(n Node, reg *Registry) error {
	switch v := n.(type) {
	case *ConstNode:
		return nil
	case *AddNode:
		if err := checkScalar(v.Left, reg); err != nil {
			return err
		}
		return checkScalar(v.Right, reg)
	case *RangeNode:
		return &CompileError{
			Message:   "cannot use a stream as an argument to add",
			Backtrace: reg.DatumBacktrace(n.Pos()),
		}
	default:
		return &CompileError{Message: fmt.Sprintf("unsupported node %T", n)}
	}
}
