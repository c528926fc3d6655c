// Package eval wraps the term stand-in's node evaluation under an
// environment carrying optargs and the composite interruptor. Whether a
// RangeNode result is small enough to materialize as an atom or must
// become a stream is decided by the fixed smallSequenceLimit, not by
// the optargs batch size.
package eval

import (
	"fmt"

	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/stream"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// Env is the evaluation environment threaded through a single
// fill_response call: the compiled optargs and the composite
// interruptor. A full environment would also carry storage-engine
// context and a profiling trace; both are out of scope here.
type Env struct {
	Optargs     *term.Optargs
	Interruptor *interrupt.Composite
}

// Interrupted is raised when the environment's composite interruptor
// fires during evaluation.
type Interrupted struct{}

func (Interrupted) Error() string { return "interrupted" }

// ResultKind classifies what Run produced.
type ResultKind int

const (
	ResultAtom ResultKind = iota
	ResultStream
)

// Result is the outcome of evaluating a root term under Env.
type Result struct {
	Kind   ResultKind
	Datum  interface{}     // valid when Kind == ResultAtom
	Stream stream.Producer // valid when Kind == ResultStream
}

// smallSequenceLimit bounds how many RangeNode elements are considered
// "fully materializable" into a single atom response, above which the
// result becomes a stream instead.
const smallSequenceLimit = 8

// Run evaluates root under env. The caller (Ref) is responsible for the
// state transitions that follow from the result's Kind; Run only
// classifies the outcome.
func Run(env *Env, root term.Node) (Result, error) {
	select {
	case <-env.Interruptor.Done():
		return Result{}, Interrupted{}
	default:
	}

	switch n := root.(type) {
	case *term.ConstNode:
		return Result{Kind: ResultAtom, Datum: n.Value}, nil

	case *term.AddNode:
		left, err := evalScalar(env, n.Left)
		if err != nil {
			return Result{}, err
		}
		right, err := evalScalar(env, n.Right)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultAtom, Datum: left + right}, nil

	case *term.RangeNode:
		if n.Count <= smallSequenceLimit {
			items := make([]interface{}, n.Count)
			for i := 0; i < n.Count; i++ {
				items[i] = i
			}
			return Result{Kind: ResultAtom, Datum: items}, nil
		}
		return Result{Kind: ResultStream, Stream: stream.NewRangeProducer(n.Count)}, nil

	default:
		return Result{}, fmt.Errorf("query result must be of type DATUM, GROUPED_DATA, or STREAM (got %T)", root)
	}
}

func evalScalar(env *Env, n term.Node) (float64, error) {
	select {
	case <-env.Interruptor.Done():
		return 0, Interrupted{}
	default:
	}
	switch v := n.(type) {
	case *term.ConstNode:
		return v.Value, nil
	case *term.AddNode:
		l, err := evalScalar(env, v.Left)
		if err != nil {
			return 0, err
		}
		r, err := evalScalar(env, v.Right)
		if err != nil {
			return 0, err
		}
		return l + r, nil
	default:
		return 0, fmt.Errorf("expected a scalar term, got %T", n)
	}
}
