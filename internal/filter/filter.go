// Package filter provides expression-based admission of capture events.
//
// Operators pass an expr-lang expression evaluated per event against
// pid, tid, direction, len and truncated, e.g.:
//
//	pid == 4242 && direction == "write"
//	len > 0 && !truncated
//
// Expressions are compiled once at startup; a compile error is fatal there.
// Runtime evaluation errors fail open so a bad expression degrades to
// admitting traffic instead of silently dropping it.
package filter

import (
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/tlstap/tlstap/internal/capture"
)

// Filter decides which capture events enter the reassembly engine.
// A nil Filter admits everything.
type Filter struct {
	program  *vm.Program
	log      *zap.Logger
	admitted atomic.Uint64
	rejected atomic.Uint64
	warned   atomic.Bool
}

// exprEnv is the typed environment expressions are checked against.
func exprEnv() map[string]interface{} {
	return map[string]interface{}{
		"pid":       uint32(0),
		"tid":       int32(0),
		"direction": "",
		"len":       0,
		"truncated": false,
	}
}

// New compiles an admission expression. An empty expression returns a nil
// filter, meaning admit-all.
func New(expression string, log *zap.Logger) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	program, err := expr.Compile(expression, expr.Env(exprEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression %q: %w", expression, err)
	}
	return &Filter{program: program, log: log}, nil
}

// Admit reports whether the event should be processed.
func (f *Filter) Admit(ev *capture.Event) bool {
	if f == nil {
		return true
	}

	env := map[string]interface{}{
		"pid":       ev.PID,
		"tid":       ev.TID,
		"direction": ev.Direction.String(),
		"len":       len(ev.Payload),
		"truncated": ev.Truncated,
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		if f.warned.CompareAndSwap(false, true) {
			f.log.Warn("filter expression failed, admitting events", zap.Error(err))
		}
		f.admitted.Add(1)
		return true
	}

	if ok, _ := out.(bool); ok {
		f.admitted.Add(1)
		return true
	}
	f.rejected.Add(1)
	return false
}

// Counts returns how many events the filter admitted and rejected.
func (f *Filter) Counts() (admitted, rejected uint64) {
	if f == nil {
		return 0, 0
	}
	return f.admitted.Load(), f.rejected.Load()
}
