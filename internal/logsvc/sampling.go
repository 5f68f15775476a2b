// Package logsvc holds LogService decorators and persistent LogService
// backends that also serve the read-only query projection.
package logsvc

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/petrijr/taskworker/pkg/api"
)

// Predicate decides whether a task's log events are kept.
type Predicate func(api.Task) bool

// SampleAll keeps every task.
func SampleAll() Predicate { return func(api.Task) bool { return true } }

// SampleNone drops every task.
func SampleNone() Predicate { return func(api.Task) bool { return false } }

// SampleRate keeps roughly the given fraction of tasks. The decision is a
// hash of the task id, so every attempt of a task is sampled the same way.
func SampleRate(rate float64) Predicate {
	switch {
	case rate >= 1:
		return SampleAll()
	case rate <= 0:
		return SampleNone()
	}
	threshold := uint64(rate * float64(1<<32))
	return func(t api.Task) bool {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t.TaskID))
		return h.Sum64()&0xffffffff < threshold
	}
}

// SampleHandlers keeps tasks addressed to one of the named handlers.
func SampleHandlers(names ...string) Predicate {
	names = slices.Clone(names)
	return func(t api.Task) bool {
		return slices.Contains(names, t.Handler)
	}
}

// SampleCEL compiles a CEL expression over the task. The expression sees
// task_id, batch_id, handler, remaining_attempts and params, and must yield a
// bool. An empty expression keeps every task. Evaluation errors drop the task.
//
//	handler == "square" && params.value > 2
func SampleCEL(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return SampleAll(), nil
	}

	env, err := cel.NewEnv(
		cel.Variable("task_id", cel.StringType),
		cel.Variable("batch_id", cel.StringType),
		cel.Variable("handler", cel.StringType),
		cel.Variable("remaining_attempts", cel.IntType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile sampling expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("sampling expression must return bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	return func(t api.Task) bool {
		params := t.Params
		if params == nil {
			params = map[string]any{}
		}
		out, _, err := prog.Eval(map[string]any{
			"task_id":            t.TaskID,
			"batch_id":           t.BatchID,
			"handler":            t.Handler,
			"remaining_attempts": int64(t.RemainingAttempts),
			"params":             params,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// SamplingLogService filters a delegate's task events per task. The
// predicate runs once, at TaskStarted, and its decision is kept on the
// TaskContext, keyed by this decorator, for the Log and TaskCompleted calls
// of the same task.
// Heartbeats always pass.
//
// Calls whose context carries no decision, such as TaskCompleted for a task
// that never started, are passed through.
type SamplingLogService struct {
	delegate  api.LogService
	predicate Predicate
}

// NewSamplingLogService wraps delegate. A nil predicate keeps everything.
func NewSamplingLogService(delegate api.LogService, predicate Predicate) *SamplingLogService {
	if predicate == nil {
		predicate = SampleAll()
	}
	return &SamplingLogService{delegate: delegate, predicate: predicate}
}

var _ api.LogService = (*SamplingLogService)(nil)

func (s *SamplingLogService) TaskStarted(ctx context.Context, tc *api.TaskContext, rec api.TaskRecord) error {
	sampled := s.predicate(rec.Task)
	if tc != nil {
		tc.SetSampled(s, sampled)
	}
	if !sampled {
		return nil
	}
	return s.delegate.TaskStarted(ctx, tc, rec)
}

func (s *SamplingLogService) Log(ctx context.Context, tc *api.TaskContext, line api.TaskLog) error {
	if !s.passes(tc) {
		return nil
	}
	return s.delegate.Log(ctx, tc, line)
}

func (s *SamplingLogService) TaskCompleted(ctx context.Context, tc *api.TaskContext, rec api.TaskRecord) error {
	if !s.passes(tc) {
		return nil
	}
	return s.delegate.TaskCompleted(ctx, tc, rec)
}

func (s *SamplingLogService) WorkerHeartbeat(ctx context.Context, hb api.WorkerHeartbeat) error {
	return s.delegate.WorkerHeartbeat(ctx, hb)
}

func (s *SamplingLogService) passes(tc *api.TaskContext) bool {
	if tc == nil {
		return true
	}
	sampled, decided := tc.Sampled(s)
	return !decided || sampled
}

// SampleAllOf keeps a task only if every predicate keeps it.
func SampleAllOf(preds ...Predicate) Predicate {
	preds = slices.DeleteFunc(slices.Clone(preds), func(p Predicate) bool { return p == nil })
	return func(t api.Task) bool {
		for _, p := range preds {
			if !p(t) {
				return false
			}
		}
		return true
	}
}
