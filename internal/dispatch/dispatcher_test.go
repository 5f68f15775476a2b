package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/taskworker/internal/recorder"
	"github.com/petrijr/taskworker/internal/taskhandle"
	"github.com/petrijr/taskworker/internal/taskstore"
	"github.com/petrijr/taskworker/pkg/api"
)

type squareParams struct {
	Value int `json:"value"`
}

var errAlways = errors.New("unmotivated")

func testWorkers() map[string]api.Worker {
	workers := []api.Worker{
		api.NewWorker("square", func(_ context.Context, p squareParams, l api.TaskLogger) (any, error) {
			l.Log("squaring")
			return p.Value * p.Value, nil
		}),
		api.NewWorker("unmotivated", func(context.Context, map[string]any, api.TaskLogger) (any, error) {
			return nil, errAlways
		}),
		api.NewWorker("panics", func(context.Context, map[string]any, api.TaskLogger) (any, error) {
			panic("kaboom")
		}),
		api.NewWorker("mutates", func(_ context.Context, p map[string]any, _ api.TaskLogger) (any, error) {
			p["value"] = "changed"
			return nil, errAlways
		}),
	}
	m := make(map[string]api.Worker, len(workers))
	for _, w := range workers {
		m[w.HandlerName()] = w
	}
	return m
}

type DispatcherSuite struct {
	suite.Suite

	journal *recorder.Journal
	store   *recorder.Store
	inner   *taskstore.MemoryStore
	logs    *recorder.LogService
	d       *Dispatcher
}

func (s *DispatcherSuite) SetupTest() {
	s.journal = &recorder.Journal{}
	s.inner = taskstore.NewMemoryStore()
	s.store = recorder.NewStore(s.inner, s.journal)
	s.logs = recorder.NewLogService(s.journal)
	s.d = New(testWorkers(), s.logs)
}

// dispatch puts task, claims it and runs it through the dispatcher.
func (s *DispatcherSuite) dispatch(task api.Task) *taskhandle.Handle {
	ctx := context.Background()
	s.Require().NoError(s.store.PutTask(ctx, task))
	claimed, err := s.store.ClaimAvailableTask(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)

	h := taskhandle.New(*claimed, s.store, "w1", taskhandle.WithRetryPolicy(taskhandle.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsed:      100 * time.Millisecond,
	}))
	s.d.Handle(ctx, h)
	return h
}

func (s *DispatcherSuite) TestSquareCompletesAndCloses() {
	h := s.dispatch(api.Task{TaskID: "t1", Handler: "square", RemainingAttempts: 2, Params: map[string]any{"value": 3}})

	s.Equal([]string{"claim:t1", "started:t1", "log:t1", "completed:t1", "close:t1"}, s.journal.Entries())
	s.Require().Len(s.logs.Completed(), 1)
	s.Equal(9, s.logs.Completed()[0].Result)
	s.Equal("w1", s.logs.Completed()[0].WorkerID)
	s.Equal("squaring", s.logs.Logs()[0].Contents)
	s.Equal(taskhandle.Completed, h.Resolution())
	s.Equal(0, s.inner.Len())
}

func (s *DispatcherSuite) TestMissingHandlerIsAbandoned() {
	h := s.dispatch(api.Task{TaskID: "t1", Handler: "missing", RemainingAttempts: 5})

	s.Equal([]string{"claim:t1", "completed_error:t1", "close:t1"}, s.journal.Entries())
	s.Zero(s.journal.Count("requeue:"))
	s.Require().Len(s.logs.Completed(), 1)
	s.Contains(s.logs.Completed()[0].Error, api.ErrUnknownHandler.Error())
	s.Equal(taskhandle.Abandoned, h.Resolution())
}

func (s *DispatcherSuite) TestFailingHandlerOnLastAttemptIsClosed() {
	h := s.dispatch(api.Task{TaskID: "t1", Handler: "unmotivated", RemainingAttempts: 1})

	s.Equal([]string{"claim:t1", "started:t1", "completed_error:t1", "close:t1"}, s.journal.Entries())
	s.Zero(s.journal.Count("requeue:"))
	s.Equal(errAlways.Error(), s.logs.Completed()[0].Error)
	s.Equal(taskhandle.Abandoned, h.Resolution())
}

func (s *DispatcherSuite) TestFailingHandlerIsRequeuedUntilExhausted() {
	ctx := context.Background()
	s.dispatch(api.Task{TaskID: "t1", Handler: "unmotivated", RemainingAttempts: 3})

	for {
		task, err := s.store.ClaimAvailableTask(ctx)
		s.Require().NoError(err)
		if task == nil {
			break
		}
		s.d.Handle(ctx, taskhandle.New(*task, s.store, "w1"))
	}

	s.Equal([]string{
		"claim:t1", "started:t1", "completed_error:t1", "requeue:t1:2",
		"claim:t1", "started:t1", "completed_error:t1", "requeue:t1:1",
		"claim:t1", "started:t1", "completed_error:t1", "close:t1",
	}, s.journal.Entries())
	s.Equal(0, s.inner.Len())
}

func (s *DispatcherSuite) TestConversionErrorIsRetried() {
	s.dispatch(api.Task{TaskID: "t1", Handler: "square", RemainingAttempts: 2, Params: map[string]any{"value": "not a number"}})

	s.Equal([]string{"claim:t1", "started:t1", "completed_error:t1", "requeue:t1:1"}, s.journal.Entries())
	s.Contains(s.logs.Completed()[0].Error, "convert params")
}

func (s *DispatcherSuite) TestPanicBecomesHandlerError() {
	h := s.dispatch(api.Task{TaskID: "t1", Handler: "panics", RemainingAttempts: 1})

	s.Equal([]string{"claim:t1", "started:t1", "completed_error:t1", "close:t1"}, s.journal.Entries())
	s.Contains(s.logs.Completed()[0].Error, api.ErrHandlerPanic.Error())
	s.True(h.Resolved())
}

func (s *DispatcherSuite) TestHandlerCannotMutateRequeuedParams() {
	ctx := context.Background()
	s.dispatch(api.Task{TaskID: "t1", Handler: "mutates", RemainingAttempts: 2, Params: map[string]any{"value": 1}})

	task, err := s.store.ClaimAvailableTask(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(task)
	s.Equal(1, task.Params["value"])
}

func (s *DispatcherSuite) TestLogFailuresDoNotBlockResolution() {
	s.logs.FailWith(errors.New("index unavailable"))

	h := s.dispatch(api.Task{TaskID: "t1", Handler: "square", RemainingAttempts: 2, Params: map[string]any{"value": 2}})

	s.Equal([]string{"claim:t1", "started:t1", "log:t1", "completed:t1", "close:t1"}, s.journal.Entries())
	s.Equal(taskhandle.Completed, h.Resolution())
}

// panickingLogs fails hard on TaskCompleted.
type panickingLogs struct{ api.NoopLogService }

func (panickingLogs) TaskCompleted(context.Context, *api.TaskContext, api.TaskRecord) error {
	panic("log backend exploded")
}

func (s *DispatcherSuite) TestGuardResolvesAfterUnexpectedPanic() {
	s.d = New(testWorkers(), panickingLogs{})

	h := s.dispatch(api.Task{TaskID: "t1", Handler: "square", RemainingAttempts: 2, Params: map[string]any{"value": 2}})

	s.True(h.Resolved())
	s.Equal(taskhandle.Requeued, h.Resolution())
	s.Equal([]string{"claim:t1", "requeue:t1:1"}, s.journal.Entries())
}

func (s *DispatcherSuite) TestSampledOutTaskStillResolves() {
	ctx := context.Background()
	var seen *api.TaskContext
	s.d = New(testWorkers(), contextSpy{seen: &seen})

	s.dispatch(api.Task{TaskID: "t1", Handler: "square", RemainingAttempts: 1, Params: map[string]any{"value": 4}})
	s.Require().NotNil(seen)
	s.Equal("t1", seen.Task.TaskID)
	s.Equal("w1", seen.WorkerID)

	task, err := s.store.ClaimAvailableTask(ctx)
	s.Require().NoError(err)
	s.Nil(task)
}

// contextSpy records the TaskContext handed to TaskStarted.
type contextSpy struct {
	api.NoopLogService
	seen **api.TaskContext
}

func (c contextSpy) TaskStarted(_ context.Context, tc *api.TaskContext, _ api.TaskRecord) error {
	*c.seen = tc
	tc.SetSampled(c.seen, false)
	return nil
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}
