package api

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Worker is the registration contract business-logic authors implement.
//
// Undertake receives the task's raw params. Implementations that need a typed
// input should convert them themselves and report failures as a
// *ParamConversionError; NewWorker does this for them.
type Worker interface {
	HandlerName() string
	Undertake(ctx context.Context, params map[string]any, logger TaskLogger) (any, error)
}

// TaskLogger is handed to handler code and records log lines against the task
// being processed.
type TaskLogger interface {
	Log(contents any)
}

// ParamConversionError reports that a task's params could not be converted
// into the handler's declared input shape. It is retried like any other
// handler failure.
type ParamConversionError struct {
	Handler string
	Err     error
}

func (e *ParamConversionError) Error() string {
	return fmt.Sprintf("convert params for handler %q: %v", e.Handler, e.Err)
}

func (e *ParamConversionError) Unwrap() error { return e.Err }

// HandlerFunc is the typed body of a worker created with NewWorker.
type HandlerFunc[T any] func(ctx context.Context, params T, logger TaskLogger) (any, error)

type typedWorker[T any] struct {
	name string
	fn   HandlerFunc[T]
}

// NewWorker registers fn under name. Params are decoded into T with weak
// typing, so numbers stored as JSON floats still land in int fields. Field
// names follow `json` struct tags.
//
//	square := api.NewWorker("square", func(ctx context.Context, p struct{ Value int `json:"value"` }, l api.TaskLogger) (any, error) {
//	    return p.Value * p.Value, nil
//	})
func NewWorker[T any](name string, fn HandlerFunc[T]) Worker {
	if name == "" {
		panic("taskworker: handler name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("taskworker: handler %q has nil function", name))
	}
	return &typedWorker[T]{name: name, fn: fn}
}

func (w *typedWorker[T]) HandlerName() string { return w.name }

func (w *typedWorker[T]) Undertake(ctx context.Context, params map[string]any, logger TaskLogger) (any, error) {
	in, err := ConvertParams[T](params)
	if err != nil {
		return nil, &ParamConversionError{Handler: w.name, Err: err}
	}
	return w.fn(ctx, in, logger)
}

// ConvertParams decodes raw task params into T.
func ConvertParams[T any](params map[string]any) (T, error) {
	var out T
	if m, ok := any(&out).(*map[string]any); ok {
		*m = params
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
		),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(params); err != nil {
		return out, err
	}
	return out, nil
}
