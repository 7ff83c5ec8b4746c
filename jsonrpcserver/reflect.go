package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrInvalidParams = errors.New("invalid params")

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  reflect.Value
}

func newMethodHandler(fn any) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	in := make([]reflect.Type, fnType.NumIn())
	for i := range in {
		in[i] = fnType.In(i)
	}
	if len(in) == 0 || in[0] != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	out := make([]reflect.Type, fnType.NumOut())
	for i := range out {
		out[i] = fnType.Out(i)
	}
	if len(out) == 0 || !out[len(out)-1].Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if len(out) > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in: in, out: out, fn: reflect.ValueOf(fn)}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.in[1:], params)
	if err != nil {
		return nil, err
	}
	args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	results := h.fn.Call(args)

	var outError error
	if last := results[len(results)-1]; !last.IsNil() {
		errVal, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outError = errVal
	}

	if len(results) == 1 {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeParams unmarshals positional params into the argument types, missing params stay zero.
func decodeParams(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, fmt.Errorf("%w: expected at most %d, got %d", ErrInvalidParams, len(in), len(params))
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: param %d: %w", ErrInvalidParams, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
