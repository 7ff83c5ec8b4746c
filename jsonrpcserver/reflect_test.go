package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey string

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

type dummyStruct struct {
	Field int `json:"field"`
}

func TestNewMethodHandler(t *testing.T) {
	handler, err := newMethodHandler(func(ctx context.Context, arg1 int, arg2 float32) error { return nil })
	require.NoError(t, err)
	require.Len(t, handler.in, 3)
	require.Len(t, handler.out, 1)

	_, err = newMethodHandler(func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = newMethodHandler(42)
	require.ErrorIs(t, err, ErrNotFunction)

	_, err = newMethodHandler(func(arg1 int) error { return nil })
	require.ErrorIs(t, err, ErrMustHaveContext)

	_, err = newMethodHandler(func(ctx context.Context, arg1 int) (int, float32) { return 0, 0 })
	require.ErrorIs(t, err, ErrMustReturnError)

	_, err = newMethodHandler(func(ctx context.Context) (int, float32, error) { return 0, 0, nil })
	require.ErrorIs(t, err, ErrTooManyReturnValues)
}

func TestDecodeParams(t *testing.T) {
	handler, err := newMethodHandler(func(context.Context, string, []int, dummyStruct) error { return nil })
	require.NoError(t, err)

	args, err := decodeParams(handler.in[1:], rawParams(`["mainnet", [2, 3, 5], {"field": 11}]`))
	require.NoError(t, err)
	require.Len(t, args, 3)
	require.Equal(t, "mainnet", args[0].Interface())
	require.Equal(t, []int{2, 3, 5}, args[1].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[2].Interface())

	args, err = decodeParams(handler.in[1:], rawParams(`["mainnet"]`))
	require.NoError(t, err)
	require.Nil(t, args[1].Interface())
	require.Equal(t, dummyStruct{}, args[2].Interface(), "missing params are zero values")

	_, err = decodeParams(handler.in[1:], rawParams(`["a", [], {}, 1]`))
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = decodeParams(handler.in[1:], rawParams(`[1]`))
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestMethodHandler_Call(t *testing.T) {
	errorOut := errors.New("function error") //nolint:goerr113
	checkCtx := func(ctx context.Context) {
		value, _ := ctx.Value(ctxKey("key")).(string)
		require.Equal(t, "value", value)
	}

	testCases := map[string]struct {
		function      interface{}
		args          string
		expectedValue interface{}
		expectedError error
	}{
		"with result": {
			function: func(ctx context.Context, arg int) (dummyStruct, error) {
				checkCtx(ctx)
				return dummyStruct{arg}, nil
			},
			args:          `[1]`,
			expectedValue: dummyStruct{1},
		},
		"with error": {
			function: func(ctx context.Context, arg int) (dummyStruct, error) {
				checkCtx(ctx)
				return dummyStruct{}, errorOut
			},
			args:          `[0]`,
			expectedValue: dummyStruct{},
			expectedError: errorOut,
		},
		"no args": {
			function: func(ctx context.Context) (dummyStruct, error) {
				checkCtx(ctx)
				return dummyStruct{1}, nil
			},
			args:          `[]`,
			expectedValue: dummyStruct{1},
		},
		"no result": {
			function: func(ctx context.Context, arg int) error {
				checkCtx(ctx)
				return nil
			},
			args: `[1]`,
		},
		"no result with error": {
			function: func(ctx context.Context, arg int) error {
				checkCtx(ctx)
				return errorOut
			},
			args:          `[1]`,
			expectedError: errorOut,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			handler, err := newMethodHandler(testCase.function)
			require.NoError(t, err)

			ctx := context.WithValue(context.Background(), ctxKey("key"), "value")
			result, err := handler.call(ctx, rawParams(testCase.args))
			if testCase.expectedError == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.expectedError)
			}
			require.Equal(t, testCase.expectedValue, result)
		})
	}
}
