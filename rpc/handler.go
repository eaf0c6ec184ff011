package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// MethodHandler is the uniform shape every registered method is reduced
// to, whatever its original typed signature looked like.
type MethodHandler func(ctx context.Context, meta Meta, params Params) (any, error)

// NotificationHandler is the uniform shape every registered notification
// is reduced to. It has no result, matching notifications never
// receiving a response.
type NotificationHandler func(ctx context.Context, meta Meta, params Params) error

var (
	errType  = reflect.TypeOf((*error)(nil)).Elem()
	ctxType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	metaType = reflect.TypeOf(Meta(nil))
)

const optionalTypeNamePrefix = "Optional["

// Optional wraps a trailing handler parameter that is allowed to be
// missing from the call's params, per the trailing-optional-parameter
// rule: a handler may omit its last argument from an array-params call,
// or omit the corresponding key from a map-params call, and still be
// invoked, receiving the zero Optional in that case.
type Optional[T any] struct {
	Value   T
	Present bool
}

// Some builds a populated Optional.
func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Present: true} }

func isOptionalType(t reflect.Type) bool {
	name := t.Name()
	return t.Kind() == reflect.Struct && len(name) >= len(optionalTypeNamePrefix) && name[:len(optionalTypeNamePrefix)] == optionalTypeNamePrefix
}

// AdaptMethod builds a MethodHandler from fn, which must be a function
// shaped func(context.Context, [Meta,] args...) (Result, error), where
// args are zero or more JSON-decodable parameters and the trailing one
// may be an Optional[T]. It panics if fn's shape is invalid, since that
// is a registration-time programmer error, never a wire condition.
func AdaptMethod(fn any) MethodHandler {
	fv := reflect.ValueOf(fn)
	ft := validateHandlerType(fv, true)

	in, wantsMeta := splitSignature(ft)

	return func(ctx context.Context, meta Meta, params Params) (any, error) {
		args, err := decodeArgs(in, params)
		if err != nil {
			return nil, err
		}
		callArgs := buildCallArgs(fv, ctx, meta, wantsMeta, args)
		out := fv.Call(callArgs)
		result := out[0].Interface()
		if errVal := out[1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		return result, nil
	}
}

// AdaptNotification builds a NotificationHandler from fn, shaped like
// AdaptMethod's fn but returning only error.
func AdaptNotification(fn any) NotificationHandler {
	fv := reflect.ValueOf(fn)
	ft := validateHandlerType(fv, false)

	in, wantsMeta := splitSignature(ft)

	return func(ctx context.Context, meta Meta, params Params) error {
		args, err := decodeArgs(in, params)
		if err != nil {
			return err
		}
		callArgs := buildCallArgs(fv, ctx, meta, wantsMeta, args)
		out := fv.Call(callArgs)
		if errVal := out[0]; !errVal.IsNil() {
			return errVal.Interface().(error)
		}
		return nil
	}
}

func validateHandlerType(fv reflect.Value, hasResult bool) reflect.Type {
	if fv.Kind() != reflect.Func {
		panic(fmt.Sprintf("rpc: handler must be a function, got %s", fv.Kind()))
	}
	ft := fv.Type()
	if ft.NumIn() < 1 || ft.In(0) != ctxType {
		panic("rpc: handler's first parameter must be context.Context")
	}
	wantResults := 1
	if hasResult {
		wantResults = 2
	}
	if ft.NumOut() != wantResults || ft.Out(wantResults-1) != errType {
		panic("rpc: handler's last return value must be error")
	}
	return ft
}

// splitSignature reports the handler's JSON-decodable parameter types
// (excluding context.Context and an optional Meta second parameter) and
// whether the handler wants Meta injected.
func splitSignature(ft reflect.Type) (params []reflect.Type, wantsMeta bool) {
	start := 1
	if ft.NumIn() > 1 && ft.In(1) == metaType {
		wantsMeta = true
		start = 2
	}
	for i := start; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	return params, wantsMeta
}

func buildCallArgs(fv reflect.Value, ctx context.Context, meta Meta, wantsMeta bool, decoded []reflect.Value) []reflect.Value {
	args := make([]reflect.Value, 0, fv.Type().NumIn())
	args = append(args, reflect.ValueOf(ctx))
	if wantsMeta {
		args = append(args, reflect.ValueOf(meta))
	}
	args = append(args, decoded...)
	return args
}

// decodeArgs converts params (array- or map-shaped, or empty) into
// reflect.Values matching want, applying the trailing-optional and
// empty-params rules.
func decodeArgs(want []reflect.Type, params Params) ([]reflect.Value, error) {
	if len(want) == 0 {
		// Empty-params rule: a zero-arg handler accepts absent params and
		// an empty array/object, but rejects params carrying real values.
		if !params.IsEmpty() {
			if arr, err := params.Array(); err == nil && len(arr) > 0 {
				return nil, InvalidParams("method takes no parameters")
			}
			if m, err := params.Map(); err == nil && len(m) > 0 {
				return nil, InvalidParams("method takes no parameters")
			}
		}
		return nil, nil
	}

	if params.IsObject() {
		return decodeMapArgs(want, params)
	}
	return decodeArrayArgs(want, params)
}

func decodeArrayArgs(want []reflect.Type, params Params) ([]reflect.Value, error) {
	var raw []json.RawMessage
	if !params.IsEmpty() {
		var err error
		raw, err = params.Array()
		if err != nil {
			return nil, InvalidParams(err.Error())
		}
	}

	lastOptional := isOptionalType(want[len(want)-1])
	minArgs := len(want)
	if lastOptional {
		minArgs--
	}
	if len(raw) < minArgs {
		return nil, InvalidParams(fmt.Sprintf("expected at least %d parameter(s), got %d", minArgs, len(raw)))
	}
	if len(raw) > len(want) {
		return nil, InvalidParams(fmt.Sprintf("expected at most %d parameter(s), got %d", len(want), len(raw)))
	}

	out := make([]reflect.Value, len(want))
	for i, t := range want {
		if i >= len(raw) {
			// Trailing optional omitted entirely.
			out[i] = reflect.Zero(t)
			continue
		}
		v, err := decodeOne(t, raw[i])
		if err != nil {
			return nil, InvalidParams(err.Error())
		}
		out[i] = v
	}
	return out, nil
}

func decodeMapArgs(want []reflect.Type, params Params) ([]reflect.Value, error) {
	if len(want) != 1 {
		return nil, InvalidParams("method does not accept named parameters")
	}
	t := want[0]
	structType := t
	ptr := false
	if structType.Kind() == reflect.Ptr {
		structType = structType.Elem()
		ptr = true
	}
	if structType.Kind() != reflect.Struct || isOptionalType(structType) {
		return nil, InvalidParams("method does not accept named parameters")
	}

	fields, err := params.Map()
	if err != nil {
		return nil, InvalidParams(err.Error())
	}

	dest := reflect.New(structType)
	if len(fields) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           dest.Interface(),
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, InternalError(err)
		}
		if err := dec.Decode(fields); err != nil {
			return nil, InvalidParams(err.Error())
		}
	}

	if ptr {
		return []reflect.Value{dest}, nil
	}
	return []reflect.Value{dest.Elem()}, nil
}

func decodeOne(t reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	if isOptionalType(t) {
		return decodeOptional(t, raw)
	}
	dest := reflect.New(t)
	if err := json.Unmarshal(raw, dest.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return dest.Elem(), nil
}

func decodeOptional(t reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	inner := t.Field(0).Type // Value T
	dest := reflect.New(inner)
	if err := json.Unmarshal(raw, dest.Interface()); err != nil {
		return reflect.Value{}, err
	}
	opt := reflect.New(t).Elem()
	opt.Field(0).Set(dest.Elem())
	opt.Field(1).Set(reflect.ValueOf(true))
	return opt, nil
}
