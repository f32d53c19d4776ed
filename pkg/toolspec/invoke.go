package toolspec

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// InvokeFunc executes a tool against decoded arguments
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// NewInvoker compiles a definition's Func into an InvokeFunc. Arguments
// arrive as the JSON object the host validated; defaults from the
// descriptor are filled in for omitted optional parameters before the
// typed argument struct is populated.
func NewInvoker(def Definition) (InvokeFunc, error) {
	desc, err := Infer(def)
	if err != nil {
		return nil, err
	}

	argsType, _, err := callableTypes(desc.Name, def.Func)
	if err != nil {
		return nil, err
	}
	fn := reflect.ValueOf(def.Func)
	wantPtr := reflect.TypeOf(def.Func).In(1).Kind() == reflect.Pointer

	return func(ctx context.Context, args map[string]any) (any, error) {
		if args == nil {
			args = map[string]any{}
		}
		applyDefaults(desc.Params, args)

		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}

		target := reflect.New(argsType)
		if err := json.Unmarshal(raw, target.Interface()); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}

		in := target.Elem()
		if wantPtr {
			in = target
		}

		out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), in})
		if errv := out[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return out[0].Interface(), nil
	}, nil
}

// applyDefaults fills omitted optional parameters with their declared
// defaults, recursing into object parameters that were supplied.
func applyDefaults(params []ParameterSpec, args map[string]any) {
	for _, p := range params {
		v, present := args[p.Name]
		if !present {
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if p.Type == TypeObject && len(p.Fields) > 0 {
			if sub, ok := v.(map[string]any); ok {
				applyDefaults(p.Fields, sub)
			}
		}
	}
}
