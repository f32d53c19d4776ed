package toolspec

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// maxNesting bounds recursive decomposition of composite parameter types.
// Hitting it almost always means a self-referential struct.
const maxNesting = 16

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Infer derives a Descriptor from a tool definition. It is a pure
// transform: the same definition always yields a structurally identical
// descriptor, because parameters follow struct declaration order.
//
// Func must be func(context.Context, Args) (Ret, error) with Args a
// struct. Args fields become parameters: the name comes from the json tag
// (or the lower-cased field name), the description from the description
// tag or ParamDocs, a default from the default tag. Pointer fields and
// fields with a default are optional; everything else is required.
func Infer(def Definition) (*Descriptor, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, schemaErr(def.Name, "", "tool name must not be empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return nil, schemaErr(name, "", "tool name must not contain whitespace")
	}

	argsType, retType, err := callableTypes(name, def.Func)
	if err != nil {
		return nil, err
	}

	params, err := structFields(name, "", argsType, 0)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{
		Name:        name,
		Description: strings.TrimSpace(def.Doc),
		Params:      params,
	}

	if retType != nil {
		ret, err := returnSpec(name, retType)
		if err != nil {
			return nil, err
		}
		desc.Returns = ret
	}

	// Strict consistency check: documentation for a parameter that does
	// not exist in the signature would mislead the model.
	for path, text := range def.ParamDocs {
		spec := findParam(desc.Params, strings.Split(path, "."))
		if spec == nil {
			return nil, schemaErr(name, path, "documentation references a parameter not present in the signature")
		}
		spec.Description = strings.TrimSpace(text)
	}

	return desc, nil
}

// callableTypes validates the shape of Func and returns its argument
// struct type and result type.
func callableTypes(tool string, fn any) (reflect.Type, reflect.Type, error) {
	if fn == nil {
		return nil, nil, schemaErr(tool, "", "definition has no Func")
	}
	t := reflect.TypeOf(fn)
	if t.Kind() != reflect.Func {
		return nil, nil, schemaErr(tool, "", "Func must be a function, got %s", t.Kind())
	}
	if t.NumIn() != 2 || t.In(0) != ctxType {
		return nil, nil, schemaErr(tool, "", "Func must take (context.Context, Args)")
	}
	args := t.In(1)
	if args.Kind() == reflect.Pointer {
		args = args.Elem()
	}
	if args.Kind() != reflect.Struct {
		return nil, nil, schemaErr(tool, "", "Args must be a struct, got %s", args.Kind())
	}
	if t.NumOut() != 2 || t.Out(1) != errType {
		return nil, nil, schemaErr(tool, "", "Func must return (Ret, error)")
	}
	return args, t.Out(0), nil
}

// structFields decomposes a struct type into an ordered parameter list.
func structFields(tool, prefix string, t reflect.Type, depth int) ([]ParameterSpec, error) {
	if depth > maxNesting {
		return nil, schemaErr(tool, prefix, "parameter nesting exceeds %d levels (self-referential type?)", maxNesting)
	}

	var specs []ParameterSpec
	seen := map[string]string{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omit := fieldName(field)
		if omit {
			continue
		}

		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		norm := strings.ToLower(name)
		if prev, dup := seen[norm]; dup {
			return nil, schemaErr(tool, path, "name collides with parameter %q after normalization", prev)
		}
		seen[norm] = name

		spec, optional, err := fieldSpec(tool, path, field.Type, depth)
		if err != nil {
			return nil, err
		}
		spec.Name = name
		spec.Description = field.Tag.Get("description")
		spec.Required = !optional

		if raw, ok := field.Tag.Lookup("default"); ok {
			def, err := parseDefault(tool, path, spec.Type, raw)
			if err != nil {
				return nil, err
			}
			spec.Default = def
			spec.Required = false
		}

		specs = append(specs, *spec)
	}

	return specs, nil
}

// fieldSpec resolves a single field type into a ParameterSpec shell. The
// second result reports whether the type itself makes the parameter
// optional (pointer types do).
func fieldSpec(tool, path string, t reflect.Type, depth int) (*ParameterSpec, bool, error) {
	optional := false
	for t.Kind() == reflect.Pointer {
		optional = true
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &ParameterSpec{Type: TypeString}, optional, nil

	case reflect.Bool:
		return &ParameterSpec{Type: TypeBoolean}, optional, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &ParameterSpec{Type: TypeInteger}, optional, nil

	case reflect.Float32, reflect.Float64:
		return &ParameterSpec{Type: TypeNumber}, optional, nil

	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte marshals as a base64 string
			return &ParameterSpec{Type: TypeString}, optional, nil
		}
		item, _, err := fieldSpec(tool, path+"[]", t.Elem(), depth+1)
		if err != nil {
			return nil, false, err
		}
		return &ParameterSpec{Type: TypeArray, Items: item}, optional, nil

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, false, schemaErr(tool, path, "map keys must be strings, got %s", t.Key().Kind())
		}
		// Open object: values are not enumerable as fields
		return &ParameterSpec{Type: TypeObject}, optional, nil

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &ParameterSpec{Type: TypeString}, optional, nil
		}
		fields, err := structFields(tool, path, t, depth+1)
		if err != nil {
			return nil, false, err
		}
		return &ParameterSpec{Type: TypeObject, Fields: fields}, optional, nil

	default:
		return nil, false, schemaErr(tool, path, "no resolvable type for %s", t.Kind())
	}
}

// returnSpec resolves the result type of the callable. Returns are
// documentation only, so an any result is allowed and documented as an
// open value.
func returnSpec(tool string, t reflect.Type) (*ReturnSpec, error) {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return &ReturnSpec{Type: TypeObject}, nil
	}
	spec, _, err := fieldSpec(tool, "(return)", t, 0)
	if err != nil {
		return nil, err
	}
	return &ReturnSpec{Type: spec.Type, Fields: spec.Fields, Items: spec.Items}, nil
}

func fieldName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return strings.ToLower(field.Name[:1]) + field.Name[1:], false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return "", true
	}
	if name == "" {
		return strings.ToLower(field.Name[:1]) + field.Name[1:], false
	}
	return name, false
}

// parseDefault turns a default struct tag into a typed value.
func parseDefault(tool, path string, pt ParamType, raw string) (any, error) {
	switch pt {
	case TypeString:
		return raw, nil
	case TypeBoolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, schemaErr(tool, path, "invalid boolean default %q", raw)
		}
		return v, nil
	case TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, schemaErr(tool, path, "invalid integer default %q", raw)
		}
		return v, nil
	case TypeNumber:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, schemaErr(tool, path, "invalid number default %q", raw)
		}
		return v, nil
	default:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, schemaErr(tool, path, "invalid %s default %q: must be JSON", pt, raw)
		}
		return v, nil
	}
}

// findParam walks a parameter tree along a dotted path.
func findParam(specs []ParameterSpec, path []string) *ParameterSpec {
	if len(path) == 0 {
		return nil
	}
	for i := range specs {
		if specs[i].Name != path[0] {
			continue
		}
		if len(path) == 1 {
			return &specs[i]
		}
		if specs[i].Type == TypeArray && specs[i].Items != nil {
			return findParam(specs[i].Items.Fields, path[1:])
		}
		return findParam(specs[i].Fields, path[1:])
	}
	return nil
}
