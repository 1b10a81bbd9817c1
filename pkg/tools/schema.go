package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// mustSchema reflects a JSON schema from a typed args struct. Built-in
// tools declare their args as structs with json and jsonschema tags;
// a reflection failure is a programming error, so this panics at
// construction time rather than returning an error on every call.
func mustSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// decodeArgs maps a validated args object onto the tool's typed args
// struct. Unknown keys are ignored; the model sometimes invents extras.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("failed to build args decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return out, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}

// validateArgs checks an incoming args object against a tool schema:
// required properties must be present and every supplied property must
// have a compatible JSON type. Nested object schemas are not walked;
// built-in tools take flat argument objects.
func validateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	properties, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required parameter: %s", name)
			}
		}
	}

	for name, value := range args {
		propAny, ok := properties[name]
		if !ok {
			continue
		}
		prop, _ := propAny.(map[string]any)
		wantType, _ := prop["type"].(string)
		if wantType == "" || value == nil {
			continue
		}
		if !typeMatches(wantType, value) {
			return fmt.Errorf("parameter %s must be of type %s", name, wantType)
		}
	}
	return nil
}

func typeMatches(wantType string, value any) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		// json.Unmarshal yields float64 for every numeric literal.
		if f, ok := value.(float64); ok {
			return f == float64(int64(f))
		}
		return isNumber(value)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}
