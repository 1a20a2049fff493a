// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reply

import (
	"fmt"
	"math"
)

// validateFinalOutput checks a final_output call's arguments against a
// recipe's declared response schema, using the subset of JSON Schema
// ("required", "properties.*.type") a recipe realistically declares.
// Returns "" when args satisfy the schema, or a human-readable violation
// otherwise so it can be relayed back to the model as a tool error for a
// retry, rather than silently accepting a malformed final answer.
func validateFinalOutput(schema map[string]any, args map[string]any) string {
	if schema == nil {
		return ""
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Sprintf("missing required field %q", name)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, val := range args {
		propSchema, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesSchemaType(val, wantType) {
			return fmt.Sprintf("field %q: expected type %q", name, wantType)
		}
	}
	return ""
}

func matchesSchemaType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == math.Trunc(n)
		case int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
