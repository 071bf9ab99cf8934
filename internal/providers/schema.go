package providers

import "reflect"

// Formats vendors accept on string-typed schema properties. Anything else is
// stripped rather than rejecting the whole request.
var allowedStringFormats = map[string]bool{
	"date-time": true,
	"enum":      true,
}

// sanitizeSchema normalizes a JSON-Schema-like tool parameter object for
// vendor consumption: unrecognized `format` values on string-typed
// properties are removed recursively. The input is never modified; the
// sanitized schema is a fresh copy, so a declaration stays intact once the
// request is issued. Tool schemas may be user- or server-supplied and can
// contain cycles (an object referencing itself directly or through a
// property); the walk maps each visited map identity to its copy, so cycles
// terminate and reproduce in the output.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeSchemaValue(schema, make(map[uintptr]map[string]any)).(map[string]any)
}

func sanitizeSchemaValue(value any, visited map[uintptr]map[string]any) any {
	switch v := value.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(v).Pointer()
		if copied, seen := visited[ptr]; seen {
			return copied
		}
		copied := make(map[string]any, len(v))
		visited[ptr] = copied

		for key, child := range v {
			copied[key] = sanitizeSchemaValue(child, visited)
		}

		if format, ok := copied["format"].(string); ok {
			if schemaType, _ := copied["type"].(string); schemaType == "string" && !allowedStringFormats[format] {
				delete(copied, "format")
			}
		}
		return copied

	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = sanitizeSchemaValue(item, visited)
		}
		return items

	default:
		return value
	}
}
