package discover

import (
	"encoding/json"
	"strings"

	"planscraper/internal/attachment"
)

var nestedListKeys = []string{"Items", "Result", "Data", "List"}
var topLevelListKeys = []string{"Attachments", "Items", "Data", "List"}

func field(v any, key string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if inner, ok := m[key]; ok {
		return inner
	}
	for k, inner := range m {
		if strings.EqualFold(k, key) {
			return inner
		}
	}
	return nil
}

func asList(v any) ([]any, bool) {
	list, ok := v.([]any)
	return list, ok && len(list) > 0
}

// findList looks for the attachment array in a listing body whose exact
// shape varies between portal versions.
func findList(decoded any) []any {
	if list, ok := asList(decoded); ok {
		return list
	}

	result := field(decoded, "Result")
	if list, ok := asList(result); ok {
		return list
	}
	attachments := field(result, "Attachments")
	if list, ok := asList(attachments); ok {
		return list
	}
	for _, key := range nestedListKeys {
		if list, ok := asList(field(attachments, key)); ok {
			return list
		}
	}

	for _, key := range topLevelListKeys {
		if list, ok := asList(field(decoded, key)); ok {
			return list
		}
	}
	return nil
}

// ParsePayload extracts attachment records from an attachment listing body.
// Bodies that are not JSON or hold no recognizable list yield nothing.
func ParsePayload(body []byte) []attachment.Record {
	var decoded any
	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return nil
	}
	return fromValues(findList(decoded))
}

func fromValues(values []any) []attachment.Record {
	var out []attachment.Record
	for _, v := range values {
		record, ok := attachment.FromValue(v)
		if ok {
			out = append(out, record)
		}
	}
	return out
}
