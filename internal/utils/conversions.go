package utils

import "strings"

// ToStringSlice keeps the string elements of slice, trimmed.
func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0, len(slice))
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, strings.TrimSpace(s))
		}
	}
	return stringSlice
}

// StringList reads a list-valued column: a []string, a []any of strings or
// a comma-separated string. Anything else is an empty list.
func StringList(v any) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, 0, len(list))
		for _, s := range list {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	case []any:
		return ToStringSlice(list)
	case string:
		if strings.TrimSpace(list) == "" {
			return []string{}
		}
		return ToStringSlice(toAnySlice(strings.Split(list, ",")))
	}
	return []string{}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
