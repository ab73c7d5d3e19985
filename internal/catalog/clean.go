package catalog

import "strings"

// CleanStrings recursively strips NUL bytes from every string value in a
// decoded JSON payload, in place. Postgres rejects U+0000 inside jsonb, and
// remote payloads do occasionally carry it.
func CleanStrings(data map[string]interface{}) {
	for key, value := range data {
		data[key] = cleanValue(value)
	}
}

func cleanValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if strings.ContainsRune(v, 0) {
			return strings.ReplaceAll(v, "\x00", "")
		}
		return v
	case map[string]interface{}:
		CleanStrings(v)
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = cleanValue(item)
		}
		return v
	default:
		return value
	}
}
