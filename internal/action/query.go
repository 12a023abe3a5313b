package action

import (
	"fmt"
	"net/url"
	"strconv"
)

// BuildQuery serializes leftover parameters for GET/DELETE forwards.
// Scalar arrays repeat the key, arrays of objects flatten to indexed dotted
// keys (attrs[0].id=5), plain objects flatten to dotted keys, and nil values
// are omitted entirely. Returns the encoded query without a leading "?".
func BuildQuery(params map[string]any) string {
	values := url.Values{}
	for key, value := range params {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case []any:
			for i, item := range v {
				if item == nil {
					continue
				}
				if obj, ok := item.(map[string]any); ok {
					for prop, pv := range obj {
						if pv == nil {
							continue
						}
						values.Add(fmt.Sprintf("%s[%d].%s", key, i, prop), stringify(pv))
					}
				} else {
					values.Add(key, stringify(item))
				}
			}
		case map[string]any:
			for prop, pv := range v {
				if pv == nil {
					continue
				}
				values.Add(key+"."+prop, stringify(pv))
			}
		default:
			values.Add(key, stringify(value))
		}
	}
	return values.Encode()
}

// stringify renders a decoded JSON value the way the client's String() did:
// integral floats without a trailing ".0".
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
