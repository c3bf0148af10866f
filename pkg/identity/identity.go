// Package identity holds the visitor identity state (anonymous id, user id,
// traits) in a synchronous write-through cache over a storage.Storage, so that
// an identify is visible to the very next call even when the underlying write
// has not landed yet.
package identity

// State is a point-in-time copy of the visitor identity.
type State struct {
	AnonymousID string
	UserID      string
	Traits      map[string]any
}

// legacyUserIDFields are the trait fields an older cookie schema kept the user
// id in, in lookup order.
var legacyUserIDFields = []string{"internal_id", "user_id", "id", "userId"}

// UserIDFromTraits derives a user id from traits written by an older schema.
func UserIDFromTraits(traits map[string]any) (string, bool) {
	for _, field := range legacyUserIDFields {
		if id, ok := stringValue(traits[field]); ok {
			return id, true
		}
	}
	return "", false
}

// CloneTraits returns a deep copy of traits; nested maps and slices are
// copied so callers cannot mutate cached state.
func CloneTraits(traits map[string]any) map[string]any {
	if traits == nil {
		return nil
	}
	out := make(map[string]any, len(traits))
	for k, v := range traits {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneTraits(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return formatNumber(t), true
	case int:
		return formatNumber(float64(t)), true
	case int64:
		return formatNumber(float64(t)), true
	default:
		return "", false
	}
}
