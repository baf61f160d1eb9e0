package registry

import "fmt"

const (
	UnknownStatus  = "unknown"
	sourceFallback = "fallback"
)

// StatusResolver extracts a display status from a decoded document.
type StatusResolver struct {
	Name    string
	Resolve func(doc map[string]any) (string, bool)
}

// DefaultResolvers is the lookup order used by status reports.
var DefaultResolvers = []StatusResolver{
	{Name: "process.status", Resolve: nestedField("process", "status")},
	{Name: "claim.status", Resolve: nestedField("claim", "status")},
}

// ResolveStatus returns the first status a resolver produces and the name
// of that resolver, or UnknownStatus.
func ResolveStatus(doc map[string]any, resolvers []StatusResolver) (status, source string) {
	for _, r := range resolvers {
		if v, ok := r.Resolve(doc); ok {
			return v, r.Name
		}
	}
	return UnknownStatus, sourceFallback
}

func nestedField(object, field string) func(map[string]any) (string, bool) {
	return func(doc map[string]any) (string, bool) {
		obj, ok := doc[object].(map[string]any)
		if !ok {
			return "", false
		}
		switch v := obj[field].(type) {
		case string:
			return v, v != ""
		case nil:
			return "", false
		default:
			// scalars such as `status: 3` still count as set
			return fmt.Sprint(v), true
		}
	}
}
