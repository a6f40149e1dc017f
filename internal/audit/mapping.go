package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP route.
type ActionResource struct {
	Action   string
	Resource string
}

// routeOverrides name routes whose last segment is not a good action.
var routeOverrides = map[string]ActionResource{
	"POST /v1/webauthn/register": {Action: "register", Resource: "credential"},
	"POST /v1/oauth/approve":     {Action: "approve", Resource: "oauth_client"},
	"POST /v1/oauth/token":       {Action: "token", Resource: "oauth_client"},
	"GET /v1/me":                 {Action: "get", Resource: "identity"},
	"GET /v1/me/audit":           {Action: "list", Resource: "audit_log"},
}

// ParseRoute returns action and resource for an HTTP method and chi route pattern
// (e.g. "POST", "/v1/sessions/{id}/claim" gives claim on session).
// Resource is the first non-parameter segment after the version, singularized.
// Action is the trailing literal segment when one follows a parameter, otherwise a verb from the method.
func ParseRoute(method, pattern string) ActionResource {
	if ar, ok := routeOverrides[method+" "+pattern]; ok {
		return ar
	}
	var segs []string
	for _, s := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if s != "" && s != "v1" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource := singular(segs[0])
	last := segs[len(segs)-1]
	if len(segs) > 1 && !isParam(last) {
		return ActionResource{Action: strings.ReplaceAll(last, "-", "_"), Resource: resource}
	}
	return ActionResource{Action: methodToAction(method, isParam(last)), Resource: resource}
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{")
}

func singular(s string) string {
	s = strings.ReplaceAll(s, "-", "_")
	if strings.HasSuffix(s, "ies") {
		return strings.TrimSuffix(s, "ies") + "y"
	}
	return strings.TrimSuffix(s, "s")
}

func methodToAction(method string, item bool) string {
	switch method {
	case "GET":
		if item {
			return "get"
		}
		return "list"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
