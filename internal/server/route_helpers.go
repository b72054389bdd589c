package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/dispatch/internal/handlers"
)

const (
	tasksPrefix       = "/api/tasks/"
	callsPrefix       = "/api/calls/"
	usageModelsPrefix = "/api/usage/models/"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method with standardized error handling
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	handler(w, r)
}

// itemPath is the part of a path below a collection prefix: /api/tasks/{ID}/{Action}
type itemPath struct {
	ID     string
	Action string
}

// parseItemPath splits the path below prefix. ok is false for deeper paths.
func parseItemPath(path, prefix string) (itemPath, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return itemPath{}, true
	}

	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return itemPath{ID: parts[0]}, true
	case 2:
		return itemPath{ID: parts[0], Action: parts[1]}, true
	default:
		return itemPath{}, false
	}
}

// Collection words that share the item slot but are not identifiers
var reservedItems = map[string]bool{
	"active":   true,
	"terminal": true,
	"totals":   true,
}

// requestItem names the task, call or model a request addresses, for request logging
func requestItem(path string) (field, id string) {
	for prefix, name := range map[string]string{
		tasksPrefix:       "task_id",
		callsPrefix:       "call_id",
		usageModelsPrefix: "model_id",
	} {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		item, ok := parseItemPath(path, prefix)
		if !ok || item.ID == "" || reservedItems[item.ID] {
			return "", ""
		}
		return name, item.ID
	}
	return "", ""
}
