package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// problemTypeBase prefixes every problem type URI served by the core routes.
const problemTypeBase = "https://miningops.dev/problems/"

// Problem is an RFC 7807 Problem Details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// NewProblem builds a Problem whose type and title derive from status,
// e.g. 404 yields ".../problems/not-found" titled "Not Found".
func NewProblem(status int, detail, instance string) Problem {
	title := http.StatusText(status)
	return Problem{
		Type:     problemTypeBase + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// WriteProblem writes p as application/problem+json.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound answers API paths that no core or plugin route claims.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, NewProblem(http.StatusNotFound, detail, instance))
}

// InternalError answers a request whose handler panicked.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, NewProblem(http.StatusInternalServerError, detail, instance))
}
