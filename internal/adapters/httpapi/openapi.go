package httpapi

import (
	_ "embed"
	"net/http"
)

// openAPISpec documents every route served by Handler.
//
//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns a copy of the embedded OpenAPI document.
func OpenAPISpec() []byte {
	return append([]byte(nil), openAPISpec...)
}

func serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}
