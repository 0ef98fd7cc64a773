package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// LogRoutes writes every registered route to the standard logger
func LogRoutes(r *mux.Router) {
	var sb strings.Builder
	WriteRoutes(&sb, r)
	log.Printf("Registered routes:\n%s", sb.String())
}

// PrintRoutesHandler returns a handler function to print all routes
func PrintRoutesHandler(router *mux.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		WriteRoutes(w, router)
	}
}

// WriteRoutes prints one "METHOD\tPATH" line per handled route
func WriteRoutes(w io.Writer, router *mux.Router) {
	fmt.Fprintln(w, "METHOD\tPATH")
	router.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil || route.GetHandler() == nil {
			return nil
		}

		// If no methods are specified, assume all methods
		methodStr := "ANY"
		if methods, err := route.GetMethods(); err == nil && len(methods) > 0 {
			methodStr = strings.Join(methods, ",")
		}

		fmt.Fprintf(w, "%s\t%s\n", methodStr, pathTemplate)
		return nil
	})
}
