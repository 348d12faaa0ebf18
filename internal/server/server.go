package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/tbouder/echoscribe/internal/session"
)

// Handler assembles the API, websocket, and (optional) static UI routes.
// A nil staticFS serves API and websocket routes only.
func Handler(staticFS fs.FS, hub *Hub, machine *session.Machine, creds Credentials, batchRunner BatchRunner, exporter Exporter, controls ControlHooks) (http.Handler, error) {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub, machine)
	registerAPIRoutes(mux, machine, creds, batchRunner, exporter, controls)

	if staticFS != nil {
		fileServer := http.FileServer(http.FS(staticFS))
		mux.HandleFunc("/", serveSPA(fileServer))
	}

	return mux, nil
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			r.URL.Path = "/"
		} else if !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/index.html"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
