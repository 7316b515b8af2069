package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

// mountedPlugin caches the router built for one plugin instance. A reload
// replaces the instance and the router is rebuilt on the next request.
type mountedPlugin struct {
	ext    extension.Extension
	router http.Handler
}

// handleListPlugins lists loaded plugins and whether they serve routes.
func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name   string `json:"name"`
		Routes bool   `json:"routes"`
	}
	plugins := []entry{}
	if s.plugins != nil {
		for _, name := range s.plugins.Names() {
			ext, ok := s.plugins.Get(name)
			if !ok {
				continue
			}
			_, routes := ext.(plugin.RouteProvider)
			plugins = append(plugins, entry{Name: name, Routes: routes})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins, "count": len(plugins)})
}

// handlePlugin forwards /api/v1/plugins/{module}/... to the plugin's router.
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	router, ok := s.pluginRouter(module)
	if !ok {
		writeNotFound(w, "plugin not loaded: "+module)
		return
	}

	// Route the remainder of the path inside the plugin's router, the way
	// chi's Mount does.
	rctx := chi.RouteContext(r.Context())
	rctx.RoutePath = "/" + chi.URLParam(r, "*")
	router.ServeHTTP(w, r)
}

// pluginRouter returns the router for a loaded plugin that provides routes.
func (s *Server) pluginRouter(module string) (http.Handler, bool) {
	if s.plugins == nil {
		return nil, false
	}
	ext, ok := s.plugins.Get(module)
	if !ok {
		return nil, false
	}
	provider, ok := ext.(plugin.RouteProvider)
	if !ok {
		return nil, false
	}

	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	if m, ok := s.pluginRoutes[module]; ok && m.ext == ext {
		return m.router, true
	}
	r := chi.NewRouter()
	provider.Routes(r)
	s.pluginRoutes[module] = mountedPlugin{ext: ext, router: r}
	s.logger.Debug("plugin routes mounted", "plugin", module)
	return r, true
}
