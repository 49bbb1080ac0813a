package api

import (
	"net/http"

	"github.com/seantiz/forge/internal/scheduler"
)

type resourcesResponse struct {
	Conduit   string               `json:"conduit"`
	Resources []scheduler.Resource `json:"resources"`
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, resourcesResponse{
		Conduit:   s.engine.ConduitName(),
		Resources: s.engine.Resources(),
	})
}

func (s *Server) handleListBodies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bodies.Names())
}
