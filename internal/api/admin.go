package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/model"
)

// allNamespaces is the namespace admin-wide actions are checked against.
const allNamespaces model.NamespaceID = "*"

type rollupResponse struct {
	Written int `json:"written"`
	Failed  int `json:"failed"`
}

func (s *Server) forceRollup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.allow(r, allNamespaces, access.ActionAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	written, failed := s.Rollup.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, rollupResponse{Written: written, Failed: failed})
}

func (s *Server) forceCleanup(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Cleaner.Sweep(r.Context(), ns)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}
