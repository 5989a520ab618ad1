package api

import (
	"bytes"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/refs"
)

type refResponse struct {
	*refs.View
	Payload []byte `json:"payload,omitempty"`
}

type deletedResponse struct {
	Deleted int `json:"deleted"`
}

type listResponse struct {
	Keys []model.KeyID `json:"keys"`
}

func (s *Server) refTarget(r *http.Request, p httprouter.Params, actions ...access.Action) (model.RefName, error) {
	name, err := refParam(p)
	if err != nil {
		return model.RefName{}, err
	}
	if err := s.allow(r, name.Namespace, actions...); err != nil {
		return model.RefName{}, err
	}
	return name, nil
}

// getRef returns the record projection as JSON, or with raw=true streams the
// root blob itself.
func (s *Server) getRef(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name, err := s.refTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	raw, _ := strconv.ParseBool(q.Get("raw"))
	fields, err := refs.ParseFields(q.Get("fields"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if raw {
		fields = []refs.Field{refs.FieldContentHash, refs.FieldPayload}
	}

	view, payload, err := s.Refs.Get(r.Context(), name, fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if payload == nil {
		writeJSON(w, http.StatusOK, refResponse{View: view})
		return
	}
	defer payload.Close()

	if raw {
		w.Header().Set("Content-Type", contentTypeBinary)
		w.Header().Set(HeaderHash, string(view.ContentHash))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, payload)
		return
	}
	body, err := io.ReadAll(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refResponse{View: view, Payload: body})
}

func (s *Server) headRef(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name, err := s.refTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.Refs.Exists(r.Context(), name)
	if err != nil {
		if blobs, _ := model.MissingFromError(err); len(blobs) > 0 {
			w.Header().Set("X-Cafs-Missing-Blobs", joinBlobIDs(blobs))
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(HeaderHash, string(rec.ContentHash))
	w.WriteHeader(http.StatusOK)
}

// putRef uploads the root blob from the body. The hash header is required;
// X-Cafs-Meta-* headers become metadata.
func (s *Server) putRef(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name, err := s.refTarget(r, p, access.ActionWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := model.ParseBlobID(r.Header.Get(HeaderHash))
	if err != nil {
		s.writeError(w, r, &badRequest{msg: HeaderHash + " header is required: " + err.Error()})
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Refs.Put(r.Context(), name, hash, bytes.NewReader(body), metadataFromHeaders(r.Header))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func metadataFromHeaders(h http.Header) map[string]string {
	var md map[string]string
	for k, v := range h {
		canonical := http.CanonicalHeaderKey(k)
		if !strings.HasPrefix(canonical, metaHeaderPref) || len(v) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.ToLower(strings.TrimPrefix(canonical, metaHeaderPref))] = v[0]
	}
	return md
}

func (s *Server) putRefIndirect(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name, err := s.refTarget(r, p, access.ActionWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req refs.PutIndirectRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ContentHash, err = model.ParseBlobID(string(req.ContentHash)); err != nil {
		s.writeError(w, r, err)
		return
	}
	for i, id := range req.BlobReferences {
		if req.BlobReferences[i], err = model.ParseBlobID(string(id)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.Refs.PutIndirect(r.Context(), name, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteRef(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name, err := s.refTarget(r, p, access.ActionDelete)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Refs.Delete(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bucket, err := model.ParseBucket(p.ByName("bucket"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionDelete); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Refs.DeleteBucket(r.Context(), ns, bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionDelete); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Refs.DeleteNamespace(r.Context(), ns)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

func (s *Server) listRefs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bucket, err := model.ParseBucket(p.ByName("bucket"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	keys, err := s.Refs.List(r.Context(), ns, bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Keys: keys})
}

func joinBlobIDs(ids []model.BlobID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	slices.Sort(s)
	return strings.Join(s, ",")
}
