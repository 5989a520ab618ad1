package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/model"
)

type blobResponse struct {
	Identifier model.BlobID `json:"identifier"`
}

type existsRequest struct {
	IDs []model.BlobID `json:"ids"`
}

type existsResponse struct {
	Missing []model.BlobID `json:"missing"`
}

type referencesResponse struct {
	References []model.BlobID `json:"references"`
}

func (s *Server) blobTarget(r *http.Request, p httprouter.Params, action access.Action) (model.NamespaceID, model.BlobID, error) {
	ns, err := namespaceParam(p)
	if err != nil {
		return "", "", err
	}
	id, err := model.ParseBlobID(p.ByName("id"))
	if err != nil {
		return "", "", err
	}
	if err := s.allow(r, ns, action); err != nil {
		return "", "", err
	}
	return ns, id, nil
}

func (s *Server) headBlob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, id, err := s.blobTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.Blobs.Exists(r.Context(), ns, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, id, err := s.blobTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, size, err := s.Blobs.Get(r.Context(), ns, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set(HeaderHash, string(id))

	// Seekable backends stream and serve ranges directly. The others
	// stream whole bodies and buffer only for range requests.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}
	if r.Header.Get("Range") != "" {
		data, err := io.ReadAll(rc)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("read blob %s: %w", id, err))
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Str("blob", string(id)).Msg("blob stream interrupted")
	}
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, id, err := s.blobTarget(r, p, access.ActionWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if h := r.Header.Get(HeaderHash); h != "" {
		claimed, err := model.ParseBlobID(h)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if claimed != id {
			s.writeError(w, r, &badRequest{msg: fmt.Sprintf("%s header %s does not match path %s", HeaderHash, claimed, id)})
			return
		}
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Blobs.Put(r.Context(), ns, bytes.NewReader(data), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blobResponse{Identifier: id})
}

// postBlob stores a blob under the hash in the hash header, or under its
// computed hash when the header is absent.
func (s *Server) postBlob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var id model.BlobID
	if h := r.Header.Get(HeaderHash); h != "" {
		claimed, perr := model.ParseBlobID(h)
		if perr != nil {
			s.writeError(w, r, perr)
			return
		}
		id, err = s.Blobs.Put(r.Context(), ns, bytes.NewReader(data), claimed)
	} else {
		id, err = s.Blobs.PutKnownHash(r.Context(), ns, data)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blobResponse{Identifier: id})
}

// existsBlobs takes ids from the JSON body or repeated id query parameters
// and returns the missing ones.
func (s *Server) existsBlobs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req existsRequest
	if raw := r.URL.Query()["id"]; len(raw) > 0 {
		for _, v := range raw {
			id, err := model.ParseBlobID(v)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			req.IDs = append(req.IDs, id)
		}
	} else if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	for i, id := range req.IDs {
		parsed, err := model.ParseBlobID(string(id))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.IDs[i] = parsed
	}

	missing, err := s.Blobs.ExistsMany(r.Context(), ns, req.IDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if missing == nil {
		missing = []model.BlobID{}
	}
	writeJSON(w, http.StatusOK, existsResponse{Missing: missing})
}

func (s *Server) blobReferences(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, id, err := s.blobTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refs, err := s.resolveBlob(r.Context(), ns, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if refs == nil {
		refs = []model.BlobID{}
	}
	writeJSON(w, http.StatusOK, referencesResponse{References: refs})
}

func (s *Server) resolveBlob(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]model.BlobID, error) {
	root, err := s.Blobs.GetBytes(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	return s.Resolver.Resolve(ctx, ns, root)
}
