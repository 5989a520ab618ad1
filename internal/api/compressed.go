package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/model"
)

type contentIDResponse struct {
	ContentID model.ContentID `json:"contentId"`
	Blobs     []model.BlobID  `json:"blobs"`
}

func (s *Server) contentTarget(r *http.Request, p httprouter.Params, action access.Action) (model.NamespaceID, model.ContentID, error) {
	ns, err := namespaceParam(p)
	if err != nil {
		return "", "", err
	}
	cid, err := model.ParseContentID(p.ByName("id"))
	if err != nil {
		return "", "", err
	}
	if err := s.allow(r, ns, action); err != nil {
		return "", "", err
	}
	return ns, cid, nil
}

// getCompressed serves a content id as a compressed buffer, or as the
// decoded payload when the client accepts only octet streams. A content id
// without mappings that names an uncompressed blob is compressed on the fly.
func (s *Server) getCompressed(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, cid, err := s.contentTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	decoded := r.Header.Get("Accept") == contentTypeBinary

	chunks, err := s.ContentIDs.Resolve(ctx, ns, cid, true)
	var resolveErr *model.ContentIDResolveError
	if errors.As(err, &resolveErr) {
		raw, rawErr := s.Blobs.GetBytes(ctx, ns, cid.AsBlob())
		if rawErr != nil {
			s.writeError(w, r, err)
			return
		}
		if decoded {
			s.writeBinary(w, contentTypeBinary, raw)
			return
		}
		s.writeBinary(w, contentTypeCFSZ, s.Compressor.Split(raw, compression.DefaultChunkSize))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if decoded {
		parts := make([][]byte, len(chunks))
		for i, id := range chunks {
			if parts[i], err = s.Blobs.GetBytes(ctx, ns, id); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		payload, err := s.Compressor.Join(parts, s.MaxBody)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("decode %s: %w", cid, err))
			return
		}
		s.writeBinary(w, contentTypeBinary, payload)
		return
	}

	// Stream the container: open every chunk to learn its size, write the
	// header, then copy the chunks through.
	readers := make([]io.ReadCloser, 0, len(chunks))
	defer func() {
		for _, rc := range readers {
			rc.Close()
		}
	}()
	sizes := make([]int64, len(chunks))
	for i, id := range chunks {
		rc, size, err := s.Blobs.Get(ctx, ns, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		readers = append(readers, rc)
		sizes[i] = size
	}

	total := int64(compression.HeaderSize(len(chunks)))
	for _, n := range sizes {
		total += n
	}
	w.Header().Set("Content-Type", contentTypeCFSZ)
	w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
	if err := compression.WriteHeader(w, sizes); err != nil {
		return
	}
	for _, rc := range readers {
		if _, err := io.Copy(w, rc); err != nil {
			return
		}
	}
}

func (s *Server) writeBinary(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) putCompressed(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, cid, err := s.contentTarget(r, p, access.ActionWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storeCompressed(w, r, ns, cid)
}

func (s *Server) postCompressed(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, err := namespaceParam(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.allow(r, ns, access.ActionWrite); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storeCompressed(w, r, ns, "")
}

// storeCompressed verifies that the buffer decodes to a payload hashing to
// cid, stores every chunk as a blob and registers the chunk list with the
// compressed size as weight. An empty cid takes the computed hash.
func (s *Server) storeCompressed(w http.ResponseWriter, r *http.Request, ns model.NamespaceID, cid model.ContentID) {
	ctx := r.Context()
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chunks, err := compression.Unpack(body)
	if err != nil {
		s.writeError(w, r, &badRequest{msg: err.Error()})
		return
	}
	payload, err := s.Compressor.Join(chunks, s.MaxBody)
	if errors.Is(err, compression.ErrTooLarge) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.writeError(w, r, &badRequest{msg: "undecodable chunk: " + err.Error()})
		return
	}

	computed := model.ContentID(model.ComputeBlobID(payload))
	if cid == "" {
		cid = computed
	}
	if computed != cid {
		s.writeError(w, r, &model.HashMismatchError{Claimed: cid.AsBlob(), Computed: computed.AsBlob()})
		return
	}

	ids := make([]model.BlobID, len(chunks))
	for i, chunk := range chunks {
		if ids[i], err = s.Blobs.PutKnownHash(ctx, ns, chunk); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.ContentIDs.PutChunks(ctx, ns, cid, ids, int64(len(body))); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contentIDResponse{ContentID: cid, Blobs: ids})
}

func (s *Server) resolveContentID(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, cid, err := s.contentTarget(r, p, access.ActionRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.ContentIDs.Resolve(r.Context(), ns, cid, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contentIDResponse{ContentID: cid, Blobs: ids})
}

func (s *Server) updateContentID(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ns, cid, err := s.contentTarget(r, p, access.ActionWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	blob, err := model.ParseBlobID(p.ByName("blob"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	weight, err := strconv.ParseInt(p.ByName("weight"), 10, 64)
	if err != nil {
		s.writeError(w, r, &badRequest{msg: "weight must be an integer"})
		return
	}
	if err := s.ContentIDs.Put(r.Context(), ns, cid, blob, weight); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
