package api

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/julienschmidt/httprouter"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/batch"
	"github.com/aweris/cafsd/internal/refs"
)

// The streaming batch response is "CFSB" followed by one frame per result,
//
//	{index:u32}{status:u16}{len:u64}{body}
//
// and a final frame with index EndOfBatch and an empty body. A successful
// GET carries the root blob as body; failures carry the JSON problem.
var batchMagic = [4]byte{'C', 'F', 'S', 'B'}

const EndOfBatch = 0xFFFFFFFF

type batchRequest struct {
	Operations []batch.Op `json:"operations"`
}

type batchResponse struct {
	Results []batch.Result `json:"results"`
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req batchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	results := s.Batch.Execute(r.Context(), access.PrincipalFrom(r.Context()), req.Operations)
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (s *Server) streamBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req batchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	for i, op := range req.Operations {
		if op.Op != batch.KindGet {
			s.writeError(w, r, &badRequest{msg: "streaming batches only accept GET operations"})
			return
		}
		if !slices.Contains(op.Fields, refs.FieldPayload) {
			req.Operations[i].Fields = append(op.Fields, refs.FieldPayload)
		}
	}

	w.Header().Set("Content-Type", contentTypeBatch)
	w.WriteHeader(http.StatusOK)
	w.Write(batchMagic[:])

	flusher, _ := w.(http.Flusher)
	s.Batch.Stream(r.Context(), access.PrincipalFrom(r.Context()), req.Operations, func(res batch.Result) {
		body := res.Payload
		if res.Error != nil {
			body, _ = json.Marshal(res.Error)
		}
		writeFrame(w, uint32(res.Index), uint16(res.Status), body)
		if flusher != nil {
			flusher.Flush()
		}
	})
	writeFrame(w, EndOfBatch, 0, nil)
}

func writeFrame(w http.ResponseWriter, index uint32, status uint16, body []byte) {
	var hdr [14]byte
	binary.BigEndian.PutUint32(hdr[0:], index)
	binary.BigEndian.PutUint16(hdr[4:], status)
	binary.BigEndian.PutUint64(hdr[6:], uint64(len(body)))
	w.Write(hdr[:])
	w.Write(body)
}
