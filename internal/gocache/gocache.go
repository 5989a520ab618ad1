// Package gocache implements the GOCACHEPROG protocol of the go command on
// top of a cafsd server, so builds on different machines share one cache.
//
// Each action is stored as the ref record <namespace>/<bucket>/<action id>
// whose root blob is the action output and whose "output" metadata is the
// output id. Outputs are mirrored into a local directory because the go
// command reads them from disk.
package gocache

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/client"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/refs"
)

type Cmd string

const (
	CmdGet   Cmd = "get"
	CmdPut   Cmd = "put"
	CmdClose Cmd = "close"
)

const outputMetaKey = "output"

type Request struct {
	ID       int64  `json:"ID"`
	Command  Cmd    `json:"Command"`
	ActionID []byte `json:"ActionID,omitempty"`
	OutputID []byte `json:"OutputID,omitempty"`
	BodySize int64  `json:"BodySize,omitempty"`
}

type Response struct {
	ID            int64      `json:"ID"`
	Miss          bool       `json:"Miss,omitempty"`
	OutputID      []byte     `json:"OutputID,omitempty"`
	DiskPath      string     `json:"DiskPath,omitempty"`
	Size          int64      `json:"Size,omitempty"`
	Time          *time.Time `json:"Time,omitempty"`
	Err           string     `json:"Err,omitempty"`
	KnownCommands []Cmd      `json:"KnownCommands,omitempty"`
}

// Remote is the part of the cafsd client the cache needs.
type Remote interface {
	GetRef(ctx context.Context, name model.RefName, fields ...refs.Field) (*client.Record, error)
	PutRef(ctx context.Context, name model.RefName, payload []byte, metadata map[string]string) (refs.PutResult, error)
}

type Cache struct {
	remote    Remote
	namespace model.NamespaceID
	bucket    model.BucketID
	dir       string
}

// New creates a cache storing records in ns/bucket and outputs under dir.
func New(remote Remote, ns model.NamespaceID, bucket model.BucketID, dir string) (*Cache, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{remote: remote, namespace: ns, bucket: bucket, dir: dir}, nil
}

// Run serves requests from r until a close command or EOF.
func (c *Cache) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	if err := enc.Encode(Response{KnownCommands: []Cmd{CmdGet, CmdPut, CmdClose}}); err != nil {
		return err
	}

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var body []byte
		if req.Command == CmdPut && req.BodySize > 0 {
			var bodyBase64 string
			if err := dec.Decode(&bodyBase64); err != nil {
				return err
			}
			var err error
			body, err = base64.StdEncoding.DecodeString(bodyBase64)
			if err != nil {
				return err
			}
		}

		resp := c.handle(ctx, req, body)
		if err := enc.Encode(resp); err != nil {
			return err
		}

		if req.Command == CmdClose {
			return nil
		}
	}
}

func (c *Cache) handle(ctx context.Context, req Request, body []byte) Response {
	switch req.Command {
	case CmdGet:
		return c.get(ctx, req)
	case CmdPut:
		return c.put(ctx, req, body)
	case CmdClose:
		return Response{ID: req.ID}
	default:
		return Response{ID: req.ID, Err: "unknown command"}
	}
}

func (c *Cache) name(actionID []byte) model.RefName {
	return model.RefName{Namespace: c.namespace, Bucket: c.bucket, Key: model.KeyID(hex.EncodeToString(actionID))}
}

// get reports a miss for anything short of a complete hit; remote errors
// are logged rather than failing the build.
func (c *Cache) get(ctx context.Context, req Request) Response {
	rec, err := c.remote.GetRef(ctx, c.name(req.ActionID), refs.FieldMetadata, refs.FieldCreatedAt, refs.FieldPayload)
	if err != nil {
		if !errors.Is(err, model.ErrRefNotFound) {
			log.Warn().Err(err).Hex("action", req.ActionID).Msg("cache lookup failed")
		}
		return Response{ID: req.ID, Miss: true}
	}

	outputID, err := hex.DecodeString(rec.Metadata[outputMetaKey])
	if err != nil || len(outputID) == 0 {
		return Response{ID: req.ID, Miss: true}
	}
	path, err := c.write(outputID, rec.Payload)
	if err != nil {
		return Response{ID: req.ID, Err: err.Error()}
	}
	return Response{
		ID:       req.ID,
		OutputID: outputID,
		DiskPath: path,
		Size:     int64(len(rec.Payload)),
		Time:     rec.CreatedAt,
	}
}

func (c *Cache) put(ctx context.Context, req Request, body []byte) Response {
	if body == nil {
		body = []byte{}
	}
	path, err := c.write(req.OutputID, body)
	if err != nil {
		return Response{ID: req.ID, Err: err.Error()}
	}
	meta := map[string]string{outputMetaKey: hex.EncodeToString(req.OutputID)}
	if _, err := c.remote.PutRef(ctx, c.name(req.ActionID), body, meta); err != nil {
		// The local copy still serves this build.
		log.Warn().Err(err).Hex("action", req.ActionID).Msg("cache upload failed")
	}
	return Response{ID: req.ID, DiskPath: path, Size: int64(len(body))}
}

// write stores an output under its id unless it is already there.
func (c *Cache) write(outputID, data []byte) (string, error) {
	path := filepath.Join(c.dir, hex.EncodeToString(outputID))
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
		return path, nil
	}
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
