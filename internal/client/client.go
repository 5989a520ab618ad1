// Package client talks to a cafsd server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/refs"
)

const (
	prefix     = "/api/v1"
	headerHash = "X-Cafs-Hash"
	metaPrefix = "X-Cafs-Meta-"
)

// Error is a non-2xx answer from the server.
type Error struct {
	Status  int
	Problem model.Problem
}

func (e *Error) Error() string {
	return fmt.Sprintf("cafsd: %d %s: %s", e.Status, e.Problem.Title, e.Problem.Detail)
}

// Unwrap maps the problem title back onto the sentinel errors so callers
// can use errors.Is.
func (e *Error) Unwrap() error {
	switch e.Problem.Title {
	case "BlobNotFound":
		return model.ErrBlobNotFound
	case "RefRecordNotFound":
		return model.ErrRefNotFound
	case "NamespaceNotFound":
		return model.ErrNamespaceNotFound
	case "Forbidden":
		return model.ErrForbidden
	case "TooManyRequests":
		return model.ErrTooManyRequests
	case "MissingBlobs", "ReferenceIsMissingBlobs":
		return &model.MissingBlobsError{Blobs: e.Problem.MissingBlobs}
	}
	return nil
}

type Client struct {
	base  string
	http  *http.Client
	token string
}

type Option func(*Client)

// WithToken sends token as bearer authorization.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at baseURL (e.g. "http://cache:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimSuffix(baseURL, "/") + prefix,
		http: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &Error{Status: resp.StatusCode}
	if method != http.MethodHead {
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Problem)
	}
	if apiErr.Problem.Title == "" {
		apiErr.Problem.Title = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, header http.Header, out any) error {
	resp, err := c.do(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func refPath(name model.RefName) string {
	return "/refs/" + url.PathEscape(string(name.Namespace)) + "/" + url.PathEscape(string(name.Bucket)) + "/" + url.PathEscape(string(name.Key))
}

// PutBlob uploads data and returns its id.
func (c *Client) PutBlob(ctx context.Context, ns model.NamespaceID, data []byte) (model.BlobID, error) {
	id := model.ComputeBlobID(data)
	var out struct {
		Identifier model.BlobID `json:"identifier"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/blobs/"+string(ns)+"/"+string(id), data, nil, &out); err != nil {
		return "", err
	}
	return out.Identifier, nil
}

// GetBlob downloads a blob.
func (c *Client) GetBlob(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/blobs/"+string(ns)+"/"+string(id), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// PutRef uploads payload as the root blob of name. Metadata keys are sent
// as X-Cafs-Meta-* headers and come back lower cased.
func (c *Client) PutRef(ctx context.Context, name model.RefName, payload []byte, metadata map[string]string) (refs.PutResult, error) {
	header := http.Header{}
	header.Set(headerHash, string(model.ComputeBlobID(payload)))
	for k, v := range metadata {
		header.Set(metaPrefix+k, v)
	}
	var out refs.PutResult
	err := c.doJSON(ctx, http.MethodPut, refPath(name), payload, header, &out)
	return out, err
}

// PutRefIndirect registers a record over blobs uploaded beforehand.
func (c *Client) PutRefIndirect(ctx context.Context, name model.RefName, req refs.PutIndirectRequest) (refs.PutResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return refs.PutResult{}, err
	}
	var out refs.PutResult
	err = c.doJSON(ctx, http.MethodPut, refPath(name)+"/indirect", body, nil, &out)
	return out, err
}

// Record is a ref record projection with the optional root payload.
type Record struct {
	refs.View
	Payload []byte `json:"payload,omitempty"`
}

// GetRef fetches the requested fields of a record. Asking for
// refs.FieldPayload includes the root blob.
func (c *Client) GetRef(ctx context.Context, name model.RefName, fields ...refs.Field) (*Record, error) {
	path := refPath(name)
	if len(fields) > 0 {
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = string(f)
		}
		path += "?fields=" + url.QueryEscape(strings.Join(names, ","))
	}
	var out Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefExists reports whether name is a complete cache hit: the record
// exists and every blob it references is stored.
func (c *Client) RefExists(ctx context.Context, name model.RefName) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, refPath(name), nil, nil)
	if err == nil {
		resp.Body.Close()
		return true, nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusBadRequest) {
		return false, nil
	}
	return false, err
}

// DeleteRef removes a record and returns how many were deleted.
func (c *Client) DeleteRef(ctx context.Context, name model.RefName) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, refPath(name), nil, nil, &out)
	return out.Deleted, err
}

// List returns the keys of a bucket.
func (c *Client) List(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) ([]model.KeyID, error) {
	var out struct {
		Keys []model.KeyID `json:"keys"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/refs/"+url.PathEscape(string(ns))+"/"+url.PathEscape(string(bucket)), nil, nil, &out)
	return out.Keys, err
}
