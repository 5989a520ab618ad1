// Package batch executes lists of heterogeneous ref operations. Each
// operation is authorized and executed on its own; a failure only affects
// that operation's result.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/refs"
)

const DefaultConcurrency = 16

// Kind is the operation verb.
type Kind string

const (
	KindGet    Kind = "GET"
	KindHead   Kind = "HEAD"
	KindPut    Kind = "PUT"
	KindDelete Kind = "DELETE"
)

func (k Kind) action() (access.Action, error) {
	switch k {
	case KindGet, KindHead:
		return access.ActionRead, nil
	case KindPut:
		return access.ActionWrite, nil
	case KindDelete:
		return access.ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", model.ErrInvalidName, k)
	}
}

// Op is one operation of a batch.
type Op struct {
	Op        Kind   `json:"op"`
	Namespace string `json:"namespace"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`

	// Fields projects GET results; "payload" includes the root blob.
	Fields []refs.Field `json:"fields,omitempty"`

	// PUT with Payload uploads the root blob directly; without it the
	// record is registered over BlobReferences uploaded beforehand.
	ContentHash    model.BlobID      `json:"contentHash,omitempty"`
	Payload        []byte            `json:"payload,omitempty"`
	BlobReferences []model.BlobID    `json:"blobReferences,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (op Op) name() (model.RefName, error) {
	ns, err := model.ParseNamespace(op.Namespace)
	if err != nil {
		return model.RefName{}, err
	}
	bucket, err := model.ParseBucket(op.Bucket)
	if err != nil {
		return model.RefName{}, err
	}
	key, err := model.ParseKey(op.Key)
	if err != nil {
		return model.RefName{}, err
	}
	return model.RefName{Namespace: ns, Bucket: bucket, Key: key}, nil
}

// Result is the outcome of one operation.
type Result struct {
	Index         int            `json:"index"`
	Op            Kind           `json:"op"`
	Status        int            `json:"status"`
	Record        *refs.View     `json:"record,omitempty"`
	Payload       []byte         `json:"payload,omitempty"`
	TransactionID uint64         `json:"transactionId,omitempty"`
	Deleted       *int           `json:"deleted,omitempty"`
	Error         *model.Problem `json:"error,omitempty"`
}

// RefService is the part of the ref service a batch dispatches to.
type RefService interface {
	Exists(ctx context.Context, name model.RefName) (*model.RefRecord, error)
	Get(ctx context.Context, name model.RefName, fields []refs.Field) (*refs.View, io.ReadCloser, error)
	Put(ctx context.Context, name model.RefName, contentHash model.BlobID, root io.Reader, metadata map[string]string) (refs.PutResult, error)
	PutIndirect(ctx context.Context, name model.RefName, req refs.PutIndirectRequest) (refs.PutResult, error)
	Delete(ctx context.Context, name model.RefName) (int, error)
}

// Facade runs batches against a RefService.
type Facade struct {
	refs        RefService
	gate        access.Gate
	concurrency int
	metrics     metrics.Metrics
	log         zerolog.Logger
}

type Option func(*Facade)

func WithConcurrency(n int) Option {
	return func(f *Facade) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

func New(refs RefService, gate access.Gate, opts ...Option) *Facade {
	f := &Facade{
		refs:        refs,
		gate:        gate,
		concurrency: DefaultConcurrency,
		metrics:     metrics.Noop{},
		log:         log.With().Str("component", "batch").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute runs ops concurrently and returns their results in input order.
func (f *Facade) Execute(ctx context.Context, principal access.Principal, ops []Op) []Result {
	results := make([]Result, len(ops))
	p := pool.New().WithMaxGoroutines(f.concurrency)
	for i, op := range ops {
		p.Go(func() {
			results[i] = f.run(ctx, principal, i, op)
		})
	}
	p.Wait()
	return results
}

// Stream runs ops concurrently and calls emit as each one completes. emit
// is never called concurrently.
func (f *Facade) Stream(ctx context.Context, principal access.Principal, ops []Op, emit func(Result)) {
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(f.concurrency)
	for i, op := range ops {
		p.Go(func() {
			res := f.run(ctx, principal, i, op)
			mu.Lock()
			defer mu.Unlock()
			emit(res)
		})
	}
	p.Wait()
}

func (f *Facade) run(ctx context.Context, principal access.Principal, index int, op Op) Result {
	res := f.dispatch(ctx, principal, op)
	res.Index = index
	res.Op = op.Op
	f.metrics.IncBatchOp(string(op.Op), http.StatusText(res.Status))
	return res
}

func (f *Facade) dispatch(ctx context.Context, principal access.Principal, op Op) Result {
	action, err := op.Op.action()
	if err != nil {
		return failed(err)
	}
	name, err := op.name()
	if err != nil {
		return failed(err)
	}
	if err := f.gate.Check(principal, name.Namespace, action); err != nil {
		return failed(err)
	}

	switch op.Op {
	case KindGet:
		return f.get(ctx, name, op.Fields)
	case KindHead:
		if _, err := f.refs.Exists(ctx, name); err != nil {
			return failed(err)
		}
		return Result{Status: http.StatusOK}
	case KindPut:
		return f.put(ctx, name, op)
	default:
		n, err := f.refs.Delete(ctx, name)
		if err != nil {
			return failed(err)
		}
		return Result{Status: http.StatusOK, Deleted: &n}
	}
}

func (f *Facade) get(ctx context.Context, name model.RefName, fields []refs.Field) Result {
	view, payload, err := f.refs.Get(ctx, name, fields)
	if err != nil {
		return failed(err)
	}
	res := Result{Status: http.StatusOK, Record: view}
	if payload != nil {
		defer payload.Close()
		body, err := io.ReadAll(payload)
		if err != nil {
			return failed(fmt.Errorf("read payload of %s: %w", name, err))
		}
		res.Payload = body
	}
	return res
}

func (f *Facade) put(ctx context.Context, name model.RefName, op Op) Result {
	var (
		out refs.PutResult
		err error
	)
	if op.Payload != nil {
		hash := op.ContentHash
		if hash == "" {
			hash = model.ComputeBlobID(op.Payload)
		}
		out, err = f.refs.Put(ctx, name, hash, bytes.NewReader(op.Payload), op.Metadata)
	} else {
		out, err = f.refs.PutIndirect(ctx, name, refs.PutIndirectRequest{
			ContentHash:    op.ContentHash,
			BlobReferences: op.BlobReferences,
			Metadata:       op.Metadata,
		})
	}
	if err != nil {
		return failed(err)
	}
	return Result{Status: http.StatusOK, TransactionID: out.TransactionID}
}

func failed(err error) Result {
	status, p := model.ProblemFor(err)
	// An unresolvable content id is a client error inside a batch.
	var cidErr *model.ContentIDResolveError
	if errors.As(err, &cidErr) {
		status = http.StatusBadRequest
	}
	return Result{Status: status, Error: &p}
}
