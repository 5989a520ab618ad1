package model

import (
	"context"
	"errors"
	"net/http"
)

// Problem is the structured error body returned to clients.
type Problem struct {
	Title             string      `json:"title"`
	Detail            string      `json:"detail"`
	MissingBlobs      []BlobID    `json:"missingBlobs,omitempty"`
	MissingContentIDs []ContentID `json:"missingContentIds,omitempty"`
}

// ProblemFor classifies err into an HTTP status and a problem body.
func ProblemFor(err error) (int, Problem) {
	p := Problem{Detail: err.Error()}
	p.MissingBlobs, p.MissingContentIDs = MissingFromError(err)

	var (
		mismatch   *HashMismatchError
		missing    *MissingBlobsError
		refMissing *ReferenceIsMissingBlobsError
		partial    *PartialReferenceResolveError
		cidErr     *ContentIDResolveError
	)
	switch {
	case errors.As(err, &mismatch):
		p.Title = "HashMismatch"
		return http.StatusBadRequest, p
	case errors.As(err, &missing):
		p.Title = "MissingBlobs"
		return http.StatusBadRequest, p
	case errors.As(err, &partial):
		p.Title = "PartialReferenceResolve"
		return http.StatusBadRequest, p
	case errors.As(err, &refMissing):
		p.Title = "ReferenceIsMissingBlobs"
		return http.StatusBadRequest, p
	case errors.As(err, &cidErr):
		p.Title = "ContentIdResolve"
		return http.StatusNotFound, p
	case errors.Is(err, ErrBlobNotFound):
		p.Title = "BlobNotFound"
		return http.StatusNotFound, p
	case errors.Is(err, ErrRefNotFound):
		p.Title = "RefRecordNotFound"
		return http.StatusNotFound, p
	case errors.Is(err, ErrNamespaceNotFound):
		p.Title = "NamespaceNotFound"
		return http.StatusBadRequest, p
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidObject):
		p.Title = "BadRequest"
		return http.StatusBadRequest, p
	case errors.Is(err, ErrForbidden):
		p.Title = "Forbidden"
		return http.StatusForbidden, p
	case errors.Is(err, ErrClientTooSlow):
		p.Title = "ClientTooSlow"
		return http.StatusRequestTimeout, p
	case errors.Is(err, ErrTooManyRequests):
		p.Title = "TooManyRequests"
		return http.StatusTooManyRequests, p
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.Title = "Timeout"
		return http.StatusServiceUnavailable, p
	default:
		p.Title = "InternalError"
		return http.StatusInternalServerError, p
	}
}
