package cafsd

import (
	"errors"

	"github.com/aweris/cafsd/internal/model"
)

var (
	ErrNoRemote = errors.New("cafsd: no remote configured")

	ErrBlobNotFound      = model.ErrBlobNotFound
	ErrNamespaceNotFound = model.ErrNamespaceNotFound
	ErrRefNotFound       = model.ErrRefNotFound
	ErrInvalidName       = model.ErrInvalidName
	ErrForbidden         = model.ErrForbidden
	ErrClientTooSlow     = model.ErrClientTooSlow
	ErrTooManyRequests   = model.ErrTooManyRequests
	ErrInvalidObject     = model.ErrInvalidObject
)

type (
	HashMismatchError            = model.HashMismatchError
	MissingBlobsError            = model.MissingBlobsError
	ContentIDResolveError        = model.ContentIDResolveError
	PartialReferenceResolveError = model.PartialReferenceResolveError
	ReferenceIsMissingBlobsError = model.ReferenceIsMissingBlobsError
)
