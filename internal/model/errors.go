package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBlobNotFound      = errors.New("blob not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrRefNotFound       = errors.New("ref record not found")
	ErrInvalidName       = errors.New("invalid name")
	ErrForbidden         = errors.New("forbidden")
	ErrClientTooSlow     = errors.New("client sent request body too slowly")
	ErrTooManyRequests   = errors.New("storage is overloaded, retry later")
	ErrInvalidObject     = errors.New("invalid object encoding")
)

// HashMismatchError reports uploaded bytes whose hash differs from the
// hash the caller claimed.
type HashMismatchError struct {
	Claimed  BlobID
	Computed BlobID
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: claimed %s, computed %s", e.Claimed, e.Computed)
}

// MissingBlobsError lists every referenced blob that is not stored.
type MissingBlobsError struct {
	Blobs []BlobID
}

func (e *MissingBlobsError) Error() string {
	return "missing blobs: " + joinIDs(e.Blobs)
}

// ContentIDResolveError is returned when no candidate chunk set of a
// content id is fully present.
type ContentIDResolveError struct {
	ContentID ContentID
}

func (e *ContentIDResolveError) Error() string {
	return "unable to resolve content id " + string(e.ContentID)
}

// PartialReferenceResolveError lists every content id an object walk could
// not resolve.
type PartialReferenceResolveError struct {
	ContentIDs []ContentID
}

func (e *PartialReferenceResolveError) Error() string {
	ids := make([]string, len(e.ContentIDs))
	for i, c := range e.ContentIDs {
		ids[i] = string(c)
	}
	return "unresolved content ids: " + strings.Join(ids, ",")
}

// ReferenceIsMissingBlobsError lists every blob an object walk found
// referenced but absent.
type ReferenceIsMissingBlobsError struct {
	Blobs []BlobID
}

func (e *ReferenceIsMissingBlobsError) Error() string {
	return "references missing blobs: " + joinIDs(e.Blobs)
}

func joinIDs(ids []BlobID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ",")
}

// MissingFromError extracts the complete list of missing blobs and
// unresolved content ids carried by err, looking through joined errors.
func MissingFromError(err error) (blobs []BlobID, contentIDs []ContentID) {
	var missing *MissingBlobsError
	if errors.As(err, &missing) {
		blobs = append(blobs, missing.Blobs...)
	}
	var refMissing *ReferenceIsMissingBlobsError
	if errors.As(err, &refMissing) {
		blobs = append(blobs, refMissing.Blobs...)
	}
	var partial *PartialReferenceResolveError
	if errors.As(err, &partial) {
		contentIDs = append(contentIDs, partial.ContentIDs...)
	}
	var cid *ContentIDResolveError
	if errors.As(err, &cid) {
		contentIDs = append(contentIDs, cid.ContentID)
	}
	return blobs, contentIDs
}
