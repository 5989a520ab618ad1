package model

import (
	"fmt"
	"regexp"
	"strings"
)

// NamespaceID is the isolation boundary all other keys are scoped to.
type NamespaceID string

// BucketID groups ref records inside a namespace.
type BucketID string

// KeyID names a single ref record inside a bucket.
type KeyID string

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// validName rejects names made only of dots; they would address a parent
// directory in file backed stores.
func validName(s string) bool {
	return namePattern.MatchString(s) && strings.Trim(s, ".") != ""
}

func ParseNamespace(s string) (NamespaceID, error) {
	if !validName(s) {
		return "", fmt.Errorf("%w: namespace %q", ErrInvalidName, s)
	}
	return NamespaceID(s), nil
}

func ParseBucket(s string) (BucketID, error) {
	if !validName(s) {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidName, s)
	}
	return BucketID(s), nil
}

func ParseKey(s string) (KeyID, error) {
	if !validName(s) {
		return "", fmt.Errorf("%w: key %q", ErrInvalidName, s)
	}
	return KeyID(s), nil
}

func (n NamespaceID) String() string { return string(n) }
func (b BucketID) String() string    { return string(b) }
func (k KeyID) String() string       { return string(k) }

// RefName is the full address of a ref record.
type RefName struct {
	Namespace NamespaceID
	Bucket    BucketID
	Key       KeyID
}

func (r RefName) String() string {
	return string(r.Namespace) + "/" + string(r.Bucket) + "/" + string(r.Key)
}
