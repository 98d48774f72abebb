package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/napi-network/napi/pkg/util"
)

// Kind classifies a store failure.
type Kind string

const (
	KindNotFound       Kind = "NotFound"
	KindEtagConflict   Kind = "EtagConflict"
	KindBucketNotFound Kind = "BucketNotFound"
	KindUnavailable    Kind = "Unavailable"
	KindInvalidQuery   Kind = "InvalidQuery"
)

// Error is a classified store failure carrying the bucket and key it
// applies to, where known. The provisioning engine uses the {bucket,
// key} context of etag conflicts to decide which selection to retry.
type Error struct {
	Kind   Kind
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("store %s", e.Kind)
	if e.Bucket != "" {
		msg += " [" + e.Bucket
		if e.Key != "" {
			msg += "/" + e.Key
		}
		msg += "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindNotFound, KindBucketNotFound:
		return util.ErrNotFound
	case KindEtagConflict:
		return util.ErrEtagConflict
	case KindUnavailable:
		return util.ErrUnavailable
	case KindInvalidQuery:
		return util.ErrInvalidQuery
	}
	return e.Err
}

func notFound(bucket, key string) *Error {
	return &Error{Kind: KindNotFound, Bucket: bucket, Key: key}
}

func bucketNotFound(bucket string) *Error {
	return &Error{Kind: KindBucketNotFound, Bucket: bucket}
}

func etagConflict(bucket, key string) *Error {
	return &Error{Kind: KindEtagConflict, Bucket: bucket, Key: key}
}

func invalidQuery(bucket string, err error) *Error {
	return &Error{Kind: KindInvalidQuery, Bucket: bucket, Err: err}
}

func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Err: err}
}

// IsNotFound reports whether err is a store NotFound.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && (se.Kind == KindNotFound || se.Kind == KindBucketNotFound)
}

// IsEtagConflict reports whether err is an etag conflict.
func IsEtagConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindEtagConflict
}

// ConflictContext returns the {bucket, key} of an etag conflict, or
// ok=false when err is not one.
func ConflictContext(err error) (bucket, key string, ok bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindEtagConflict {
		return se.Bucket, se.Key, true
	}
	return "", "", false
}

func newRandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in no state to serve
		panic(err)
	}
	return hex.EncodeToString(b)
}
