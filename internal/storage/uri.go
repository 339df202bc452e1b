package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/objectfs/demuxer/pkg/errors"
)

// Supported URI schemes.
const (
	SchemeS3   = "s3"
	SchemeGCS  = "gs"
	SchemeFile = "file"
)

// URI addresses an object, a prefix, or a local path. For local paths Bucket
// is empty and Key holds the filesystem path.
type URI struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseURI parses s3://bucket/key, gs://bucket/key, file:///path or a plain path.
func ParseURI(s string) (URI, error) {
	if s == "" {
		return URI{}, errors.NewError(errors.ErrCodeInvalidURI, "empty storage location")
	}

	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		return URI{Scheme: SchemeFile, Key: filepath.Clean(s)}, nil
	}

	switch scheme {
	case SchemeS3, SchemeGCS:
		parts := strings.SplitN(rest, "/", 2)
		if parts[0] == "" {
			return URI{}, errors.NewError(errors.ErrCodeInvalidURI,
				fmt.Sprintf("%s has no bucket", s))
		}
		u := URI{Scheme: scheme, Bucket: parts[0]}
		if len(parts) == 2 {
			u.Key = parts[1]
		}
		return u, nil
	case SchemeFile:
		if rest == "" {
			return URI{}, errors.NewError(errors.ErrCodeInvalidURI, fmt.Sprintf("%s has no path", s))
		}
		return URI{Scheme: SchemeFile, Key: filepath.Clean(rest)}, nil
	default:
		return URI{}, errors.NewError(errors.ErrCodeInvalidURI,
			fmt.Sprintf("unsupported scheme %q in %s", scheme, s))
	}
}

// MustParseURI is ParseURI for constants and tests.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsLocal reports whether the URI is a filesystem path.
func (u URI) IsLocal() bool {
	return u.Scheme == SchemeFile
}

// String renders the URI in the form ParseURI accepts. Local paths render bare.
func (u URI) String() string {
	if u.IsLocal() {
		return u.Key
	}
	return u.Scheme + "://" + u.Bucket + "/" + u.Key
}

// Join appends path elements to the key.
func (u URI) Join(elem ...string) URI {
	out := u
	if u.IsLocal() {
		out.Key = filepath.Join(append([]string{u.Key}, elem...)...)
		return out
	}
	joined := path.Join(append([]string{u.Key}, elem...)...)
	out.Key = strings.TrimPrefix(joined, "/")
	return out
}

// Base returns the last element of the key.
func (u URI) Base() string {
	if u.IsLocal() {
		return filepath.Base(u.Key)
	}
	return path.Base(strings.TrimSuffix(u.Key, "/"))
}

// DirPrefix returns the key as a listing prefix ending in a separator, or
// "" for a bucket root.
func (u URI) DirPrefix() string {
	if u.Key == "" || strings.HasSuffix(u.Key, "/") {
		return u.Key
	}
	return u.Key + "/"
}

// IsDirLike reports whether the key names a directory by convention.
func (u URI) IsDirLike() bool {
	return u.Key == "" || strings.HasSuffix(u.Key, "/")
}
