// Package resourcestore holds what the record stores share.
package resourcestore

import "errors"

var ErrNotFound = errors.New("record not found")
