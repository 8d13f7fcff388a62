// Package storage reads vendor artifacts out of S3-compatible object storage.
package storage

import "time"

// Object is one listed S3 object.
type Object struct {
	Key          string    `json:"key" yaml:"key"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
}
