package hmap

import "github.com/pkg/errors"

var (
	// ErrStaleRef is raised when a pool block is released twice, or when a
	// handle outlives the block it referred to.
	ErrStaleRef = errors.New("hmap: stale pool reference")

	// ErrInvalidIterator is raised when the key or value of an End or
	// invalidated iterator is accessed.
	ErrInvalidIterator = errors.New("hmap: invalid iterator")
)
