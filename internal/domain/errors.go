package domain

import "errors"

var (
	ErrStoreNotFound    = errors.New("store not found")
	ErrStoreNotActive   = errors.New("store is not active")
	ErrRunInProgress    = errors.New("sync run already in progress for store")
	ErrRunNotInProgress = errors.New("sync run is not in progress")
	ErrInvalidRecord    = errors.New("invalid product record")
	ErrRunTimedOut      = errors.New("sync run timed out")
)
