package bztree

import (
	"github.com/pkg/errors"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyExists        = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyEmpty         = errors.New("key cannot be empty")
	ErrKeyTooLarge      = errors.New("key too large")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrCorrupt          = errors.New("tree invariant violated")
	ErrTreeClosed       = errors.New("tree is closed")
)

// Node-local outcomes. They drive retries and restructuring and never reach
// callers of the Tree API.
var (
	errFrozen         = errors.New("node frozen")
	errOutOfSpace     = errors.New("node out of space")
	errAlreadyDeleted = errors.New("record already deleted")
)
