package bztree

import (
	"github.com/pkg/errors"
)

const (
	// MinNodeSize and MaxNodeSize bound every node size parameter. The upper
	// bound follows from the 8-byte units the status word counts in.
	MinNodeSize = 256
	MaxNodeSize = 1024 * 1024

	// MaxKeySize caps keys regardless of node size.
	MaxKeySize = 1024
)

// Options configures tree behavior.
type Options struct {
	leafNodeSize         int // Bytes per leaf node, header included.
	splitThreshold       int // Live bytes above which a full leaf splits instead of consolidating.
	mergeThreshold       int // Live bytes below which a leaf tries to merge after a delete. 0 disables merging.
	internalNodeSize     int // Bytes per internal node, header included.
	consolidateThreshold int // Deleted bytes that trigger consolidation of a leaf.
	leafCacheSize        int // Entries in the Read hint cache. 0 disables it.
	mmapPath             string
	mmapChunkSize        int
	useMmap              bool
	logger               Logger
}

// DefaultOptions returns the classic parameter set.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		leafNodeSize:         4096,
		splitThreshold:       3072,
		mergeThreshold:       1024,
		internalNodeSize:     4096,
		consolidateThreshold: 1024,
		logger:               DiscardLogger{},
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithLeafNodeSize sets the leaf node size in bytes.
//
//goland:noinspection GoUnusedExportedFunction
func WithLeafNodeSize(n int) Option {
	return func(opts *Options) {
		opts.leafNodeSize = n
	}
}

// WithSplitThreshold sets the live size above which a full leaf is split
// rather than consolidated. Zero means the leaf node size.
//
//goland:noinspection GoUnusedExportedFunction
func WithSplitThreshold(n int) Option {
	return func(opts *Options) {
		opts.splitThreshold = n
	}
}

// WithMergeThreshold sets the live size below which a leaf tries to merge with
// a sibling after a delete. Zero disables merging.
//
//goland:noinspection GoUnusedExportedFunction
func WithMergeThreshold(n int) Option {
	return func(opts *Options) {
		opts.mergeThreshold = n
	}
}

// WithInternalNodeSize sets the internal node size in bytes.
//
//goland:noinspection GoUnusedExportedFunction
func WithInternalNodeSize(n int) Option {
	return func(opts *Options) {
		opts.internalNodeSize = n
	}
}

// WithConsolidateThreshold sets how many deleted bytes a leaf accumulates
// before it is rebuilt without them. Zero selects a quarter of the leaf size.
//
//goland:noinspection GoUnusedExportedFunction
func WithConsolidateThreshold(n int) Option {
	return func(opts *Options) {
		opts.consolidateThreshold = n
	}
}

// WithParameters applies the classic (split threshold, merge threshold, leaf
// node size) triple. Internal nodes take the leaf size as well.
//
//goland:noinspection GoUnusedExportedFunction
func WithParameters(splitThreshold, mergeThreshold, leafNodeSize int) Option {
	return func(opts *Options) {
		opts.splitThreshold = splitThreshold
		opts.mergeThreshold = mergeThreshold
		opts.leafNodeSize = leafNodeSize
		opts.internalNodeSize = leafNodeSize
		opts.consolidateThreshold = 0
	}
}

// WithLeafCache enables a hint cache of n entries mapping recently read keys
// to their leaf, letting Read skip traversal while that leaf stays live.
//
//goland:noinspection GoUnusedExportedFunction
func WithLeafCache(n int) Option {
	return func(opts *Options) {
		opts.leafCacheSize = n
	}
}

// WithMmapBlocks allocates leaf blocks from memory-mapped chunks of chunkSize
// bytes. An empty path maps anonymous memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithMmapBlocks(path string, chunkSize int) Option {
	return func(opts *Options) {
		opts.useMmap = true
		opts.mmapPath = path
		opts.mmapChunkSize = chunkSize
	}
}

// WithLogger sets the logger.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}

// validate fills derived defaults and rejects inconsistent parameters.
func (o *Options) validate() error {
	if o.leafNodeSize < MinNodeSize || o.leafNodeSize > MaxNodeSize {
		return errors.Wrapf(ErrInvalidParameter, "leaf node size %d outside [%d, %d]",
			o.leafNodeSize, MinNodeSize, MaxNodeSize)
	}
	if o.internalNodeSize < MinNodeSize || o.internalNodeSize > MaxNodeSize {
		return errors.Wrapf(ErrInvalidParameter, "internal node size %d outside [%d, %d]",
			o.internalNodeSize, MinNodeSize, MaxNodeSize)
	}
	if o.splitThreshold == 0 {
		o.splitThreshold = o.leafNodeSize
	}
	if o.splitThreshold < o.leafNodeSize/2 || o.splitThreshold > o.leafNodeSize {
		return errors.Wrapf(ErrInvalidParameter, "split threshold %d outside [%d, %d]",
			o.splitThreshold, o.leafNodeSize/2, o.leafNodeSize)
	}
	if o.mergeThreshold < 0 || o.mergeThreshold >= o.splitThreshold {
		return errors.Wrapf(ErrInvalidParameter, "merge threshold %d must be below split threshold %d",
			o.mergeThreshold, o.splitThreshold)
	}
	if o.consolidateThreshold == 0 {
		o.consolidateThreshold = o.leafNodeSize / 4
	}
	if o.consolidateThreshold < 0 {
		return errors.Wrapf(ErrInvalidParameter, "consolidate threshold %d", o.consolidateThreshold)
	}
	if o.leafCacheSize < 0 {
		return errors.Wrapf(ErrInvalidParameter, "leaf cache size %d", o.leafCacheSize)
	}
	if o.logger == nil {
		o.logger = DiscardLogger{}
	}
	return nil
}

// maxKeySize is the largest key whose record costs at most a quarter of the
// smaller node's record area, so consolidation always frees room for one more
// record and a split always yields two non-empty halves.
func (o *Options) maxKeySize() int {
	size := min(o.leafNodeSize, o.internalNodeSize)
	k := (size-headerSize)/4 - metaSize - payloadSize
	k -= k % 8
	return min(k, MaxKeySize)
}
