// Package diag adapts the heap's GC and allocation events to
// commonlog, the same structured logging package the language server
// uses, so an embedder gets one consistent log stream regardless of
// which CodeSwitch subsystem is talking.
package diag

import (
	"fmt"

	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/codeswitch/heap"
)

// Sink is the event surface heap.Heap drives; it is a type alias for
// heap.Sink so callers can depend on package diag without importing
// package heap just to name the interface.
type Sink = heap.Sink

// commonLogSink adapts a commonlog.Logger into a Sink: a GC cycle is
// informational, a new chunk is a debug-level detail, and a failed
// allocation (the caller is about to see an error) is a warning.
type commonLogSink struct {
	logger commonlog.Logger
}

// NewCommonLogSink wraps logger as a Sink. logger is typically obtained
// from commonlog.GetLogger; the caller chooses the backend (commonlog's
// "simple" backend is registered as a side effect of importing this
// package, but any commonlog.Logger works).
func NewCommonLogSink(logger commonlog.Logger) Sink {
	return &commonLogSink{logger: logger}
}

func (s *commonLogSink) GCCycle(stats heap.GCStats) {
	s.logger.Info(fmt.Sprintf(
		"gc cycle: %d -> %d bytes allocated, %d chunk(s) dropped, %d block(s) marked, limit now %d",
		stats.BytesBefore, stats.BytesAfter, stats.ChunksDropped, stats.MarkedBlocks, stats.AllocationCap,
	))
}

func (s *commonLogSink) ChunkCreated(blockSize, chunkCount int) {
	s.logger.Debug(fmt.Sprintf("new chunk for block size %d (chunk #%d in that class)", blockSize, chunkCount))
}

func (s *commonLogSink) AllocationFailed(size int, shouldRetry bool) {
	s.logger.Warning(fmt.Sprintf("allocation of %d bytes failed (retry after gc: %v)", size, shouldRetry))
}
