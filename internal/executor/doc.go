// Package executor implements the physical, streaming counterpart of the plan:
// one Block per plan node, driven by a pull protocol.
//
// # Pull protocol
//
// A consumer asks its dependency for rows with Block.ProduceRows, passing the
// most rows it is prepared to accept. The block answers with one of three
// states:
//
//   - HasMore: the returned rows (possibly none) are valid and more may follow.
//   - Done: the returned rows are the last ones; further calls return nothing.
//   - Waiting: no rows are available right now because work running outside
//     the calling goroutine (a remote fetch) has not completed. The caller
//     must return Waiting to its own caller and retry later. Rows produced
//     before the wait was observed are never lost: a block that hits Waiting
//     after producing rows returns them with HasMore and reports the wait on
//     the next call.
//
// Block.SkipRows follows the same state machine but discards rows instead of
// materializing them. It implements offsets and full counts.
//
// Block.InitializeCursor rewinds a block and its dependencies for a fresh
// pass. Subquery executors call it on the nested root once per outer row; the
// nested Singleton or SubqueryStart block then emits that outer row.
//
// # Executors and the generic block
//
// The per-node transform lives in an Executor. BlockImpl wraps an executor
// with everything the protocol needs and no executor has to care about: the
// done flag, the upstream Fetcher, sizing the OutputRows, turning a partial
// Waiting into HasMore, and the skip fallback for executors that cannot skip
// cheaply.
//
// An executor whose Properties allow block passthrough implements Transformer
// instead of producing rows: BlockImpl hands it the upstream batch, widened
// to the node's output width, and clears the registers the node frees.
//
// # Rows and registers
//
// Row width and register numbering come from the node's frozen register plan.
// A non-passthrough executor starts every output row by copying the input
// registers whose variables are used later (RegsToKeep); everything else in
// the row starts empty.
//
// # Concurrency
//
// Only one call is ever in flight against a block, so blocks hold no locks.
// Remote fetches are the exception: they run on the runtime's worker pool and
// signal the query's Waker when a page has arrived.
package executor
