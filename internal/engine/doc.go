// Package engine runs batches of samples on a fixed resource pool. A run
// admits queued samples onto idle resources, surfaces each suspension to the
// caller in the order it happened, resumes samples with the caller's values
// and isolates failures so one failed sample never stops the others. Final
// state is persisted to the store and lifecycle events are fanned out to
// observers and the SSE broker.
package engine
