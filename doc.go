// Package stash is an in-memory storage engine for background-job
// processing frameworks. It keeps the entire runtime state of jobs,
// queues, server registrations and auxiliary collections (hashes, lists,
// sorted sets, counters, locks) in process memory and serves concurrent
// worker and monitoring clients through a strictly serialized command
// pipeline.
//
// The root package defines configuration and sentinel errors shared by
// the subsystem packages. Use the engine package to open a storage
// instance and obtain connection, transaction and monitoring façades.
package stash
