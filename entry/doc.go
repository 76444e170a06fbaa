// Package entry defines the entities held by the in-memory state: jobs
// with their state records, hashes, lists, sorted sets, counters and
// server registrations. The state package exclusively owns every entry;
// secondary indexes hold string keys, never object references.
package entry
