package entry

import "github.com/xraph/stash/clock"

// ServerContext describes a registered processing server.
type ServerContext struct {
	WorkerCount int
	Queues      []string
}

// Server is a registered processing server with its last heartbeat.
type Server struct {
	ID          string
	Context     ServerContext
	StartedAt   clock.Time
	HeartbeatAt clock.Time
}
