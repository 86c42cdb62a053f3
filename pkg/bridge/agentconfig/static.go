package agentconfig

import (
	"context"
	"time"
)

// StaticResolver serves a fixed snapshot. It is used when no configuration
// service is deployed alongside the bridge.
type StaticResolver struct {
	Instructions string
	Now          func() time.Time
}

func (r StaticResolver) Resolve(context.Context) (Snapshot, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return Snapshot{
		ID:           "static",
		Name:         "static",
		Instructions: r.Instructions,
		ResolvedAt:   now(),
	}, nil
}
