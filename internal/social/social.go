// Package social is the engine's opaque publishing collaborator. The core
// never talks to a platform directly; post steps receive a Publisher and the
// daemon wires in whichever implementation the deployment uses.
package social

import "context"

// Post is the content handed to a publisher.
type Post struct {
	Content  string   `json:"content"`
	MediaIDs []string `json:"media_ids,omitempty"`
}

// Publisher pushes a post to an external platform and returns its id there.
type Publisher interface {
	Publish(ctx context.Context, post Post) (string, error)
}

// Noop accepts every post without sending it anywhere. Used when no platform
// is configured, so post steps still complete and the pipeline stays testable.
type Noop struct{}

func (Noop) Publish(_ context.Context, _ Post) (string, error) {
	return "noop", nil
}
