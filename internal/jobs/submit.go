package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
)

// Submit validates spec and publishes it on channel. Validation errors are
// returned before anything is sent.
func Submit(ctx context.Context, q ipc.Queue, channel string, spec any) (*JobSpec, error) {
	js, err := IsJob(spec)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, errs.New(errs.StatusUnavailable, "no job queue configured")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if err := q.Publish(ctx, channel, data, ipc.Options{}); err != nil {
		return nil, fmt.Errorf("publish job to %s: %w", channel, err)
	}
	return js, nil
}
