package app

import (
	"context"
	"strings"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	"jobcluster/internal/ipc/local"
	"jobcluster/internal/jobs"
	logx "jobcluster/pkg/logx"
)

// RunJob runs one job inside the current process, without a cluster. The
// process acts as its own master so local:// clients and limiters work.
func RunJob(ctx context.Context, cfgPath string, spec any, opts ...Option) error {
	js, err := jobs.IsJob(spec)
	if err != nil {
		return err
	}
	s, err := newServices(cfgPath, ipc.RoleMaster, opts)
	if err != nil {
		return err
	}
	defer s.close()

	store, err := local.NewStore(s.cfgm.Get().IPC.LRUMax)
	if err != nil {
		return err
	}
	local.Serve(s.bus, store)
	s.bus.ServeLimiter(store)

	reg, err := s.registry()
	if err != nil {
		return err
	}
	runner := jobs.NewRunner(reg, jobs.WithRunnerLogger(s.log), jobs.WithRunnerEvents(s.events))
	s.log.Info("running job", logx.String("job", js.String()))
	return runner.RunJob(ctx, js)
}

// SubmitJob publishes a job on the configured queue and returns the
// canonical spec that was sent.
func SubmitJob(ctx context.Context, cfgPath, queue, channel string, spec any) (*jobs.JobSpec, error) {
	if _, err := jobs.IsJob(spec); err != nil {
		return nil, err
	}
	s, err := newServices(cfgPath, ipc.RoleMaster, nil)
	if err != nil {
		return nil, err
	}
	defer s.close()

	jc := s.cfgm.Get().Jobs
	if queue == "" {
		queue = jc.Queue
	}
	if channel == "" {
		channel = jc.Channel
	}
	if c := s.clients.Queue(queue); c != nil && strings.HasPrefix(c.URL(), "local:") {
		return nil, errs.New(errs.StatusUnavailable, "submit: the local:// queue is only reachable from cluster processes; configure a db:// or redis:// queue")
	}
	return jobs.Submit(ctx, s.jobQueue(queue), channel, spec)
}
