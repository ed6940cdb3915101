package main

import (
	"context"
	"fmt"

	"github.com/opst/kjobs/pkg/configs"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/kubeutil"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/queue"
	"github.com/opst/kjobs/pkg/queue/memory"
	"github.com/opst/kjobs/pkg/queue/postgres"
	"github.com/opst/kjobs/pkg/queue/redis"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	goredis "github.com/redis/go-redis/v9"
)

func loadConfig(flags *globalFlags) (*configs.Config, error) {
	if flags.config == "" {
		return nil, xe.NewConfiguration(fmt.Sprintf("config file is not given. use --config or $%s", EnvConfig))
	}
	return configs.Load(flags.config)
}

// cluster is the set of components talking to kubernetes.
type cluster struct {
	conf    *configs.Config
	client  k8s.JobClient
	manager jobs.Manager
	holder  *definitions.Holder
}

func connectCluster(ctx context.Context, flags *globalFlags, conf *configs.Config, mx *metrics.Metrics) (*cluster, error) {
	clientset, err := kubeutil.Connect(flags.kubeconfig)
	if err != nil {
		return nil, err
	}
	client := k8s.WrapK8sClient(clientset)

	manager, holder, err := jobs.Build(ctx, conf, client, jobs.WithMetrics(mx))
	if err != nil {
		return nil, err
	}
	holder.OnReload = mx.Reloaded
	return &cluster{conf: conf, client: client, manager: manager, holder: holder}, nil
}

// reload loads definitions again, as configured.
func (c *cluster) reload(ctx context.Context) (*definitions.Registry, error) {
	return jobs.LoadDefinitions(ctx, c.conf, c.client)
}

// openBroker connects to the queue backend as configured.
func openBroker(ctx context.Context, conf *configs.Config) (queue.Broker, error) {
	qc := conf.Queue()
	switch qc.Backend() {
	case configs.BackendMemory:
		return memory.NewBroker(qc.VisibilityTimeout()), nil
	case configs.BackendRedis:
		rc := qc.Redis()
		b, err := redis.Connect(
			ctx,
			&goredis.Options{Addr: rc.Addr(), Password: rc.Password(), DB: rc.DB()},
			rc.Prefix(), qc.VisibilityTimeout(),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	case configs.BackendPostgres:
		pc := qc.Postgres()
		b, err := postgres.Connect(ctx, pc.DSN(), pc.Table(), qc.VisibilityTimeout())
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, xe.NewConfiguration(fmt.Sprintf("unknown queue backend: %s", qc.Backend()))
}
