package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opst/kjobs/cmd/kjobs/handlers"
	"github.com/opst/kjobs/pkg/admission"
	"github.com/opst/kjobs/pkg/cleanup"
	"github.com/opst/kjobs/pkg/definitions"
	"github.com/opst/kjobs/pkg/echoutil"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/loop"
	"github.com/opst/kjobs/pkg/loop/recurring"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/queue"
	"github.com/opst/kjobs/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type serveFlags struct {
	reloadInterval time.Duration
	handle         []string
}

func serveCommand(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, and sweep jobs periodically",
		Long: `serve starts the HTTP API accepting job requests.

In the same process, it sweeps jobs every cleanup interval, and reloads job
definitions when they are changed.

With --handle QUEUE=COMMAND, it also consumes QUEUE, running COMMAND for each message.
This is the only way to consume the "memory" queue backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), global, flags)
		},
	}
	cmd.Flags().DurationVar(
		&flags.reloadInterval, "reload-interval", time.Minute,
		"interval to reload job definitions from configmap. Definitions in directory are reloaded on change",
	)
	cmd.Flags().StringArrayVar(
		&flags.handle, "handle", nil,
		`consume a queue in process, in form of "QUEUE=COMMAND". repeatable`,
	)
	return cmd
}

// parseHandle parses "QUEUE=COMMAND ARGS...".
func parseHandle(s string) (string, []string, error) {
	name, command, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	fields := strings.Fields(command)
	if !ok || name == "" || len(fields) == 0 {
		return "", nil, xe.NewConfiguration(fmt.Sprintf(`--handle should be "QUEUE=COMMAND": %s`, s))
	}
	return name, fields, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, global *globalFlags, flags *serveFlags) error {
	type handle struct {
		queue   string
		command []string
	}
	handles := make([]handle, 0, len(flags.handle))
	for _, h := range flags.handle {
		q, command, err := parseHandle(h)
		if err != nil {
			return err
		}
		handles = append(handles, handle{queue: q, command: command})
	}

	conf, err := loadConfig(global)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mx := metrics.New(reg)

	c, err := connectCluster(ctx, global, conf, mx)
	if err != nil {
		return err
	}

	broker, err := openBroker(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warnf("failed to close queue broker: %v", err)
		}
	}()

	queues := make([]queue.Queue, 0, len(handles))
	for _, h := range handles {
		q, err := broker.Open(h.queue)
		if err != nil {
			return err
		}
		queues = append(queues, q)
	}

	e := echo.New()
	e.HideBanner = true
	echoutil.SetLevel(e, conf.Server().LogLevel())
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc, echoutil.Metrics(mx))
	handlers.Routes{
		Admitter: admission.New(c.holder, c.manager, broker, admission.WithMetrics(mx)),
		Manager:  c.manager,
		Resolver: c.holder,
		Gatherer: reg,
	}.Register(e)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", conf.Server().Port())
		logger.Infof("listening on %s", addr)
		if err := e.Start(addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		graceful, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(graceful)
	})

	g.Go(func() error {
		_, err := cleanup.Run(
			gctx, c.manager, recurring.Forever(conf.Cleanup().Interval()),
			cleanup.WithMetrics(mx),
		)
		return ignoreCanceled(err)
	})

	g.Go(func() error {
		return ignoreCanceled(watchDefinitions(gctx, c, flags.reloadInterval))
	})

	for i, q := range queues {
		command := handles[i].command
		g.Go(func() error {
			return ignoreCanceled(consume(gctx, conf.Queue().PollWait(), c, mx, q, command))
		})
	}

	return g.Wait()
}

// watchDefinitions reloads definitions on change of their files, or
// every interval when they are in configmap.
func watchDefinitions(ctx context.Context, c *cluster, interval time.Duration) error {
	if dir, ok := jobs.Source(c.conf, c.client).(definitions.DirSource); ok {
		return c.holder.Watch(ctx, c.reload, dir.Paths()...)
	}

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, v struct{}) (struct{}, loop.Next) {
		if err := c.holder.Reload(ctx, c.reload); err != nil {
			logger.Errorf("failed to reload definitions, keep using current ones: %v", err)
		}
		return v, loop.Continue(interval)
	})
	return err
}

func consume(
	ctx context.Context, pollWait time.Duration,
	c *cluster, mx *metrics.Metrics, q queue.Queue, command []string,
) error {
	w := worker.New(
		q,
		worker.WithPollWait(pollWait),
		worker.WithRetry(c.conf.Retry()),
		worker.WithMetrics(mx),
	)
	_, err := w.Run(ctx, worker.RunForever(), worker.ExecHandler(command))
	return err
}
