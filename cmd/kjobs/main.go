package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/echoutil"
	"github.com/opst/kjobs/pkg/kubeutil"
	"github.com/spf13/cobra"
)

// EnvConfig is the environment variable for the default of --config.
const EnvConfig = "KJOBS_CONFIG"

var logger = log.New("kjobs")

type globalFlags struct {
	config     string
	kubeconfig string
	loglevel   string
}

func rootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "kjobs",
		Short: "Templated batch jobs on kubernetes, with queues and cleanup",
		Long: `kjobs submits jobs rendered from templates to a kubernetes cluster,
feeds work queues consumed by workers, and deletes jobs finished long enough ago.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := echoutil.ParseLevel(flags.loglevel)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			logger.SetLevel(lvl)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.config, "config", os.Getenv(EnvConfig), "path to config file")
	pf.StringVar(
		&flags.kubeconfig, "kubeconfig", kubeutil.DefaultKubeconfig(),
		"path to kubeconfig. in-cluster config is used if empty",
	)
	pf.StringVar(&flags.loglevel, "loglevel", "info", "log level. debug|info|warn|error|off")

	root.AddCommand(
		serveCommand(flags),
		workerCommand(flags),
		cleanupCommand(flags),
		submitCommand(flags),
		listCommand(flags),
		logsCommand(flags),
		definitionsCommand(flags),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
