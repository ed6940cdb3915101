package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opst/kjobs/pkg/admission"
	apijobs "github.com/opst/kjobs/pkg/api/types/jobs"
	"github.com/opst/kjobs/pkg/configs"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/queue"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

// parseArgs parses "KEY=VALUE" pairs.
func parseArgs(pairs []string) (map[string]string, error) {
	args := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf(`argument should be "KEY=VALUE": %s`, p)
		}
		if _, dup := args[k]; dup {
			return nil, fmt.Errorf("argument %s is given twice", k)
		}
		args[k] = v
	}
	return args, nil
}

func submitCommand(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "submit DEFINITION [KEY=VALUE...]",
		Short: "Request a job of the definition",
		Long: `submit requests a job, as same as the HTTP API does.

Depending on the admission of the definition, the arguments are put into
the queue, a job is created, or both.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			return submit(cmd.Context(), cmd.OutOrStdout(), global, args[0], targs)
		},
	}
}

func submit(ctx context.Context, out io.Writer, global *globalFlags, definition string, args map[string]string) error {
	conf, err := loadConfig(global)
	if err != nil {
		return err
	}
	c, err := connectCluster(ctx, global, conf, nil)
	if err != nil {
		return err
	}

	// messages in memory would be lost at exit.
	var broker queue.Broker
	if conf.Queue().Backend() != configs.BackendMemory {
		b, err := openBroker(ctx, conf)
		if err != nil {
			return err
		}
		defer b.Close()
		broker = b
	}

	result, err := admission.New(c.holder, c.manager, broker).Admit(ctx, definition, args)
	if perr := printJSON(out, apijobs.ComposeAdmitted(result)); perr != nil {
		return perr
	}
	return err
}

func listCommand(global *globalFlags) *cobra.Command {
	definition := ""
	cmd := &cobra.Command{
		Use:   "list [--definition DEFINITION]",
		Short: "List jobs owned by this signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conf, err := loadConfig(global)
			if err != nil {
				return err
			}
			c, err := connectCluster(ctx, global, conf, nil)
			if err != nil {
				return err
			}
			found, err := c.manager.List(ctx, definition)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), apijobs.ComposeSummaries(found))
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "list jobs of the definition only")
	return cmd
}

func logsCommand(global *globalFlags) *cobra.Command {
	var tail int64 = 100
	cmd := &cobra.Command{
		Use:   "logs JOB",
		Short: "Show logs of pods of the job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tail <= 0 {
				return xe.NewConfiguration("--tail should be positive")
			}
			ctx := cmd.Context()
			conf, err := loadConfig(global)
			if err != nil {
				return err
			}
			c, err := connectCluster(ctx, global, conf, nil)
			if err != nil {
				return err
			}
			logs, err := c.manager.Logs(ctx, args[0], tail)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), logs)
			return err
		},
	}
	cmd.Flags().Int64Var(&tail, "tail", tail, "lines from the end of logs of each pod")
	return cmd
}
