package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/opst/kjobs/pkg/definitions"
	"github.com/opst/kjobs/pkg/queue"
)

// EnvArgPrefix is the prefix of environment variables passing message arguments to commands.
const EnvArgPrefix = "KJOBS_ARG_"

// EnvMessageID is the environment variable passing the message id to commands.
const EnvMessageID = "KJOBS_MESSAGE_ID"

type ExecOption func(*execConfig)

type execConfig struct {
	stdout io.Writer
	stderr io.Writer
}

// WithOutput sets where outputs of commands go. By default, they go to the outputs of this process.
func WithOutput(stdout, stderr io.Writer) ExecOption {
	return func(c *execConfig) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// ExecHandler runs the command for each message.
//
// The command takes the payload from stdin, and each argument as an environment
// variable named KJOBS_ARG_<KEY> (KEY in UPPER_SNAKE_CASE).
// Non-zero exit status is a failure.
func ExecHandler(command []string, options ...ExecOption) Handler {
	conf := &execConfig{stdout: os.Stdout, stderr: os.Stderr}
	for _, o := range options {
		o(conf)
	}

	return func(ctx context.Context, m *queue.Message) error {
		if len(command) == 0 {
			return fmt.Errorf("no command is given")
		}
		args, err := m.Args()
		if err != nil {
			return err
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Stdin = bytes.NewReader(m.Payload)
		cmd.Stdout = conf.stdout
		cmd.Stderr = conf.stderr
		cmd.Env = append(os.Environ(), EnvMessageID+"="+m.ID)
		for k, v := range args {
			cmd.Env = append(cmd.Env, EnvArgPrefix+definitions.EnvName(k)+"="+v)
		}

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command %s: %w", command[0], err)
		}
		return nil
	}
}
