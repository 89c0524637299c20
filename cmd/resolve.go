// File: cmd/resolve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/service"
)

type resolveOptions struct {
	target      string
	role        string
	submitRole  string
	asJSON      bool
	interactive bool
}

// newResolveCmd creates the `resolve` command.
func newResolveCmd(a *app) *cobra.Command {
	opts := &resolveOptions{}

	resolveCmd := &cobra.Command{
		Use:   "resolve [payload]",
		Short: "Submits a payload to a target and streams the response",
		Long: `Acquires a browser session for the target, fills the payload into the input
role, submits it and prints the response as it streams in.

Without a payload argument the payload is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, a, opts, args)
		},
	}

	resolveCmd.Flags().StringVarP(&opts.target, "target", "t", "", "target ID as configured under targets (required)")
	resolveCmd.Flags().StringVar(&opts.role, "role", schemas.RoleInput, "role that receives the payload")
	resolveCmd.Flags().StringVar(&opts.submitRole, "submit-role", "", "role clicked after filling (default submit)")
	resolveCmd.Flags().BoolVar(&opts.asJSON, "json", false, "print each delta as a JSON line")
	resolveCmd.Flags().BoolVar(&opts.interactive, "interactive-captcha", false, "prompt on stderr for CAPTCHA tokens and read them from stdin")
	resolveCmd.Flags().String("metrics-addr", "", "override metrics.addr")
	_ = resolveCmd.MarkFlagRequired("target")
	return resolveCmd
}

func runResolve(cmd *cobra.Command, a *app, opts *resolveOptions, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	payload, err := readPayload(cmd.InOrStdin(), args, opts.interactive)
	if err != nil {
		return err
	}

	var factoryOpts []service.FactoryOption
	if opts.interactive {
		factoryOpts = append(factoryOpts, service.WithSolver(newPromptSolver(cmd.InOrStdin(), cmd.ErrOrStderr())))
	}

	components, err := newFactory(factoryOpts...).Create(ctx, a.cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize resolver components: %w", err)
	}
	defer func() {
		if err := components.Shutdown(); err != nil {
			logger.Warn("Shutdown reported errors.", zap.Error(err))
		}
	}()

	if a.cfg.Metrics().Enabled && components.Registry != nil {
		stop := serveMetrics(a.cfg.Metrics().Addr, components.Registry, logger)
		defer stop()
	}

	stream, err := components.Orchestrator.Resolve(ctx, opts.target, schemas.Intent{
		Role:       opts.role,
		SubmitRole: opts.submitRole,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	logger.Info("Resolution started.",
		zap.String("resolution", stream.ID()),
		zap.String("target", stream.TargetID()))

	err = printDeltas(ctx, cmd.OutOrStdout(), stream.Deltas(), stream.Wait, opts.asJSON)

	var terminal *faults.TerminalError
	if errors.As(err, &terminal) {
		logger.Error("Recovery exhausted.",
			zap.String("origin", string(terminal.Origin)),
			zap.String("exhausted", string(terminal.Exhausted)),
			zap.String("state", terminal.State),
			zap.Int("attempts", terminal.Attempts))
	}
	return err
}

// readPayload takes the payload from the argument or, failing that, from in.
// Interactive CAPTCHA prompts share stdin, so they need the argument form.
func readPayload(in io.Reader, args []string, interactive bool) (string, error) {
	if len(args) == 1 {
		if strings.TrimSpace(args[0]) == "" {
			return "", errors.New("payload is empty")
		}
		return args[0], nil
	}
	if interactive {
		return "", errors.New("a payload argument is required with --interactive-captcha")
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	payload := strings.TrimRight(string(b), "\r\n")
	if strings.TrimSpace(payload) == "" {
		return "", errors.New("payload is empty")
	}
	return payload, nil
}

// printDeltas drains deltas to w until the channel closes, then returns the
// resolution's error from wait.
func printDeltas(ctx context.Context, w io.Writer, deltas <-chan schemas.TextDelta, wait func() error, asJSON bool) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	wrote := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return wait()
			}
			if asJSON {
				if err := enc.Encode(d); err != nil {
					return fmt.Errorf("failed to write delta: %w", err)
				}
				continue
			}
			if d.Text != "" {
				if _, err := io.WriteString(w, d.Text); err != nil {
					return fmt.Errorf("failed to write delta: %w", err)
				}
				wrote = true
			}
			if d.Done && wrote {
				fmt.Fprintln(w)
			}
		}
	}
}
