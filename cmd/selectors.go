// File: cmd/selectors.go
package cmd

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/resolver"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
	"github.com/xkilldash9x/scalpel-resolver/internal/service"
)

// newSelectorsCmd groups maintenance of the learned selector sets.
func newSelectorsCmd(a *app) *cobra.Command {
	selectorsCmd := &cobra.Command{
		Use:   "selectors",
		Short: "Inspects and maintains learned selector sets",
	}
	selectorsCmd.AddCommand(
		newSelectorsShowCmd(a),
		newSelectorsForgetCmd(a),
		newSelectorsPruneCmd(a),
	)
	return selectorsCmd
}

// selectorsView is what `selectors show` prints.
type selectorsView struct {
	Target string               `json:"target"`
	Health float64              `json:"health"`
	Set    *schemas.SelectorSet `json:"selectors"`
}

func newSelectorsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <target>",
		Short: "Prints the persisted selector set of a target as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), a, func(store *selectors.Store) error {
				id := args[0]
				if err := store.Warm(cmd.Context(), id); err != nil {
					return err
				}
				set, ok := store.Snapshot(id)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "No selectors stored for %s.\n", id)
					return nil
				}
				out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(selectorsView{
					Target: set.TargetID,
					Health: store.Health(id),
					Set:    set,
				}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode selectors: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newSelectorsForgetCmd(a *app) *cobra.Command {
	var role string
	forgetCmd := &cobra.Command{
		Use:   "forget <target>",
		Short: "Drops a target's selectors so the next resolution rediscovers them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), a, func(store *selectors.Store) error {
				if err := store.Invalidate(cmd.Context(), args[0], role); err != nil {
					return err
				}
				if role == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Forgot all selectors for %s.\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Forgot the %s selector for %s.\n", role, args[0])
				}
				return nil
			})
		},
	}
	forgetCmd.Flags().StringVar(&role, "role", "", "forget a single role instead of the whole set")
	return forgetCmd
}

func newSelectorsPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Deletes selector sets older than selectors.ttl from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), a, func(store *selectors.Store) error {
				removed, err := store.Prune(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired selector sets.\n", removed)
				return nil
			})
		},
	}
}

// withStore opens the configured backend, runs fn against a store over it
// and closes the backend.
func withStore(ctx context.Context, a *app, fn func(*selectors.Store) error) error {
	logger := observability.GetLogger()

	targets, err := resolver.NewTargets(a.cfg.Targets())
	if err != nil {
		return fmt.Errorf("invalid target profiles: %w", err)
	}
	backend, err := service.InitializeBackend(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close selector backend.", zap.Error(err))
		}
	}()

	opts := selectors.OptionsFromConfig(a.cfg.Selectors(), a.cfg.Detector())
	opts.RequiredRoles = targets.RequiredRoles
	return fn(selectors.NewStore(opts, backend.Selectors, logger, nil))
}
