package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"plugind/pkg/plugin"
)

var (
	installID     string
	activateAll   bool
	updateTimeout time.Duration
	removeForce   bool
	backupsPlugin string
)

var cmdInstall = &cobra.Command{
	Use:   "install <source>",
	Short: "Install a plugin from a directory or archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.lifecycle.Install(cmd.Context(), args[0], installID)
			if err != nil {
				return describe(err)
			}
			return printOutput(res, func() {
				fmt.Printf("%s %s %s at %s\n", color.GreenString("installed"), res.PluginID, res.Metadata.Version, res.InstallPath)
			})
		})
	},
}

var cmdActivate = &cobra.Command{
	Use:   "activate [plugin-id...]",
	Short: "Activate plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !activateAll && len(args) == 0 {
			return fmt.Errorf("specify plugin ids or --all")
		}
		return withApp(cmd.Context(), func(a *app) error {
			if activateAll {
				err := a.lifecycle.ActivateAll(cmd.Context())
				printStates(a, sortedIDs(a.lifecycle.ListAll()))
				return err
			}
			return transitionEach(args, func(id string) (plugin.PluginState, error) {
				return a.lifecycle.Activate(cmd.Context(), id)
			})
		})
	},
}

var cmdDeactivate = &cobra.Command{
	Use:   "deactivate <plugin-id...>",
	Short: "Deactivate plugins",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return transitionEach(args, func(id string) (plugin.PluginState, error) {
				return a.lifecycle.Deactivate(cmd.Context(), id)
			})
		})
	},
}

var cmdUpdate = &cobra.Command{
	Use:   "update <plugin-id> <source>",
	Short: "Replace a plugin's files, rolling back on failure",
	Long: `update queues the new source, runs the update worker in-process and waits
for the task to finish. The previous files are restored when the update fails.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			res, err := a.lifecycle.Update(ctx, args[0], args[1])
			if err != nil {
				return describe(err)
			}
			a.lifecycle.Start(ctx)

			waitCtx, cancel := context.WithTimeout(ctx, updateTimeout)
			defer cancel()
			task, err := a.lifecycle.WaitTask(waitCtx, res.TaskID)
			if err != nil {
				return fmt.Errorf("waiting for update task %s: %w", res.TaskID, err)
			}

			if err := printOutput(task, func() {
				fmt.Printf("%s task %s for %s\n", colorizeTask(task.Status), task.ID, task.PluginID)
				if task.Error != "" {
					fmt.Printf("  %s\n", task.Error)
				}
			}); err != nil {
				return err
			}
			if task.Status != plugin.TaskSucceeded {
				return fmt.Errorf("update of %s %s", task.PluginID, task.Status)
			}
			return nil
		})
	},
}

var cmdRemove = &cobra.Command{
	Use:   "remove <plugin-id>",
	Short: "Remove an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.lifecycle.Remove(cmd.Context(), args[0], removeForce)
			if err != nil {
				return describe(err)
			}
			return printOutput(res, func() {
				fmt.Printf("%s %s\n", color.GreenString("removed"), res.PluginID)
			})
		})
	},
}

var cmdStatus = &cobra.Command{
	Use:   "status <plugin-id>",
	Short: "Show one plugin's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.lifecycle.Status(args[0])
			if err != nil {
				return err
			}
			return printOutput(rec, func() { printRecord(rec) })
		})
	},
}

var cmdList = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			records := a.lifecycle.ListAll()
			ids := sortedIDs(records)
			ordered := make([]plugin.PluginRecord, 0, len(ids))
			for _, id := range ids {
				ordered = append(ordered, records[id])
			}
			return printOutput(ordered, func() { printRecords(ordered) })
		})
	},
}

var cmdBackups = &cobra.Command{
	Use:   "backups",
	Short: "List retained backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			all, err := a.backups.List()
			if err != nil {
				return err
			}
			if backupsPlugin != "" {
				filtered := all[:0]
				for _, b := range all {
					if b.PluginID == backupsPlugin {
						filtered = append(filtered, b)
					}
				}
				all = filtered
			}
			return printOutput(all, func() { printBackups(all) })
		})
	},
}

func init() {
	cmdInstall.Flags().StringVar(&installID, "id", "", "plugin id, defaults to the metadata name")
	cmdActivate.Flags().BoolVar(&activateAll, "all", false, "activate every installed plugin in dependency order")
	cmdUpdate.Flags().DurationVar(&updateTimeout, "timeout", 5*time.Minute, "how long to wait for the update to finish")
	cmdRemove.Flags().BoolVar(&removeForce, "force", false, "remove even when active or depended upon")
	cmdBackups.Flags().StringVar(&backupsPlugin, "plugin", "", "only list backups of this plugin")
}

// transitionEach applies fn to every id and keeps going after a failure.
func transitionEach(ids []string, fn func(id string) (plugin.PluginState, error)) error {
	var failed int
	for _, id := range ids {
		state, err := fn(id)
		if err != nil {
			failed++
			fmt.Printf("%-24s %s %v\n", id, color.RedString("failed"), describe(err))
			continue
		}
		fmt.Printf("%-24s %s\n", id, colorizeState(state))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plugins failed", failed, len(ids))
	}
	return nil
}

func printStates(a *app, ids []string) {
	for _, id := range ids {
		rec, err := a.lifecycle.Status(id)
		if err != nil {
			continue
		}
		fmt.Printf("%-24s %s\n", id, colorizeState(rec.State))
	}
}

func sortedIDs(records map[string]plugin.PluginRecord) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
