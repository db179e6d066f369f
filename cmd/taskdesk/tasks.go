package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/notify"
	"taskdesk/internal/repo"
)

const conflictAttempts = 3

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are delegated to one assignee. Users act on their own tasks; managers and admins act on every task of their organisation.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskDelayCmd())
	task.AddCommand(taskUndelayCmd())
	task.AddCommand(taskDropCmd())
	task.AddCommand(taskPriorityCmd())
	task.AddCommand(taskDelaysCmd())
	task.AddCommand(taskReleaseCmd())
	return task
}

// taskMutation runs a task operation as --actor-id, retrying lost races,
// and prints the resulting task.
func taskMutation(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) (domain.Task, error)) error {
	return withActor(ctx, func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
		t, err := engine.Retry(ctx, conflictAttempts, func(ctx context.Context) (domain.Task, error) {
			return fn(ctx, rt.Engine, actor)
		})
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var status, scheduledFor string
	var priority, notifyPeriod int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Priority = domain.Priority(priority)
			if status != "" {
				st, err := domain.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				opts.Status = st
			}
			if scheduledFor != "" {
				at, err := time.Parse(time.RFC3339, scheduledFor)
				if err != nil {
					return fmt.Errorf("--scheduled-for: %w", err)
				}
				opts.ScheduledFor = &at
			}
			if cmd.Flags().Changed("notify-period") {
				opts.ScheduledNotificationPeriod = &notifyPeriod
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				t, err := rt.Engine.CreateTask(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organisation id (defaults to the actor's)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&status, "status", "", "READY (default) or SCHEDULED")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 0 (low) to 2 (high)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee user id")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "release time for SCHEDULED tasks (RFC3339)")
	cmd.Flags().IntVar(&notifyPeriod, "notify-period", 0, "minutes before release to notify the assignee")
	cmd.Flags().StringArrayVar(&opts.LabelIDs, "label", nil, "label id (repeatable, at most 3)")
	cmd.Flags().BoolVar(&opts.SkipNotify, "skip-notify", false, "do not notify the assignee")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := domain.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				tasks, err := rt.Engine.ListTasks(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks, rt.Engine.Messages)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrgID, "org", "", "organisation id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only tasks without an assignee")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func renderTasks(tasks []domain.Task, messages *notify.Catalog) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Priority", "Assignee", "Changed"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			t.DisplayOrder, t.ID, t.Title, t.Status, messages.Priority(int(t.Priority)),
			t.Assignee(), t.StatusChangedAt.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				t, err := rt.Engine.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <task-id> <status>",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseTaskStatus(args[1])
			if err != nil {
				return err
			}
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.Transition(ctx, actor, args[0], status)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "assign <task-id> <user-id>",
		Short: "Assign or reassign a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.Assign(ctx, actor, args[0], args[1], !quiet)
			})
		},
	}
	cmd.Flags().BoolVar(&quiet, "no-notify", false, "do not notify the new assignee")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <task-id>",
		Short: "Remove the assignee of a READY task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.Unassign(ctx, actor, args[0])
			})
		},
	}
}

func taskDelayCmd() *cobra.Command {
	var dur time.Duration
	var reason string
	var snoozed bool
	cmd := &cobra.Command{
		Use:   "delay <task-id>",
		Short: "Delay a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.DelayRequest{DelayFor: int64(dur / time.Second), Reason: reason}
			if cmd.Flags().Changed("snoozed") {
				req.Snoozed = &snoozed
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				type result struct {
					Task  domain.Task        `json:"task"`
					Delay domain.DelayedTask `json:"delay"`
				}
				res, err := engine.Retry(ctx, conflictAttempts, func(ctx context.Context) (result, error) {
					t, d, err := rt.Engine.Delay(ctx, actor, args[0], req)
					return result{Task: t, Delay: d}, err
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().DurationVar(&dur, "for", time.Hour, "planned delay, e.g. 30m or 2h")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is delayed")
	cmd.Flags().BoolVar(&snoozed, "snoozed", false, "mark the delay as a snooze")
	return cmd
}

func taskUndelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undelay <task-id>",
		Short: "Resume a delayed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.EndDelay(ctx, actor, args[0])
			})
		},
	}
}

func taskDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <task-id>",
		Short: "Give a task back to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.Drop(ctx, actor, args[0])
			})
		},
	}
}

func taskPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority <task-id> <0|1|2>",
		Short: "Change task priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be 0, 1 or 2: %w", err)
			}
			return taskMutation(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, error) {
				return e.ChangePriority(ctx, actor, args[0], domain.Priority(p))
			})
		},
	}
}

func taskDelaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delays <task-id>",
		Short: "List the delays of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				delays, err := rt.Engine.ListDelays(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(delays)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Delayed at", "By", "Seconds", "Open", "Reason"})
				for _, d := range delays {
					reason := ""
					if d.Reason != nil {
						reason = *d.Reason
					}
					tw.AppendRow(table.Row{d.DelayedAt.Local().Format(time.DateTime), d.DelayedBy, d.DelayFor, d.Open(), reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release SCHEDULED tasks that are due",
		Long:  "Release runs the same pass as the server scheduler. It needs no actor: each task is released on behalf of its creator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				released, err := rt.Engine.ReleaseDueScheduled(ctx)
				if len(released) > 0 {
					if perr := printJSONOrTable(released); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}
