package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/repo"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userRoleCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var nu engine.NewUser
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user to an organisation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				u, err := rt.Engine.AddUser(ctx, actor, nu)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&nu.ID, "id", "", "user id")
	cmd.Flags().StringVar(&nu.OrgID, "org", "", "organisation id (defaults to the actor's)")
	cmd.Flags().StringVar(&nu.Role, "role", string(auth.RoleUser), "role: user, manager, admin or superadmin")
	cmd.Flags().StringVar(&nu.Name, "name", "", "display name")
	cmd.Flags().StringVar(&nu.Email, "email", "", "email")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				u, err := rt.Engine.SetUserRole(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the users of an organisation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				if orgID == "" {
					orgID = actor.OrgID
				}
				if _, err := rt.Engine.Authz.Authorize(ctx, actor, auth.OpGet, auth.ResUser, auth.Target{OrgID: orgID}); err != nil {
					return err
				}
				users, err := rt.Repo.ListUsers(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Email", "Enabled"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Role, u.Name, u.Email, u.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organisation id")
	return cmd
}

func labelCmd() *cobra.Command {
	label := &cobra.Command{Use: "label", Short: "Manage labels"}
	var orgID string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				l, err := rt.Engine.CreateLabel(ctx, actor, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	add.Flags().StringVar(&orgID, "org", "", "organisation id")
	label.AddCommand(add)
	return label
}

func permCmd() *cobra.Command {
	perm := &cobra.Command{
		Use:   "perm",
		Short: "Inspect the role permission table",
		Long:  "Permissions are OPERATION:RESOURCE:SCOPE grants per role. They live in the database and are seeded from taskdesk.yml.",
	}
	perm.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the loaded permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				perms := rt.Perms.Permissions()
				sort.Slice(perms, func(i, j int) bool {
					if perms[i].Role != perms[j].Role {
						return perms[i].Role.Rank() < perms[j].Role.Rank()
					}
					return perms[i].String() < perms[j].String()
				})
				if viper.GetBool("json") {
					return printJSON(perms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Operation", "Resource", "Scope"})
				for _, p := range perms {
					tw.AppendRow(table.Row{p.Role, p.Operation, p.Resource, p.Scope})
				}
				tw.Render()
				return nil
			})
		},
	})
	perm.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Replace stored permissions with the ones in taskdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := app.SeedPermissions(ctx, rt.Repo, rt.Config); err != nil {
					return err
				}
				if err := rt.Perms.Reload(ctx, rt.Repo); err != nil {
					return err
				}
				fmt.Printf("loaded %d permissions\n", len(rt.Perms.Permissions()))
				return nil
			})
		},
	})
	return perm
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Read the audit trail"}
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				entries, err := rt.Engine.ListAudit(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Actor", "Operation", "Resource", "ID"})
				for _, e := range entries {
					id := ""
					if e.ResourceID != nil {
						id = *e.ResourceID
					}
					tw.AppendRow(table.Row{e.CreatedAt.Local().Format(time.DateTime), e.ActorID, e.Operation, e.Resource, id})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	tail.Flags().StringVar(&f.OrgID, "org", "", "organisation id")
	tail.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	tail.Flags().StringVar(&f.Resource, "resource", "", "resource filter (TASK, USER, ROLES, LABEL)")
	tail.Flags().StringVar(&f.ResourceID, "resource-id", "", "resource id filter")
	audit.AddCommand(tail)
	return audit
}

func activityCmd() *cobra.Command {
	activity := &cobra.Command{Use: "activity", Short: "Read delivered domain events"}
	var orgID string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest domain events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				items, err := rt.Engine.ListActivity(ctx, actor, orgID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Event", "Summary"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.OccurredAt.Local().Format(time.DateTime), a.Name, a.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&orgID, "org", "", "organisation id")
	activity.AddCommand(tail)
	return activity
}
