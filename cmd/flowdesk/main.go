package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
	"flowdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "flowdesk",
	Short: "Flowdesk CLI",
	Long: `Flowdesk runs client workflows from reusable templates.
Core concepts:
- Workspace: your .flowdesk directory holding the database; templates are imported from flowdesk.yml.
- Template: an ordered list of task definitions with durations, SLAs, checklists, and approval rules.
- Instance: one run of a template for a client; due dates are scheduled up front with weekend deferral.
- Tasks: statuses go not_started -> pending -> in_progress -> pending_approval -> completed (rejected loops back through submit).
- Approvals: tasks that require sign-off wait in pending_approval for their recorded approver.
- Event log: diary of changes, view with 'flowdesk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter flowdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "flowdesk", "workspace name")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "The scoreboard for your workspace: instance and task counts by status, clients, and templates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				instances, err := e.Repo.CountInstancesByStatus(ctx)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.CountTaskInstancesByStatus(ctx, "")
				if err != nil {
					return err
				}
				clients, err := e.Repo.ListClients(ctx, true)
				if err != nil {
					return err
				}
				templates, err := e.Repo.ListTemplates(ctx, true)
				if err != nil {
					return err
				}
				out := map[string]any{
					"instances": instances,
					"tasks":     tasks,
					"clients":   len(clients),
					"templates": len(templates),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Clients: %d  Templates: %d\n", len(clients), len(templates))
				fmt.Println("Instances:")
				for status, c := range instances {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Tasks:")
				for status, c := range tasks {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userUpdateCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var email, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long:  "Creates a user. With no --actor-id this bootstraps without permission checks; use it once to create the first admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, email, name, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "member", "role (admin, controller, bde, member)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active users only")
	return cmd
}

func userUpdateCmd() *cobra.Command {
	var role string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a user's role or activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var rolePtr *string
			var activePtr *bool
			if cmd.Flags().Changed("role") {
				rolePtr = &role
			}
			if cmd.Flags().Changed("active") {
				activePtr = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpdateUser(ctx, id, rolePtr, activePtr, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				u, err := e.Repo.GetUser(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "new role")
	cmd.Flags().BoolVar(&active, "active", true, "set active flag")
	return cmd
}

func clientCmd() *cobra.Command {
	client := &cobra.Command{Use: "client", Short: "Manage clients"}
	client.AddCommand(clientCreateCmd())
	client.AddCommand(clientListCmd())
	client.AddCommand(clientShowCmd())
	return client
}

func clientCreateCmd() *cobra.Command {
	var name, company, contact, email, phone, timezone string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := domain.Client{
				ClientName:    name,
				CompanyName:   optionalString(company),
				ContactPerson: optionalString(contact),
				Email:         optionalString(email),
				PhoneNumber:   optionalString(phone),
				Timezone:      timezone,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateClient(ctx, c, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&company, "company", "", "company name")
	cmd.Flags().StringVar(&contact, "contact", "", "contact person")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "timezone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func clientListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				clients, err := e.Repo.ListClients(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(clients)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Timezone", "Active"})
				for _, c := range clients {
					company := ""
					if c.CompanyName != nil {
						company = *c.CompanyName
					}
					tw.AppendRow(table.Row{c.ID, c.ClientName, company, c.Timezone, c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active clients only")
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetClient(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage templates",
		Long:  "Templates define ordered tasks with durations, SLA hours, checklists, and approval rules. Import them from flowdesk.yml.",
	}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateLintCmd())
	tpl.AddCommand(templateArchiveCmd())
	return tpl
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import templates from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var imported []domain.Template
				for _, def := range cfg.Templates {
					t, _, err := e.ImportTemplate(ctx, def, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					imported = append(imported, t)
				}
				return printJSONOrTable(imported)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML catalog (defaults to flowdesk.yml in the workspace)")
	return cmd
}

func templateListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				templates, err := e.Repo.ListTemplates(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(templates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Active"})
				for _, t := range templates {
					category := ""
					if t.Category != nil {
						category = *t.Category
					}
					tw.AppendRow(table.Row{t.ID, t.Name, category, t.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active templates only")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTemplateTasks(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"template": t, "tasks": tasks})
				}
				fmt.Printf("Template: %s (%s)\n", t.Name, t.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "Duration (min)", "SLA (h)", "Approval", "Checklist"})
				for _, tt := range tasks {
					tw.AppendRow(table.Row{tt.Order, tt.Name, tt.DurationMinutes, tt.SLAHours, tt.RequiresApproval, len(tt.Checklist)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateLintCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate a YAML catalog without importing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(filePath)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("catalog OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML catalog (defaults to flowdesk.yml in the workspace)")
	return cmd
}

func templateArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetTemplateActive(ctx, id, false, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{
		Use:   "instance",
		Short: "Manage workflow instances",
		Long:  "Instances are runs of a template for a client. Creating one schedules every task's due date up front, with weekend deferral.",
	}
	inst.AddCommand(instanceCreateCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceProgressCmd())
	inst.AddCommand(instanceArchiveCmd())
	return inst
}

func instanceCreateCmd() *cobra.Command {
	var opts engine.InstanceCreateOptions
	var assignments []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance from a template",
		Long:  "Assignments use --assign taskID=assigneeID or --assign taskID=assigneeID:approverID (repeatable). Unassigned tasks fail unless --allow-partial is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseAssignments(assignments)
			if err != nil {
				return err
			}
			opts.Assignments = parsed
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, tasks, err := e.CreateInstance(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instance": in, "tasks": tasks})
				}
				fmt.Printf("Instance: %s (%s)\n", in.Name, in.ID)
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "instance name")
	cmd.Flags().StringArrayVar(&assignments, "assign", []string{}, "taskID=assigneeID[:approverID] (repeatable)")
	cmd.Flags().BoolVar(&opts.AllowPartial, "allow-partial", false, "skip template tasks with no assignee")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Current"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Name, in.Status, fmt.Sprintf("%d%%", in.Progress), in.CurrentTaskIndex})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, archived)")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTaskInstances(ctx, in.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instance": in, "tasks": tasks})
				}
				fmt.Printf("Instance: %s (%s) status=%s progress=%d%%\n", in.Name, in.ID, in.Status, in.Progress)
				printTaskTable(tasks)
				return nil
			})
		},
	}
	return cmd
}

func instanceProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Show derived progress for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agg, err := e.GetInstanceProgress(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
	return cmd
}

func instanceArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.ArchiveInstance(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Tasks move not_started -> pending -> in_progress -> pending_approval -> completed. A rejected task goes back through submit.",
	}
	task.AddCommand(taskMineCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskCommentCmd())
	return task
}

func taskMineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List tasks assigned to you, due date first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasksByAssignee(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTaskTable(items)
				return nil
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.Repo.GetTaskInstance(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.StartTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var checks []string
	var comment, deliverable, approver string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a task for completion or approval",
		Long:  "Checklist items use --check itemID for a plain check or --check itemID=value for items with input (repeatable). Required items must be checked.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			opts := engine.SubmitTaskOptions{
				ChecklistValues: parseChecklist(checks),
				Comment:         comment,
				DeliverableLink: deliverable,
				ApproverID:      approver,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.SubmitTask(ctx, id, viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	cmd.Flags().StringArrayVar(&checks, "check", []string{}, "checklist itemID[=inputValue] (repeatable)")
	cmd.Flags().StringVar(&comment, "comment", "", "submission comment")
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "deliverable link")
	cmd.Flags().StringVar(&approver, "approver", "", "approver user id (overrides the recorded approver)")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.ApproveTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a task with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.RejectTask(ctx, id, viper.GetString("actor-id"), feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback for the assignee")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func taskCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Comment on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ti, err := e.AddComment(ctx, id, viper.GetString("actor-id"), text)
				if err != nil {
					return err
				}
				return printJSONOrTable(ti)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List tasks waiting on your approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPendingApprovals(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTaskTable(items)
				return nil
			})
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Long:  "API keys authenticate against the HTTP API via the X-Api-Key header. Only the hash is stored; the key prints once at creation.",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"key":     secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func keysListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: transitions, approvals, rejections, imports, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWDESK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowdesk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept the deprecated X-Actor-Id header")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseAssignments(entries []string) (map[string]engine.Assignment, error) {
	out := map[string]engine.Assignment{}
	for _, entry := range entries {
		taskID, rest, ok := strings.Cut(entry, "=")
		if !ok || taskID == "" || rest == "" {
			return nil, fmt.Errorf("invalid --assign %q: expected taskID=assigneeID[:approverID]", entry)
		}
		assignee, approver, _ := strings.Cut(rest, ":")
		out[taskID] = engine.Assignment{AssigneeID: assignee, ApproverID: approver}
	}
	return out, nil
}

func parseChecklist(entries []string) []domain.ChecklistValue {
	var out []domain.ChecklistValue
	for _, entry := range entries {
		itemID, value, _ := strings.Cut(entry, "=")
		out = append(out, domain.ChecklistValue{
			ChecklistItemID: itemID,
			Checked:         true,
			InputValue:      value,
		})
	}
	return out
}

func printTaskTable(tasks []domain.TaskInstance) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Due", "Assignee", "Approver"})
	for _, ti := range tasks {
		assignee := ""
		if ti.AssignedToID != nil {
			assignee = *ti.AssignedToID
		}
		approver := ""
		if ti.ApproverID != nil {
			approver = *ti.ApproverID
		}
		tw.AppendRow(table.Row{ti.ID, ti.Status, ti.DueDate, assignee, approver})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
