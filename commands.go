package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/api/calendar/v3"
	"gopkg.in/yaml.v3"

	"github.com/harrisonrobin/flowfocus/pkg/api"
	"github.com/harrisonrobin/flowfocus/pkg/auth"
	"github.com/harrisonrobin/flowfocus/pkg/config"
	"github.com/harrisonrobin/flowfocus/pkg/interval"
	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/orgmode"
	"github.com/harrisonrobin/flowfocus/pkg/store"
	"github.com/harrisonrobin/flowfocus/pkg/taskwarrior"
	"github.com/harrisonrobin/flowfocus/pkg/util"
)

var (
	listenAddr   string
	outputFormat string
	forceSync    bool
	showAll      bool
	taskDesc     string
	taskDuration int
	taskPriority string
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Show today's capacity and next task.",
		Long: `Shows today's working time, the time left after calendar events, the
estimated time of open tasks and the recommended next task. The calendar is
read on first use each day; pass --sync to read it again.`,
		Args: cobra.NoArgs,
		RunE: runPlan,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Read today's calendar again and show the new plan.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			forceSync = true
			return runPlan(cmd, args)
		},
	}

	nextCmd = &cobra.Command{
		Use:   "next",
		Short: "Print the task to work on next.",
		Args:  cobra.NoArgs,
		RunE:  runNext,
	}

	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Manage tasks.",
	}

	taskAddCmd = &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTaskAdd,
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first.",
		Args:  cobra.NoArgs,
		RunE:  runTaskList,
	}

	taskDoneCmd = &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed.",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskDone,
	}

	taskDeleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task.",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskDelete,
	}

	hoursCmd = &cobra.Command{
		Use:   "hours [<start> <end>]",
		Short: "Show or set the working hours.",
		Long:  `Without arguments prints the working hours. With two hours (0-23) sets them, e.g. "flowfocus hours 8 16".`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return errors.New("expected no arguments or <start> <end>")
			}
			return nil
		},
		RunE: runHours,
	}

	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with Google Calendar.",
		Args:  cobra.NoArgs,
		RunE:  runAuth,
	}

	setCalendarCmd = &cobra.Command{
		Use:   "set-calendar <name>",
		Short: "Set the default Google Calendar.",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetCalendar,
	}

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Import tasks from other tools.",
	}

	importTaskwarriorCmd = &cobra.Command{
		Use:   "taskwarrior [filter...]",
		Short: "Import tasks from taskwarrior.",
		Long: `Imports tasks matching a taskwarrior filter. Without a filter only pending
tasks are imported, e.g. "flowfocus import taskwarrior project:work" or
"flowfocus import taskwarrior status:completed".`,
		RunE: runImportTaskwarrior,
	}

	importOrgCmd = &cobra.Command{
		Use:   "org <file>...",
		Short: "Import TODO headings from Org-mode files.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImportOrg,
	}

	hookCmd = &cobra.Command{
		Use:   "hook",
		Short: "Taskwarrior on-add/on-modify hook.",
		Long: `Reads the task JSON taskwarrior passes to on-add and on-modify hooks,
echoes the new version back and mirrors it into flowfocus. Install it as a
script in ~/.task/hooks (on-add.flowfocus, on-modify.flowfocus) that runs
"flowfocus hook".`,
		Args: cobra.NoArgs,
		RunE: runHook,
	}
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")

	planCmd.Flags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")
	planCmd.Flags().BoolVar(&forceSync, "sync", false, "Read the calendar again before planning")
	syncCmd.Flags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")
	nextCmd.Flags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")

	taskAddCmd.Flags().StringVarP(&taskDesc, "description", "d", "", "Task description")
	taskAddCmd.Flags().IntVarP(&taskDuration, "duration", "m", model.DefaultDurationMinutes, "Estimated minutes")
	taskAddCmd.Flags().StringVarP(&taskPriority, "priority", "p", "medium", "Priority: low, medium or high")
	taskListCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include completed tasks")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, taskDeleteCmd)
	importCmd.AddCommand(importTaskwarriorCmd, importOrgCmd)
	rootCmd.AddCommand(serveCmd, planCmd, syncCmd, nextCmd, taskCmd, hoursCmd, authCmd, setCalendarCmd, importCmd, hookCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	if !auth.Ready() {
		slog.Warn("no calendar token yet, run `flowfocus auth`; plans will fail until then")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(a.planner, a.store, a.store, a.cfg.User)
	return srv.Run(ctx, addr)
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var plan *model.DayPlan
	if forceSync {
		plan, err = a.planner.SyncToday(ctx, a.cfg.User)
	} else {
		plan, err = a.planner.TodayPlan(ctx, a.cfg.User)
	}
	if err != nil {
		if errors.Is(err, model.ErrAuthExpired) {
			return fmt.Errorf("%w; run `flowfocus auth`", err)
		}
		return err
	}
	return writePlan(cmd.OutOrStdout(), plan, outputFormat)
}

func runNext(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.planner.NextTask(cmd.Context(), a.cfg.User)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if task == nil {
		fmt.Fprintln(out, "No incomplete tasks")
		return nil
	}
	switch outputFormat {
	case "json":
		return writeJSON(out, task)
	case "yaml":
		return yaml.NewEncoder(out).Encode(task)
	}
	fmt.Fprintln(out, formatTask(*task))
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	priority, err := model.ParsePriority(taskPriority)
	if err != nil {
		return err
	}
	task, err := model.NewTask(strings.Join(args, " "), taskDesc, priority, taskDuration)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	task, err = a.store.CreateTask(cmd.Context(), a.cfg.User, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.store.ListTasks(cmd.Context(), a.cfg.User)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range tasks {
		if t.Completed && !showAll {
			continue
		}
		fmt.Fprintf(out, "%s  %s\n", t.ID, formatTask(t))
	}
	return nil
}

func runTaskDone(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	done := true
	task, err := a.store.UpdateTask(cmd.Context(), a.cfg.User, args[0], store.TaskPatch{Completed: &done})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Completed %q\n", task.Title)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteTask(cmd.Context(), a.cfg.User, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
	return nil
}

func runHours(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if len(args) == 2 {
		start, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid start hour %q: %w", args[0], err)
		}
		end, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid end hour %q: %w", args[1], err)
		}
		w, err := model.NewWorkWindow(start, end)
		if err != nil {
			return err
		}
		if err := a.store.SetWorkWindow(ctx, a.cfg.User, w); err != nil {
			return err
		}
	}

	w, err := a.store.WorkWindow(ctx, a.cfg.User)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Working hours: %02d:00-%02d:00 (%s)\n", w.StartHour, w.EndHour, util.FormatMinutes(w.TotalMinutes()))
	return nil
}

func runAuth(cmd *cobra.Command, args []string) error {
	if err := auth.Login(cmd.Context(), []string{calendar.CalendarReadonlyScope}); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if !auth.Ready() {
		return errors.New("authentication finished but no token was saved")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authentication successful! Token saved to %s\n", auth.TokenFile)
	return nil
}

func runSetCalendar(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Calendar = args[0]
	if configPath != "" {
		err = config.SaveTo(configPath, cfg)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default calendar set to: %s\n", args[0])
	return nil
}

func runImportTaskwarrior(cmd *cobra.Command, args []string) error {
	twTasks, err := taskwarrior.NewClient().GetTasks(cmd.Context(), exportFilter(args))
	if err != nil {
		return err
	}

	var tasks []model.Task
	for _, tw := range twTasks {
		if !tw.Importable() {
			slog.Debug("skipping taskwarrior task", "uuid", tw.UUID, "status", tw.Status)
			continue
		}
		t, err := tw.ToTask()
		if err != nil {
			slog.Warn("skipping taskwarrior task", "uuid", tw.UUID, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return importTasks(cmd, tasks)
}

// exportFilter defaults an empty filter to pending tasks.
func exportFilter(args []string) []string {
	if len(args) == 0 {
		return []string{"status:" + taskwarrior.PENDING}
	}
	return args
}

func runImportOrg(cmd *cobra.Command, args []string) error {
	tasks, err := orgmode.ParseFiles(args)
	if err != nil {
		return err
	}
	return importTasks(cmd, tasks)
}

func importTasks(cmd *cobra.Command, tasks []model.Task) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	added, skipped, err := importInto(cmd.Context(), a.store, a.cfg.User, tasks)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tasks (%d already present)\n", added, skipped)
	return nil
}

// importInto creates tasks that are not stored yet. Tasks without an ID are
// always created.
func importInto(ctx context.Context, st *store.Store, userID string, tasks []model.Task) (added, skipped int, err error) {
	for _, t := range tasks {
		if t.ID != "" {
			_, err := st.GetTask(ctx, userID, t.ID)
			if err == nil {
				skipped++
				continue
			}
			if !errors.Is(err, model.ErrTaskNotFound) {
				return added, skipped, err
			}
		}
		if _, err := st.CreateTask(ctx, userID, t); err != nil {
			return added, skipped, fmt.Errorf("failed to import %q: %w", t.Title, err)
		}
		added++
	}
	return added, skipped, nil
}

func runHook(cmd *cobra.Command, args []string) error {
	twTasks, err := taskwarrior.ParseTasks(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("error parsing tasks from stdin: %w", err)
	}
	if len(twTasks) == 0 {
		return nil
	}

	// Protocol: echo the added or modified task back to taskwarrior first.
	latest := twTasks[len(twTasks)-1]
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(latest); err != nil {
		return fmt.Errorf("error encoding task to stdout: %w", err)
	}

	a, err := openApp()
	if err != nil {
		slog.Warn("hook could not open flowfocus", "error", err)
		return nil
	}
	defer a.Close()

	if err := mirrorTask(cmd.Context(), a.store, a.cfg.User, latest); err != nil {
		slog.Warn("hook could not mirror task", "uuid", latest.UUID, "error", err)
	}
	return nil
}

// mirrorTask brings the stored copy of a taskwarrior task in line with tw,
// creating it, updating it or deleting it.
func mirrorTask(ctx context.Context, st *store.Store, userID string, tw taskwarrior.Task) error {
	_, err := st.GetTask(ctx, userID, tw.UUID)
	exists := err == nil
	if err != nil && !errors.Is(err, model.ErrTaskNotFound) {
		return err
	}

	if !tw.Importable() {
		if exists {
			return st.DeleteTask(ctx, userID, tw.UUID)
		}
		return nil
	}

	t, err := tw.ToTask()
	if err != nil {
		return err
	}
	if !exists {
		_, err = st.CreateTask(ctx, userID, t)
		return err
	}
	_, err = st.UpdateTask(ctx, userID, tw.UUID, store.TaskPatch{
		Title:           &t.Title,
		Description:     &t.Description,
		DurationMinutes: &t.DurationMinutes,
		Priority:        &t.Priority,
		Completed:       &t.Completed,
	})
	return err
}

func writePlan(w io.Writer, plan *model.DayPlan, format string) error {
	switch format {
	case "json":
		return writeJSON(w, plan)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(plan)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	fmt.Fprintf(w, "Today (%s) %02d:00-%02d:00\n", plan.Date, plan.Window.StartHour, plan.Window.EndHour)
	fmt.Fprintf(w, "  Work time:     %s\n", util.FormatMinutes(plan.TotalMinutes))
	fmt.Fprintf(w, "  Available:     %s\n", util.FormatMinutes(plan.AvailableMinutes))
	fmt.Fprintf(w, "  Planned tasks: %s", util.FormatMinutes(plan.TotalTaskMinutes))
	if plan.CapacityExceeded {
		fmt.Fprintf(w, " (over capacity by %s)", util.FormatMinutes(plan.TotalTaskMinutes-plan.AvailableMinutes))
	}
	fmt.Fprintln(w)
	if len(plan.Busy) > 0 {
		fmt.Fprintln(w, "  Busy:")
		for _, b := range plan.Busy {
			fmt.Fprintf(w, "    %s-%s  %s\n", util.FormatClock(b.StartMinute), util.FormatClock(b.EndMinute), b.Summary)
		}
	}
	offset := plan.Window.StartHour * 60
	if free := interval.Free(plan.Window.TotalMinutes(), interval.Normalize(plan.Window, plan.Busy)); len(free) > 0 {
		fmt.Fprintln(w, "  Free:")
		for _, s := range free {
			fmt.Fprintf(w, "    %s-%s  %s\n", util.FormatClock(offset+s.Start), util.FormatClock(offset+s.End), util.FormatMinutes(s.Len()))
		}
	}
	if plan.NextTask != nil {
		fmt.Fprintf(w, "  Next: %s\n", formatTask(*plan.NextTask))
	} else {
		fmt.Fprintln(w, "  Next: nothing left to do")
	}
	fmt.Fprintf(w, "  Synced at %s\n", plan.SyncedAt.Format("15:04"))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTask(t model.Task) string {
	status := " "
	if t.Completed {
		status = "x"
	}
	return fmt.Sprintf("[%s] [%s] %s (%s)", status, t.Priority, t.Title, util.FormatMinutes(t.DurationMinutes))
}
