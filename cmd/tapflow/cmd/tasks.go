package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recorded tasks",
	Long: `List tasks from the store, most recently updated first. Filter by
state with --state or fuzzy-match descriptions with --search.`,
	RunE: runTasks,
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one task and its step history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	tasksState  string
	tasksSearch string
	tasksOutput string
	tasksLimit  int
)

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(showCmd)

	tasksCmd.Flags().StringVar(&tasksState, "state", "", "filter by state (CREATED, RUNNING, STOPPING, STOPPED, SUCCESS, FAILED, CRASHED)")
	tasksCmd.Flags().StringVar(&tasksSearch, "search", "", "fuzzy match against task descriptions")
	tasksCmd.Flags().StringVarP(&tasksOutput, "output", "o", "table", "output format (table, json, yaml)")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 0, "show at most N tasks (0 = all)")

	showCmd.Flags().StringVarP(&tasksOutput, "output", "o", "table", "output format (table, json, yaml)")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))

	stateStyles = map[core.TaskState]lipgloss.Style{
		core.StateCreated:  lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		core.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")),
		core.StateStopping: lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		core.StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		core.StateSuccess:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		core.StateFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		core.StateCrashed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
	}
)

func renderState(state core.TaskState) string {
	if style, ok := stateStyles[state]; ok {
		return style.Render(string(state))
	}
	return string(state)
}

func runTasks(cmd *cobra.Command, _ []string) error {
	deps, err := initDeps()
	if err != nil {
		return err
	}
	defer deps.Close()

	tasks, err := deps.Tasks.ListTasks(cmd.Context())
	if err != nil {
		return err
	}

	if tasksState != "" {
		state, err := core.ParseTaskState(tasksState)
		if err != nil {
			return err
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if tasksSearch != "" {
		descriptions := make([]string, len(tasks))
		for i, t := range tasks {
			descriptions[i] = t.Description
		}
		matches := fuzzy.Find(tasksSearch, descriptions)
		matched := make([]*core.Task, 0, len(matches))
		for _, m := range matches {
			matched = append(matched, tasks[m.Index])
		}
		tasks = matched
	}

	if tasksLimit > 0 && len(tasks) > tasksLimit {
		tasks = tasks[:tasksLimit]
	}

	switch tasksOutput {
	case "json":
		return emitJSON(tasks)
	case "yaml":
		return emitYAML(tasks)
	case "table":
		printTaskTable(tasks)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", tasksOutput)
	}
}

func printTaskTable(tasks []*core.Task) {
	if len(tasks) == 0 {
		fmt.Println(dimStyle.Render("No tasks recorded."))
		return
	}

	fmt.Printf("%s  %s  %s  %s  %s\n",
		headerStyle.Render(pad("SESSION", 36)),
		headerStyle.Render(pad("STATE", 8)),
		headerStyle.Render(pad("STEPS", 5)),
		headerStyle.Render(pad("UPDATED", 16)),
		headerStyle.Render("DESCRIPTION"))

	for _, t := range tasks {
		fmt.Printf("%s  %s  %s  %s  %s\n",
			pad(string(t.SessionID), 36),
			pad(renderState(t.State), 8+styleOverhead(t.State)),
			pad(fmt.Sprintf("%d", t.TotalSteps), 5),
			pad(t.UpdatedAt.Local().Format("2006-01-02 15:04"), 16),
			truncate(t.Description, 60))
	}
}

// styleOverhead compensates pad for invisible ANSI codes in styled text.
func styleOverhead(state core.TaskState) int {
	if style, ok := stateStyles[state]; ok {
		return len(style.Render(string(state))) - len(string(state))
	}
	return 0
}

func runShow(cmd *cobra.Command, args []string) error {
	deps, err := initDeps()
	if err != nil {
		return err
	}
	defer deps.Close()

	sessionID := core.SessionID(args[0])

	task, err := deps.Tasks.GetTask(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	steps, err := deps.Steps.GetStepsForSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	switch tasksOutput {
	case "json":
		return emitJSON(map[string]interface{}{"task": task, "steps": steps})
	case "yaml":
		return emitYAML(map[string]interface{}{"task": task, "steps": steps})
	}

	fmt.Printf("%s %s\n", headerStyle.Render("Session:"), task.SessionID)
	fmt.Printf("%s %s\n", headerStyle.Render("State:"), renderState(task.State))
	if task.PriorState != "" {
		fmt.Printf("%s %s\n", headerStyle.Render("Prior state:"), renderState(task.PriorState))
	}
	fmt.Printf("%s %s\n", headerStyle.Render("Description:"), task.Description)
	fmt.Printf("%s %d steps in %s\n", headerStyle.Render("Progress:"),
		task.TotalSteps, (time.Duration(task.TotalTime * float64(time.Second))).Round(time.Millisecond))
	if task.ErrorMessage != "" {
		fmt.Printf("%s %s\n", headerStyle.Render("Error:"), task.ErrorMessage)
	}

	if len(steps) == 0 {
		fmt.Println(dimStyle.Render("\nNo steps recorded."))
		return nil
	}

	fmt.Printf("\n%s\n", headerStyle.Render("Steps:"))
	for _, s := range steps {
		mark := "✓"
		if !s.Success {
			mark = "✗"
		}
		fmt.Printf("  %s #%d  %.2fs  %s\n", mark, s.StepNum, s.ExecutionTime, truncate(s.Message, 70))
	}
	return nil
}

func emitJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func emitYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func pad(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
