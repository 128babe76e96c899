package main

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue and inspect tasks",
	}
	cmd.AddCommand(
		newTaskEnqueueCmd(),
		newTaskGetCmd(),
		newTaskPendingCmd(),
		newTaskHistoryCmd(),
	)
	return cmd
}

func newTaskEnqueueCmd() *cobra.Command {
	var (
		flagDevice     string
		flagAccount    string
		flagKind       string
		flagPriority   int
		flagMaxRetries int
		flagDelay      time.Duration
		flagParams     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a pending task for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := tasks.ParseKind(flagKind)
			if !ok {
				return errors.Errorf("unknown task kind %q", flagKind)
			}
			req := tasks.Request{
				DeviceSerial: flagDevice,
				AccountRef:   flagAccount,
				Kind:         kind,
				Priority:     flagPriority,
				MaxRetries:   flagMaxRetries,
			}
			if flagParams != "" {
				if err := json.Unmarshal([]byte(flagParams), &req.Params); err != nil {
					return errors.Wrap(err, "parse --params")
				}
			}
			if flagDelay > 0 {
				notBefore := time.Now().Add(flagDelay)
				req.NotBefore = &notBefore
			}
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			id, err := agent.EnqueueTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"task_id": id})
		},
	}
	cmd.Flags().StringVar(&flagDevice, "device", "", "Target device serial")
	cmd.Flags().StringVar(&flagAccount, "account", "", "Account reference for login tasks")
	cmd.Flags().StringVar(&flagKind, "kind", "", "Task kind: login, open-application, screenshot, generic-action")
	cmd.Flags().IntVar(&flagPriority, "priority", 0, "Higher runs first")
	cmd.Flags().IntVar(&flagMaxRetries, "max-retries", 0, "Attempt budget (default from DEVICEAGENT_DEFAULT_MAX_RETRIES)")
	cmd.Flags().DurationVar(&flagDelay, "delay", 0, "Do not run before now+delay")
	cmd.Flags().StringVar(&flagParams, "params", "", "Task parameters as a JSON object")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid task id %q", arg)
	}
	return id, nil
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task with its status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			task, err := agent.TaskResult(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newTaskPendingCmd() *cobra.Command {
	var flagKind string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind tasks.Kind
			if flagKind != "" {
				parsed, ok := tasks.ParseKind(flagKind)
				if !ok {
					return errors.Errorf("unknown task kind %q", flagKind)
				}
				kind = parsed
			}
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			pending, err := agent.PendingTasks(cmd.Context(), kind)
			if err != nil {
				return err
			}
			return printJSON(pending)
		},
	}
	cmd.Flags().StringVar(&flagKind, "kind", "", "Only list tasks of this kind")
	return cmd
}

func newTaskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List every recorded attempt of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			history, err := agent.TaskHistory(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(history)
		},
	}
}
