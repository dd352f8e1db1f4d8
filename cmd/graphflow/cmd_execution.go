// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphflow/pkg/ux"
	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/client"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// parseInput reads --input: a JSON object, "@path" to a JSON file, or
// empty for no input.
func parseInput(raw string) (graph.Values, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
	}
	var input graph.Values
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

// submitRequest builds the submission from the run flags.
func submitRequest() (graphflow.SubmitRequest, error) {
	input, err := parseInput(runInput)
	if err != nil {
		return graphflow.SubmitRequest{}, err
	}
	req := graphflow.SubmitRequest{
		Input:         input,
		ExecutionID:   runExecutionID,
		FailurePolicy: runPolicy,
		MaxInFlight:   runMaxInFlight,
	}
	if runTimeout != "" {
		d, err := time.ParseDuration(runTimeout)
		if err != nil {
			return graphflow.SubmitRequest{}, fmt.Errorf("--timeout: %w", err)
		}
		req.TimeoutMS = d.Milliseconds()
	}
	return req, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := submitRequest()
	if err != nil {
		return err
	}
	c := newClient()
	id, err := c.Submit(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !runWait {
		if ux.CurrentMode() == ux.ModePlain {
			return ux.JSON(out, graphflow.SubmitResponse{ExecutionID: id, Status: execution.StatusPending})
		}
		ux.Success(out, "execution "+id+" started")
		fmt.Fprintln(out, ux.Styles.Muted.Render("  graphflow watch "+id))
		return nil
	}

	if ux.IsInteractive() {
		return watchExecution(cmd.Context(), c, id)
	}
	if err := c.Stream(cmd.Context(), id, func(execution.Event) error { return nil }); err != nil {
		return err
	}
	exec, err := c.GetExecution(cmd.Context(), id)
	if err != nil {
		return err
	}
	if err := printExecution(out, exec); err != nil {
		return err
	}
	return outcome(exec.ID, exec.Status)
}

// outcome turns an unsuccessful terminal status into an ExitError.
func outcome(id string, status execution.Status) error {
	if status == execution.StatusSucceeded {
		return nil
	}
	return &ExitError{
		Code: exitExecutionUnsuccessful,
		Err:  fmt.Errorf("execution %s ended %s", id, status),
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	exec, err := newClient().GetExecution(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printExecution(cmd.OutOrStdout(), exec)
}

func runCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := newClient().Cancel(cmd.Context(), id, cancelReason); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(out, graphflow.SubmitResponse{ExecutionID: id, Status: execution.StatusCancelled})
	}
	ux.Success(out, "execution "+id+" cancelled")
	return nil
}

// printExecution writes the execution as JSON in plain mode, or as a
// summary box and node table.
func printExecution(w io.Writer, exec graphflow.ExecutionResponse) error {
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(w, exec)
	}

	summary := fmt.Sprintf("graph   %s\nstatus  %s", exec.GraphID, ux.Status(string(exec.Status)))
	if !exec.FinishedAt.IsZero() && !exec.StartedAt.IsZero() {
		summary += "\ntook    " + exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond).String()
	}
	if exec.Error != nil {
		summary += "\nerror   " + ux.Styles.Error.Render(exec.Error.Kind+": "+exec.Error.Message)
	}
	ux.Box(w, "execution "+exec.ID, summary)

	ids := make([]string, 0, len(exec.Nodes))
	for id := range exec.Nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		n := exec.Nodes[id]
		rows = append(rows, []string{id, ux.Status(string(n.Status)), nodeDuration(n), nodeDetail(n)})
	}
	ux.Table(w, []string{"NODE", "STATUS", "DURATION", "DETAIL"}, rows)
	return nil
}

func nodeDuration(n execution.NodeState) string {
	if n.StartedAt.IsZero() || n.FinishedAt.IsZero() {
		return "-"
	}
	return n.FinishedAt.Sub(n.StartedAt).Round(time.Millisecond).String()
}

func nodeDetail(n execution.NodeState) string {
	switch {
	case n.Error != nil:
		return n.Error.Kind + ": " + n.Error.Message
	case n.SkipReason != "":
		return n.SkipReason
	case len(n.Outputs) > 0:
		keys := make([]string, 0, len(n.Outputs))
		for k := range n.Outputs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return "outputs: " + strings.Join(keys, ", ")
	}
	return ""
}

// watchExecution runs the live view and maps the final status to an
// exit code. Leaving the view early detaches without an error.
func watchExecution(ctx context.Context, c *client.Client, id string) error {
	final, err := runWatchTUI(ctx, c, id)
	if err != nil {
		return err
	}
	if !final.Terminal() {
		fmt.Fprintln(os.Stderr, ux.Styles.Muted.Render("execution "+id+" is still "+string(final)))
		return nil
	}
	return outcome(id, final)
}
