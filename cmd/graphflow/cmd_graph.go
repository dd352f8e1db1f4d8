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
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/graphflow/pkg/ux"
	"github.com/AleutianAI/graphflow/services/graphflow/client"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/watcher"
)

// errAborted is returned when the user declines a confirmation.
var errAborted = errors.New("aborted")

func runGraphCreate(cmd *cobra.Command, args []string) error {
	g, err := watcher.LoadFile(graphFile)
	if err != nil {
		var invalid *graph.InvalidGraphError
		if errors.As(err, &invalid) {
			printViolations(cmd.ErrOrStderr(), invalid.Violations)
		}
		return err
	}

	id, err := newClient().CreateGraph(cmd.Context(), g)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && len(apiErr.Violations) > 0 {
			printViolations(cmd.ErrOrStderr(), apiErr.Violations)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(out, map[string]string{"graph_id": id})
	}
	ux.Success(out, fmt.Sprintf("graph %s stored (%d nodes, %d edges)", id, len(g.Nodes), len(g.Edges)))
	return nil
}

func printViolations(w io.Writer, violations []graph.Violation) {
	for _, v := range violations {
		line := string(v.Kind) + ": " + v.Message
		if len(v.NodeIDs) > 0 {
			line += " [" + strings.Join(v.NodeIDs, ", ") + "]"
		}
		ux.Warning(w, line)
	}
}

func runGraphList(cmd *cobra.Command, args []string) error {
	t := graph.GraphType(strings.ToUpper(graphListType))
	graphs, err := newClient().ListGraphs(cmd.Context(), t)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(out, graphs)
	}
	if len(graphs) == 0 {
		ux.Warning(out, "no graphs stored")
		return nil
	}
	rows := make([][]string, 0, len(graphs))
	for _, g := range graphs {
		rows = append(rows, []string{
			g.ID,
			g.Name,
			string(g.Type),
			strconv.Itoa(g.NodeCount),
			strconv.Itoa(g.EdgeCount),
		})
	}
	ux.Table(out, []string{"ID", "NAME", "TYPE", "NODES", "EDGES"}, rows)
	return nil
}

func runGraphGet(cmd *cobra.Command, args []string) error {
	g, err := newClient().GetGraph(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(out, g)
	}
	data, err := yaml.Marshal(g)
	if err != nil {
		return err
	}
	ux.Box(out, g.ID, strings.TrimRight(string(data), "\n"))
	return nil
}

func runGraphDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !graphDeleteYes {
		if !ux.IsInteractive() {
			return fmt.Errorf("refusing to delete %s without --yes in a non-interactive session", id)
		}
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Delete graph %q?", id)).
			Description("Finished executions keep their own copy of the graph.").
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			return errAborted
		}
	}

	if err := newClient().DeleteGraph(cmd.Context(), id); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ux.CurrentMode() == ux.ModePlain {
		return ux.JSON(out, map[string]string{"deleted": id})
	}
	ux.Success(out, "graph "+id+" deleted")
	return nil
}
