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
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphflow/pkg/ux"
	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/client"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

func runWatch(cmd *cobra.Command, args []string) error {
	id := args[0]
	c := newClient()
	if ux.IsInteractive() {
		return watchExecution(cmd.Context(), c, id)
	}

	// Plain mode: one JSON event per line, then the exit code.
	enc := json.NewEncoder(cmd.OutOrStdout())
	var last execution.EventType
	err := c.Stream(cmd.Context(), id, func(ev execution.Event) error {
		last = ev.Type
		return enc.Encode(ev)
	})
	if err != nil {
		return err
	}
	return outcome(id, terminalStatus(last))
}

// terminalStatus maps a terminal event to the execution status it
// records.
func terminalStatus(t execution.EventType) execution.Status {
	switch t {
	case execution.EventExecutionCompleted:
		return execution.StatusSucceeded
	case execution.EventExecutionFailed:
		return execution.StatusFailed
	case execution.EventExecutionCancelled:
		return execution.StatusCancelled
	default:
		return execution.StatusRunning
	}
}

// runWatchTUI shows the live view until the execution ends or the user
// quits, returning the last known execution status.
func runWatchTUI(ctx context.Context, c *client.Client, id string) (execution.Status, error) {
	exec, err := c.GetExecution(ctx, id)
	if err != nil {
		return "", err
	}

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	m := newWatchModel(exec, func() error {
		return c.Cancel(context.Background(), id, "cancelled from graphflow watch")
	})
	p := tea.NewProgram(m, tea.WithContext(ctx))
	go func() {
		err := c.Stream(streamCtx, id, func(ev execution.Event) error {
			p.Send(eventMsg(ev))
			return nil
		})
		p.Send(streamEndMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return "", err
	}
	fm := final.(watchModel)
	if fm.err != nil && streamCtx.Err() == nil {
		return fm.status, fm.err
	}
	return fm.status, nil
}

// Messages.
type (
	eventMsg     execution.Event
	streamEndMsg struct{ err error }
	cancelledMsg struct{ err error }
)

type nodeView struct {
	nodeType graph.NodeType
	status   execution.NodeStatus
	detail   string
	duration time.Duration
}

// watchModel is the bubbletea model behind graphflow watch.
type watchModel struct {
	id      string
	graphID string
	status  execution.Status
	nodes   map[string]*nodeView
	order   []string

	spinner    spinner.Model
	cancel     func() error
	cancelling bool
	done       bool
	err        error
	lastSeq    int64
}

func newWatchModel(exec graphflow.ExecutionResponse, cancel func() error) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = ux.Styles.Highlight

	m := watchModel{
		id:      exec.ID,
		graphID: exec.GraphID,
		status:  exec.Status,
		nodes:   make(map[string]*nodeView, len(exec.Nodes)),
		spinner: s,
		cancel:  cancel,
	}
	for id, n := range exec.Nodes {
		m.nodes[id] = &nodeView{status: n.Status, detail: nodeDetail(n)}
		m.order = append(m.order, id)
	}
	slices.Sort(m.order)
	return m
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "c":
			if m.done || m.cancelling || m.cancel == nil {
				return m, nil
			}
			m.cancelling = true
			cancel := m.cancel
			return m, func() tea.Msg { return cancelledMsg{err: cancel()} }
		}
	case eventMsg:
		m.apply(execution.Event(msg))
		if m.done {
			return m, tea.Quit
		}
	case streamEndMsg:
		m.err = msg.err
		return m, tea.Quit
	case cancelledMsg:
		if msg.err != nil {
			m.cancelling = false
			m.err = msg.err
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one event into the view. Replayed events are ignored.
func (m *watchModel) apply(ev execution.Event) {
	if ev.Seq <= m.lastSeq {
		return
	}
	m.lastSeq = ev.Seq

	if ev.NodeID != "" {
		n, ok := m.nodes[ev.NodeID]
		if !ok {
			n = &nodeView{}
			m.nodes[ev.NodeID] = n
			m.order = append(m.order, ev.NodeID)
			slices.Sort(m.order)
		}
		if ev.NodeType != "" {
			n.nodeType = ev.NodeType
		}
		switch ev.Type {
		case execution.EventNodeReady:
			n.status = execution.NodeReady
		case execution.EventNodeStarted:
			n.status = execution.NodeRunning
		case execution.EventNodeCompleted:
			n.status = execution.NodeSucceeded
			n.duration = ev.Duration
		case execution.EventNodeFailed:
			n.status = execution.NodeFailed
			n.duration = ev.Duration
			n.detail = ev.Message
		case execution.EventNodeSkipped:
			n.status = execution.NodeSkipped
			n.detail = ev.Message
		}
		return
	}

	switch ev.Type {
	case execution.EventExecutionStarted:
		m.status = execution.StatusRunning
	case execution.EventExecutionCompleted, execution.EventExecutionFailed, execution.EventExecutionCancelled:
		m.status = terminalStatus(ev.Type)
		m.done = true
	}
}

func (m watchModel) View() string {
	var b strings.Builder

	head := ux.Styles.Title.Render("execution "+m.id) + ux.Styles.Muted.Render("  graph "+m.graphID)
	if m.done || m.status.Terminal() {
		fmt.Fprintf(&b, "%s\n%s\n\n", head, ux.Status(string(m.status)))
	} else {
		fmt.Fprintf(&b, "%s\n%s %s\n\n", head, m.spinner.View(), ux.Status(string(m.status)))
	}

	width := 0
	for _, id := range m.order {
		width = max(width, len(id))
	}
	for _, id := range m.order {
		n := m.nodes[id]
		line := fmt.Sprintf("  %s %-*s  %-14s", ux.StatusIcon(string(n.status)).Render(), width, id, n.nodeType)
		if n.duration > 0 {
			line += "  " + ux.Styles.Muted.Render(n.duration.Round(time.Millisecond).String())
		}
		if n.detail != "" {
			style := ux.Styles.Muted
			if n.status == execution.NodeFailed {
				style = ux.Styles.Error
			}
			line += "  " + style.Render(n.detail)
		}
		b.WriteString(line + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + ux.Styles.Error.Render(m.err.Error()) + "\n")
	}
	help := "q quit"
	if !m.done {
		help += " • c cancel execution"
	}
	if m.cancelling {
		help = "cancelling…"
	}
	b.WriteString("\n" + ux.Styles.Muted.Render(help) + "\n")
	return b.String()
}
