package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agents of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	return cmd
}

func runStatus(addr string) error {
	if addr == "" {
		cfg, err := config.Load(config.ResolvePath(cfgFile))
		if err != nil {
			return err
		}
		host := cfg.Gateway.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial gateway at %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub, _ := json.Marshal(map[string]string{"type": protocol.CmdSubscribe})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// The bootstrap sequence delivers agents_snapshot right after ready.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		if head.Type != protocol.EventAgentsSnapshot {
			continue
		}
		var snapshot struct {
			Agents []*store.AgentDescriptor `json:"agents"`
		}
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		printAgentTable(snapshot.Agents)
		return nil
	}
}

func printAgentTable(agents []*store.AgentDescriptor) {
	headers := []string{"AGENT", "ROLE", "MANAGER", "STATUS", "MODEL", "CONTEXT"}
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		usage := "-"
		if a.ContextUsage != nil {
			usage = fmt.Sprintf("%.0f%%", a.ContextUsage.Percent*100)
		}
		rows = append(rows, []string{
			a.AgentID,
			string(a.Role),
			a.ManagerID,
			string(a.Status),
			a.Model.ModelID,
			usage,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(os.Stdout, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "(no agents)")
	}
}
