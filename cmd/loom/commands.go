package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/planner"
	"github.com/loomhq/loom/pkg/models"
)

// newChatCommand streams a single turn to stdout.
func newChatCommand() *cobra.Command {
	var agentID string
	var modelID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			rt.connectActiveServers(ctx)

			var agent *models.AgentConfig
			if agentID != "" {
				agent, err = rt.configStore.GetAgent(agentID)
				if err != nil {
					return err
				}
			}

			done := make(chan struct{})
			sink := chat.SinkFunc(func(frame models.StreamFrame) {
				switch frame.Type {
				case models.FrameData:
					fmt.Print(frame.Text)
				case models.FrameMetadata:
					fmt.Fprintf(os.Stderr, "\n[tool] %s\n", string(frame.Metadata))
				case models.FrameError:
					fmt.Fprintf(os.Stderr, "\nerror: %s\n", frame.Text)
				case models.FrameDone:
					fmt.Println()
					close(done)
				}
			})

			chatID := "cli"
			_, err = rt.orchestrator.StreamMessage(ctx, chatID, &chat.MessageRequest{
				Message:    strings.Join(args, " "),
				Agent:      agent,
				ModelID:    modelID,
				AnswerSink: sink,
			})
			if err != nil {
				return err
			}

			select {
			case <-done:
			case <-ctx.Done():
				rt.orchestrator.StopStream(chatID)
				<-done
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to chat as")
	cmd.Flags().StringVar(&modelID, "model", "", "model id override")
	return cmd
}

// newAgentsCommand manages agent configurations.
func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agent configurations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			agents, err := rt.configStore.ListAgents()
			if err != nil {
				return err
			}
			for _, agent := range agents {
				fmt.Printf("%s\t%s\t%s\n", agent.ID, agent.Name, agent.Status)
			}
			return nil
		},
	})

	var name, description, personality string
	var tools []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			agent, err := rt.configStore.CreateAgent(models.CreateAgentRequest{
				Name:         name,
				Description:  description,
				Personality:  personality,
				Capabilities: models.DefaultCapabilities(),
				ToolNames:    tools,
			})
			if err != nil {
				return err
			}
			fmt.Println(agent.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "agent name")
	create.Flags().StringVar(&description, "description", "", "agent description")
	create.Flags().StringVar(&personality, "personality", "", "agent personality")
	create.Flags().StringSliceVar(&tools, "tools", nil, "allowed tool names (empty allows all)")
	create.MarkFlagRequired("name")
	cmd.AddCommand(create)

	var deleteID string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.configStore.DeleteAgent(deleteID)
		},
	}
	del.Flags().StringVar(&deleteID, "id", "", "agent id")
	del.MarkFlagRequired("id")
	cmd.AddCommand(del)

	return cmd
}

// newMCPCommand manages MCP servers and shows their tools.
func newMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP tool servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			servers, err := rt.configStore.ListMCPServers()
			if err != nil {
				return err
			}
			for _, srv := range servers {
				cached := len(srv.CachedTools)
				fmt.Printf("%s\t%s\t%s\tcached_tools=%d\n", srv.ID, srv.Name, srv.Transport, cached)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tools [server-id]",
		Short: "Connect a server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			serverID := args[0]
			if err := rt.pool.ConnectServerFromConfig(cmd.Context(), serverID); err != nil {
				return err
			}
			client, ok := rt.pool.Client(serverID)
			if !ok {
				return fmt.Errorf("server %q not connected", serverID)
			}
			tools := client.Tools()
			rt.registry.DiscoverServerTools(serverID, tools)
			if err := rt.configStore.SaveToolsCache(serverID, tools); err != nil {
				return err
			}
			for _, tool := range tools {
				fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			rt.connectActiveServers(cmd.Context())
			for _, info := range rt.pool.Info() {
				fmt.Printf("%s\t%s\ttools=%d\tattempts=%d\n",
					info.ServerID, info.Status.State, len(info.Tools), info.Attempts)
			}
			return nil
		},
	})

	return cmd
}

// newPlanCommand generates and optionally executes a plan for a question.
func newPlanCommand() *cobra.Command {
	var execute bool
	var safeMode bool

	cmd := &cobra.Command{
		Use:   "plan [question]",
		Short: "Generate (and optionally execute) a task plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			rt.connectActiveServers(ctx)

			plan, err := rt.planner.CreatePlan(ctx, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}

			if execute {
				execCtx := planner.DefaultExecutionContext()
				execCtx.Timeout = rt.toolTimeout()
				execCtx.SafeMode = safeMode
				if _, err := rt.executor.ExecutePlan(ctx, plan, &execCtx); err != nil {
					fmt.Fprintf(os.Stderr, "plan execution failed: %v\n", err)
				}
			}

			out, err := json.MarshalIndent(plan, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "execute the plan after generating it")
	cmd.Flags().BoolVar(&safeMode, "safe-mode", true, "refuse destructive tools during execution")
	return cmd
}
