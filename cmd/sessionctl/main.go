// sessionctl is a small operator CLI for the session control plane: it
// starts, inspects, and tears down sessions against the HTTP API instead
// of a browser UI.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "operate sessiond sessions from the command line",
	}

	root.AddCommand(
		loginCmd(),
		logoutCmd(),
		listCmd(),
		startCmd(),
		getCmd(),
		stopCmd(),
		resumeCmd(),
		deleteCmd(),
		upgradeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	var userID, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "authenticate against sessiond and store a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			var resp struct {
				Token string `json:"token"`
			}
			if err := c.do("POST", "/auth/login", map[string]string{
				"user_id":  userID,
				"password": password,
			}, &resp); err != nil {
				return err
			}
			if err := saveToken(resp.Token); err != nil {
				return err
			}
			fmt.Println("logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "remove the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deleteToken(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			var sessions []*domain.Session
			if err := c.do("GET", "/sessions", nil, &sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tSTATUS\tWORKSPACE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.ReadableID, s.Runtime, s.Status, s.WorkspacePath)
			}
			return w.Flush()
		},
	}
}

func startCmd() *cobra.Command {
	var runtime, agent, model, workspace string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return fmt.Errorf("--workspace is required")
			}
			c := clientFromEnv()
			var sess domain.Session
			if err := c.do("POST", "/sessions", map[string]string{
				"runtime":        runtime,
				"workspace_path": workspace,
				"agent":          agent,
				"model":          model,
			}, &sess); err != nil {
				return err
			}
			fmt.Printf("started: %s (%s)\n", sess.ID, sess.ReadableID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runtime, "runtime", "", "local or container")
	cmd.Flags().StringVar(&agent, "agent", "", "agent to run")
	cmd.Flags().StringVar(&model, "model", "", "model to use")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace path (required)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [sessionId]",
		Short: "show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			var sess domain.Session
			if err := c.do("GET", "/sessions/"+args[0], nil, &sess); err != nil {
				return err
			}
			fmt.Printf("id:        %s\nname:      %s\nruntime:   %s\nstatus:    %s\nworkspace: %s\nagent:     %s\nmodel:     %s\n",
				sess.ID, sess.ReadableID, sess.Runtime, sess.Status, sess.WorkspacePath, sess.Agent, sess.Model)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [sessionId]",
		Short: "stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			if err := c.do("POST", "/sessions/"+args[0]+"/stop", nil, nil); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [sessionId]",
		Short: "resume a stopped session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			var sess domain.Session
			if err := c.do("POST", "/sessions/"+args[0]+"/resume", nil, &sess); err != nil {
				return err
			}
			fmt.Printf("resumed: %s\n", sess.ID)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [sessionId]",
		Short: "delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			if err := c.do("DELETE", "/sessions/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func upgradeCmd() *cobra.Command {
	var agent, model string
	cmd := &cobra.Command{
		Use:   "upgrade [sessionId]",
		Short: "switch a session's agent or model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			var sess domain.Session
			if err := c.do("POST", "/sessions/"+args[0]+"/upgrade", map[string]string{
				"agent": agent,
				"model": model,
			}, &sess); err != nil {
				return err
			}
			fmt.Printf("upgraded: %s (agent=%s model=%s)\n", sess.ID, sess.Agent, sess.Model)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "new agent")
	cmd.Flags().StringVar(&model, "model", "", "new model")
	return cmd
}
