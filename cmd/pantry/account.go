package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/types"
)

var (
	accountEmail    string
	accountName     string
	accountPassword string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and log in",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the remote",
	Long:  "Log in to the remote. The password is read from stdin unless --password is given.",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and forget the session token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in account",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVar(&accountEmail, "email", "", "Account email (required)")
		c.Flags().StringVar(&accountPassword, "password", "", "Password (read from stdin when empty)")
		c.MarkFlagRequired("email")
	}
	registerCmd.Flags().StringVar(&accountName, "name", "", "Display name")
}

// readPassword returns --password or the first line of stdin.
func readPassword(cmd *cobra.Command) (string, error) {
	if accountPassword != "" {
		return accountPassword, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password from stdin: %w", err)
		}
		return "", errors.New("empty password")
	}
	return line, nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := e.session.Register(ctx, accountEmail, password, accountName)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return printSession(cmd, sess)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := e.session.Login(ctx, accountEmail, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return printSession(cmd, sess)
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.session.Restore(ctx); err != nil {
		if errors.Is(err, types.ErrAuth) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}
		return err
	}
	if err := e.session.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"logged_in": false})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := e.session.Restore(ctx)
	if errors.Is(err, types.ErrAuth) {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"logged_in": false})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
		return nil
	}
	if err != nil {
		return err
	}
	return printSession(cmd, sess)
}

func printSession(cmd *cobra.Command, sess types.Session) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"logged_in":  sess.IsLoggedIn,
			"user_id":    sess.UserID,
			"email":      sess.Email,
			"name":       sess.Name,
			"last_login": sess.LastLoginTime,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Logged in as %s", sess.Email)
	if sess.Name != "" {
		fmt.Fprintf(out, " (%s)", sess.Name)
	}
	fmt.Fprintf(out, "\nUser ID: %s\n", sess.UserID)
	return nil
}
