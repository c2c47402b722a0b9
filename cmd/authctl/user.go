package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"corpsite.io/internal/auth"
)

const passwordEnv = "CORPSITE_NEW_USER_PASSWORD"

func (c *cli) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Provision, unlock, enable and disable users.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if c.cfg.Postgres.DSN == "" {
				return errNoDSN
			}
			return nil
		},
	}
	cmd.AddCommand(c.userCreateCmd(), c.userUnlockCmd(), c.userActiveCmd("enable", true), c.userActiveCmd("disable", false))
	return cmd
}

func (c *cli) userCreateCmd() *cobra.Command {
	var (
		email    string
		name     string
		role     string
		perms    []string
		verified bool
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a user.",
		Long:    "Create a user. The password is read from " + passwordEnv + " or, when unset, from the first line of stdin.",
		Example: "authctl user create --email admin@example.com --role super-admin < password.txt",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.Service.Register(cmd.Context(), auth.NewUser{
				Email:         email,
				Name:          name,
				Password:      password,
				Role:          auth.Role(role),
				Permissions:   perms,
				Active:        true,
				EmailVerified: verified,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with role %s\n", user.Email, user.ID, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "one of super-admin, admin, editor, author, viewer")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "extra resource:action grant, repeatable")
	cmd.Flags().BoolVar(&verified, "verified", false, "mark the email as verified")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) userUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <user-id>",
		Short: "Clear the failed-login counter and any lock on a user.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Service.Unlock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) userActiveCmd(use string, active bool) *cobra.Command {
	short := "Re-enable a disabled user."
	if !active {
		short = "Disable a user and drop its refresh tokens."
	}
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Service.SetActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return nil
		},
	}
}

func readPassword(cmd *cobra.Command) (string, error) {
	if v, ok := os.LookupEnv(passwordEnv); ok && v != "" {
		return v, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", errors.New("empty password")
	}
	return line, nil
}
