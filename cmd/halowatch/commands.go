package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/halowatch/internal/api"
	"github.com/kalambet/halowatch/internal/config"
	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/storage"
)

// --- credentials ---

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage linked user sessions",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked users and their session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statuses, err := listCredentials(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No linked users.")
			return nil
		}
		for _, s := range statuses {
			fmt.Println(formatStatus(s))
		}
		return nil
	},
}

var credentialsLinkCmd = &cobra.Command{
	Use:   "link <user> <auth-token> <context-token>",
	Short: "Link or re-link a user's Halo session tokens",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := linkCredential(cmd.Context(), client, args[0], args[1], args[2]); err != nil {
			return err
		}
		printSuccess("Linked %s", args[0])
		return nil
	},
}

var credentialsUnlinkCmd = &cobra.Command{
	Use:   "unlink <user>",
	Short: "Remove a user and everything tracked for them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/credentials/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Unlinked %s", args[0])
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsLinkCmd)
	credentialsCmd.AddCommand(credentialsUnlinkCmd)
}

func listCredentials(ctx context.Context, client *apiClient) ([]credential.Status, error) {
	resp, err := client.get(ctx, "/credentials")
	if err != nil {
		return nil, err
	}
	var statuses []credential.Status
	if err := decodeJSON(resp, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func linkCredential(ctx context.Context, client *apiClient, user, auth, contextToken string) error {
	resp, err := client.put(ctx, "/credentials/"+url.PathEscape(user), api.LinkRequest{Auth: auth, Context: contextToken})
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

func formatStatus(s credential.Status) string {
	state := s.State.String()
	switch s.State {
	case credential.Active:
		state = colorize(colorGreen, state)
	case credential.Backoff, credential.Refreshing:
		state = colorize(colorYellow, state)
	case credential.Disconnected:
		state = colorize(colorRed, state)
	}

	line := fmt.Sprintf("%s  %s", colorize(colorBold, s.UserID), state)
	if s.Failures > 0 {
		line += fmt.Sprintf("  failures=%d", s.Failures)
	}
	if s.NextAttempt != nil {
		line += "  next=" + s.NextAttempt.Local().Format(time.DateTime)
	}
	if s.DisconnectedAt != nil {
		line += "  since=" + s.DisconnectedAt.Local().Format(time.DateTime)
	}
	return line
}

// --- classes ---

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "Manage tracked classes and memberships",
}

var classesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked classes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/classes")
		if err != nil {
			return err
		}
		var classes []storage.Class
		if err := decodeJSON(resp, &classes); err != nil {
			return err
		}
		if len(classes) == 0 {
			fmt.Println("No classes tracked.")
			return nil
		}
		for _, c := range classes {
			code := c.CourseCode
			if code == "" {
				code = c.ID
			}
			fmt.Printf("%s  %-10s  %s\n", colorize(colorCyan, code), c.Stage, c.Name)
		}
		return nil
	},
}

var classesAddCmd = &cobra.Command{
	Use:   "add <class-id>",
	Short: "Add or update a class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := storage.Class{ID: args[0]}
		c.SlugID, _ = cmd.Flags().GetString("slug")
		c.CourseCode, _ = cmd.Flags().GetString("course")
		c.Name, _ = cmd.Flags().GetString("name")
		c.Stage, _ = cmd.Flags().GetString("stage")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		saved, err := putClass(cmd.Context(), client, c)
		if err != nil {
			return err
		}
		printSuccess("Saved class %s (%s)", saved.ID, saved.Stage)
		return nil
	},
}

var classesMemberCmd = &cobra.Command{
	Use:   "member <class-id> <user>",
	Short: "Enroll a user in a class or change their membership",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.MemberRequest{}
		if cmd.Flags().Changed("inactive") {
			inactive, _ := cmd.Flags().GetBool("inactive")
			req.Status = storage.MemberActive
			if inactive {
				req.Status = storage.MemberInactive
			}
		}
		if cmd.Flags().Changed("grades") {
			enabled, _ := cmd.Flags().GetBool("grades")
			req.GradeNotifications = &enabled
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/classes/%s/members/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.put(cmd.Context(), path, req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Saved membership of %s in %s", args[1], args[0])
		return nil
	},
}

func init() {
	classesAddCmd.Flags().String("slug", "", "class slug id used for grade lookups")
	classesAddCmd.Flags().String("course", "", "course code")
	classesAddCmd.Flags().String("name", "", "display name")
	classesAddCmd.Flags().String("stage", storage.StageCurrent, "class stage (PRE_START, CURRENT, POST)")
	classesMemberCmd.Flags().Bool("inactive", false, "mark the membership inactive")
	classesMemberCmd.Flags().Bool("grades", true, "emit grade notifications for this member")

	classesCmd.AddCommand(classesListCmd)
	classesCmd.AddCommand(classesAddCmd)
	classesCmd.AddCommand(classesMemberCmd)
}

func putClass(ctx context.Context, client *apiClient, c storage.Class) (storage.Class, error) {
	resp, err := client.put(ctx, "/classes/"+url.PathEscape(c.ID), c)
	if err != nil {
		return storage.Class{}, err
	}
	var saved storage.Class
	if err := decodeJSON(resp, &saved); err != nil {
		return storage.Class{}, err
	}
	return saved, nil
}

// --- forums ---

var forumsCmd = &cobra.Command{
	Use:   "forums",
	Short: "Manage tracked inbox forums",
}

var forumsAddCmd = &cobra.Command{
	Use:   "add <user> <forum-id>",
	Short: "Track an inbox forum for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/users/%s/forums/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.put(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Tracking forum %s for %s", args[1], args[0])
		return nil
	},
}

func init() {
	forumsCmd.AddCommand(forumsAddCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Durations use Go syntax such as 30s or 2h.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
