package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chat-client/internal/models"
)

var groupsCmd = &cobra.Command{
	Use:   "groups [group-id]",
	Short: "List chat groups, or show one group",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGroups,
}

func init() {
	rootCmd.AddCommand(groupsCmd)
}

func runGroups(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	_, groups, release, err := sources(cmd.Context(), client)
	if err != nil {
		return err
	}
	defer release()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		g, err := groups.GetGroup(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting group %s: %w", args[0], err)
		}
		printGroup(out, g)
		return nil
	}

	list, err := groups.ListGroups(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No groups.")
		return nil
	}
	for _, g := range list {
		fmt.Fprintf(out, "%-12s %-24s %s\n", g.ID, g.Name, strings.Join(g.MemberCategories, ","))
	}
	return nil
}

func printGroup(out io.Writer, g models.Group) {
	fmt.Fprintf(out, "id:         %s\n", g.ID)
	fmt.Fprintf(out, "name:       %s\n", g.Name)
	fmt.Fprintf(out, "categories: %s\n", strings.Join(g.MemberCategories, ", "))
	if g.BackgroundColor != "" {
		fmt.Fprintf(out, "color:      %s\n", g.BackgroundColor)
	}
	if g.DPURL != "" {
		fmt.Fprintf(out, "picture:    %s\n", g.DPURL)
	}
	if !g.CreatedAt.IsZero() {
		fmt.Fprintf(out, "created:    %s\n", g.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
}
