package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-client/internal/api"
)

var (
	groupName       string
	groupCategories []string
	groupColor      string
)

var createGroupCmd = &cobra.Command{
	Use:   "create-group",
	Short: "Create a chat group",
	Long: `Creates a group whose members are the users in the given categories.
Example: chat-client create-group --name "Class 9A" --category class-9 --category teachers`,
	Args: cobra.NoArgs,
	RunE: runCreateGroup,
}

func init() {
	createGroupCmd.Flags().StringVar(&groupName, "name", "", "Group name")
	createGroupCmd.Flags().StringArrayVar(&groupCategories, "category", nil, "Member category (repeatable)")
	createGroupCmd.Flags().StringVar(&groupColor, "color", "", "Background color, e.g. #fde68a")
	rootCmd.AddCommand(createGroupCmd)
}

func runCreateGroup(cmd *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	group, err := client.CreateGroup(cmd.Context(), api.CreateGroupRequest{
		Name:            groupName,
		Categories:      groupCategories,
		BackgroundColor: groupColor,
	})
	if err != nil {
		return fmt.Errorf("creating group: %w", err)
	}

	log.Info("group created", zap.String("group_id", group.ID), zap.String("name", group.Name))
	fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", group.Name, group.ID)
	return nil
}
