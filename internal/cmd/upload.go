package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chat-client/internal/api"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image or video and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]
	kind, err := api.KindForFile(path)
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	f, err := os.Open(path) //nolint:gosec // path given on the command line
	if err != nil {
		return err
	}
	defer f.Close()

	url, err := client.UploadMedia(cmd.Context(), path, f)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", kind, url)
	return nil
}
