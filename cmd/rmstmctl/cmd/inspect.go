package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Query a partition's state",
}

func init() {
	inspectCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show partition stats",
			RunE:  func(cmd *cobra.Command, args []string) error { return fetchAndPrint("stats") },
		},
		&cobra.Command{
			Use:   "lso",
			Short: "Show the last stable offset",
			RunE:  func(cmd *cobra.Command, args []string) error { return fetchAndPrint("lso") },
		},
		&cobra.Command{
			Use:   "aborted",
			Short: "List aborted transaction ranges",
			RunE:  func(cmd *cobra.Command, args []string) error { return fetchAndPrint("aborted") },
		},
		&cobra.Command{
			Use:   "transactions",
			Short: "List open transactions",
			RunE:  func(cmd *cobra.Command, args []string) error { return fetchAndPrint("transactions") },
		},
	)
}

func fetchAndPrint(endpoint string) error {
	url := fmt.Sprintf("%s/partitions/%d/%s", serverFlag, partitionFlag, endpoint)
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
