package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupDiag,
	Short:   "Print the running daemon's per-repository open pull requests and queue length",
	RunE:    runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "base address of a running mqd serve instance")
	rootCmd.AddCommand(statusCmd)
}

// statusSnapshot mirrors coordinator.Snapshot's JSON shape without
// importing the coordinator package, since this command only ever reads
// the field names back out of an HTTP response.
type statusSnapshot struct {
	RepoID string `json:"RepoID"`
	PRs    []struct {
		Number int    `json:"Number"`
		Title  string `json:"Title"`
	} `json:"PRs"`
	Queue []struct {
		Number int `json:"Number"`
	} `json:"Queue"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(statusAddr + "/status")
	if err != nil {
		return fmt.Errorf("contacting %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}

	var snapshots []statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	for _, s := range snapshots {
		fmt.Printf("%s: %d open, %d queued\n", s.RepoID, len(s.PRs), len(s.Queue))
		for _, pr := range s.PRs {
			fmt.Printf("  #%-5d %s\n", pr.Number, pr.Title)
		}
	}
	return nil
}
