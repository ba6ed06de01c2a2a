package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emrgen/board"
)

func init() {
	rootCmd.AddCommand(createBoardCmd())
	rootCmd.AddCommand(listBoardsCmd())
	rootCmd.AddCommand(watchBoardCmd())
}

func createBoardCmd() *cobra.Command {
	var projectID string
	var title string

	command := &cobra.Command{
		Use:     "create",
		Short:   "create a board",
		Example: "board create -p <project-id> -t <title>",
		Run: func(cmd *cobra.Command, args []string) {
			if projectID == "" {
				color.Red("missing: --project-id")
				return
			}

			cfg := readContext()
			body, _ := json.Marshal(map[string]string{
				"projectId": projectID,
				"title":     title,
			})

			req, err := http.NewRequest(http.MethodPost, cfg.Server+"/v1/boards", bytes.NewReader(body))
			if err != nil {
				logrus.Error(err)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+cfg.Token)

			res, err := http.DefaultClient.Do(req)
			if err != nil {
				logrus.Error(err)
				return
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusCreated {
				color.Red("create failed with status %d", res.StatusCode)
				return
			}

			var created struct {
				ID string `json:"id"`
			}
			if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
				logrus.Error(err)
				return
			}

			logrus.Infof("board created with id: %s", created.ID)
		},
	}

	command.Flags().StringVarP(&projectID, "project-id", "p", "", "project id (required)")
	command.Flags().StringVarP(&title, "title", "t", "", "title of the board")
	command.Flags().SortFlags = false

	return command
}

func listBoardsCmd() *cobra.Command {
	var projectID string

	command := &cobra.Command{
		Use:     "list",
		Short:   "list boards of a project",
		Example: "board list -p <project-id>",
		Run: func(cmd *cobra.Command, args []string) {
			if projectID == "" {
				color.Red("missing: --project-id")
				return
			}

			cfg := readContext()
			req, err := http.NewRequest(http.MethodGet, cfg.Server+"/v1/boards?projectId="+projectID, nil)
			if err != nil {
				logrus.Error(err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+cfg.Token)

			res, err := http.DefaultClient.Do(req)
			if err != nil {
				logrus.Error(err)
				return
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				color.Red("list failed with status %d", res.StatusCode)
				return
			}

			var listing struct {
				Boards []struct {
					ID        string    `json:"id"`
					Title     string    `json:"title"`
					UpdatedAt time.Time `json:"updatedAt"`
				} `json:"boards"`
				Total int64 `json:"total"`
			}
			if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
				logrus.Error(err)
				return
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Title", "Updated At"})
			for _, b := range listing.Boards {
				table.Append([]string{b.ID, b.Title, b.UpdatedAt.Format(time.RFC3339)})
			}
			table.SetFooter([]string{"", "Total", strconv.FormatInt(listing.Total, 10)})
			table.Render()
		},
	}

	command.Flags().StringVarP(&projectID, "project-id", "p", "", "project id (required)")
	command.Flags().SortFlags = false

	return command
}

func watchBoardCmd() *cobra.Command {
	var boardID string
	var shareToken string

	command := &cobra.Command{
		Use:     "watch",
		Short:   "watch a board's live state",
		Example: "board watch -b <board-id>",
		Run: func(cmd *cobra.Command, args []string) {
			if boardID == "" {
				color.Red("missing: --board-id")
				return
			}

			cfg := readContext()

			session, err := board.Open(context.Background(), board.Options{
				BaseURL:      cfg.Server,
				SessionToken: cfg.Token,
				BoardID:      boardID,
				ShareToken:   shareToken,
				CacheDir:     "./.tmp/vectors",
				OnChange: func(s *board.Snapshot) {
					logrus.Infof("board changed: %d nodes, %d edges", len(s.Nodes), len(s.Edges))
				},
				OnConnection: func(online bool) {
					if online {
						color.Green("online")
					} else {
						color.Yellow("offline")
					}
				},
				OnRemoteNode: func(n *board.Node) {
					logrus.Infof("peer added %s node %s", n.Type, n.ID)
				},
			})
			if err != nil {
				logrus.Error(err)
				return
			}
			defer session.Close()

			fmt.Println("watching board, press Ctrl+C to stop")

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
		},
	}

	command.Flags().StringVarP(&boardID, "board-id", "b", "", "board id (required)")
	command.Flags().StringVarP(&shareToken, "share-token", "s", "", "share link token")
	command.Flags().SortFlags = false

	return command
}
