// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// analyzectl is an operator CLI for driving the Query API from a
// terminal: submitting PURLs, polling task/queue status, and forcing a
// timeout sweep, without needing to hand-craft curl invocations.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "analyzectl",
	Short: "A debugging tool for the dynamic analysis service",
}

type apiClient struct {
	base   string
	apiKey string
	client *http.Client
}

func newClient() *apiClient {
	return &apiClient{base: *apiBase, apiKey: *apiKey, client: http.DefaultClient}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshalling request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Category string `json:"category"`
			Message  string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrapf(err, "decoding response (status %s)", resp.Status)
	}
	if !env.Success {
		if env.Error != nil {
			return errors.Errorf("%s: %s", env.Error.Category, env.Error.Message)
		}
		return errors.Errorf("request failed: %s", env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "decoding data payload")
		}
	}
	return nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <purl>",
	Short: "Submit a package for dynamic analysis",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out struct {
			Status        string `json:"status"`
			TaskID        string `json:"task_id"`
			QueuePosition int    `json:"queue_position"`
			ResultURL     string `json:"result_url"`
		}
		body := map[string]any{"purl": args[0], "priority": *priority}
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/analyze/", body, &out); err != nil {
			log.Fatal(errors.Wrap(err, "submitting task"))
		}
		fmt.Printf("status=%s task_id=%s queue_position=%d result_url=%s\n", out.Status, out.TaskID, out.QueuePosition, out.ResultURL)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Fetch the status of a submitted task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]any
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/task/"+args[0]+"/", nil, &out); err != nil {
			log.Fatal(errors.Wrap(err, "fetching task status"))
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the current queue and running task",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]any
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/queue/status/", nil, &out); err != nil {
			log.Fatal(errors.Wrap(err, "fetching queue status"))
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	},
}

var timeoutCheckCmd = &cobra.Command{
	Use:   "timeout-check",
	Short: "Force a timeout sweep against the running task",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]any
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/timeout/check/", struct{}{}, &out); err != nil {
			log.Fatal(errors.Wrap(err, "running timeout check"))
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	},
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List tasks of every status for the current credential",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]any
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/reports/", nil, &out); err != nil {
			log.Fatal(errors.Wrap(err, "listing reports"))
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	},
}

var (
	apiBase  = flag.String("api", "http://localhost:8080", "dynamic analysis API base URL")
	apiKey   = flag.String("api-key", "", "credential key sent as X-API-Key")
	priority = flag.Int("priority", 0, "queue priority for a submission (higher runs sooner)")
)

func init() {
	submitCmd.Flags().AddGoFlag(flag.Lookup("api"))
	submitCmd.Flags().AddGoFlag(flag.Lookup("api-key"))
	submitCmd.Flags().AddGoFlag(flag.Lookup("priority"))

	statusCmd.Flags().AddGoFlag(flag.Lookup("api"))
	statusCmd.Flags().AddGoFlag(flag.Lookup("api-key"))

	queueCmd.Flags().AddGoFlag(flag.Lookup("api"))
	queueCmd.Flags().AddGoFlag(flag.Lookup("api-key"))

	timeoutCheckCmd.Flags().AddGoFlag(flag.Lookup("api"))
	timeoutCheckCmd.Flags().AddGoFlag(flag.Lookup("api-key"))

	reportsCmd.Flags().AddGoFlag(flag.Lookup("api"))
	reportsCmd.Flags().AddGoFlag(flag.Lookup("api-key"))

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(timeoutCheckCmd)
	rootCmd.AddCommand(reportsCmd)
}

func main() {
	flag.Parse()
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
