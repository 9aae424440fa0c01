package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/tracker"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
)

const defaultOriginAddr = "http://localhost:8080"

// =============================================================================
// 🌐 入口客户端
// =============================================================================

// originClient 调用入口服务的 /submit 与 /status 端点
type originClient struct {
	baseURL    string
	httpClient *http.Client
}

func newOriginClient(baseURL string, timeout time.Duration) *originClient {
	return &originClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: tlsutil.SecureHTTPClient(timeout),
	}
}

// Submit 提交视频链接；非 2xx 时仍返回解析出的响应体
func (c *originClient) Submit(ctx context.Context, videoURL string) (handlers.SubmitResponse, error) {
	var out handlers.SubmitResponse
	body, err := json.Marshal(handlers.SubmitRequest{URL: videoURL})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+handlers.PathSubmit, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, err := c.do(req, &out)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("submit failed (%d): %s", status, out.Message)
	}
	return out, nil
}

// Status 查询任务记录，未知任务返回 tracker.ErrNotFound
func (c *originClient) Status(ctx context.Context, taskID string) (tracker.Record, error) {
	var rec tracker.Record
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(taskID), nil)
	if err != nil {
		return rec, err
	}
	status, err := c.do(req, &rec)
	if err != nil {
		return rec, err
	}
	switch status {
	case http.StatusOK:
		return rec, nil
	case http.StatusNotFound:
		return rec, fmt.Errorf("%w: %s", tracker.ErrNotFound, taskID)
	default:
		return rec, fmt.Errorf("status request failed with %d", status)
	}
}

// Watch 订阅状态推送，直到服务端在终态时关闭连接
func (c *originClient) Watch(ctx context.Context, taskID string, fn func(tracker.Record)) error {
	conn, resp, err := websocket.Dial(ctx, c.baseURL+"/status/"+url.PathEscape(taskID)+"/watch", nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", tracker.ErrNotFound, taskID)
		}
		return fmt.Errorf("watch %s: %w", taskID, err)
	}
	defer conn.CloseNow()

	for {
		var rec tracker.Record
		if err := wsjson.Read(ctx, conn, &rec); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("watch %s: %w", taskID, err)
		}
		fn(rec)
	}
}

func (c *originClient) do(req *http.Request, out any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// =============================================================================
// 📨 submit / status
// =============================================================================

func newSubmitCommand(_ *commandContext) *cobra.Command {
	var (
		addr    string
		watch   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <video-url>",
		Short: "Submit a video URL to the origin service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newOriginClient(addr, timeout)
			out := cmd.OutOrStdout()

			resp, err := client.Submit(cmd.Context(), args[0])
			if err != nil {
				if resp.TaskID != "" {
					fmt.Fprintf(out, "Task: %s\n", resp.TaskID)
				}
				return err
			}
			fmt.Fprintf(out, "Task: %s (%s)\n", resp.TaskID, resp.Message)

			if !watch {
				return nil
			}
			var last tracker.Record
			err = client.Watch(cmd.Context(), resp.TaskID, func(rec tracker.Record) {
				if rec.Status != last.Status || rec.Step != last.Step {
					fmt.Fprintf(out, "%s  %-10s %s\n", time.Now().Format(time.TimeOnly), rec.Status, rec.Step)
				}
				last = rec
			})
			if err != nil {
				return err
			}
			printRecord(out, last)
			if last.Status == tracker.StateError {
				return fmt.Errorf("task %s failed: %s", last.TaskID, last.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "origin", defaultOriginAddr, "Origin service address")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the task until it finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "HTTP timeout")

	return cmd
}

func newStatusCommand(_ *commandContext) *cobra.Command {
	var (
		addr    string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newOriginClient(addr, timeout)
			rec, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "origin", defaultOriginAddr, "Origin service address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw record")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP timeout")

	return cmd
}

func printRecord(w io.Writer, rec tracker.Record) {
	rows := [][]string{
		{"Task", rec.TaskID},
		{"Status", string(rec.Status)},
		{"Step", rec.Step},
		{"Reason", string(rec.Reason)},
		{"Inferred", fmt.Sprintf("%t", rec.Inferred)},
	}
	if rec.ResultURL != "" {
		rows = append(rows, []string{"Result", rec.ResultURL})
	}
	if rec.Message != "" {
		rows = append(rows, []string{"Message", rec.Message})
	}
	if !rec.UpdatedAt.IsZero() {
		rows = append(rows, []string{"Updated", rec.UpdatedAt.Format(time.RFC3339)})
	}
	renderTable(w, []string{"Field", "Value"}, rows)
}

// =============================================================================
// 🔍 discover
// =============================================================================

func newDiscoverCommand(ctx *commandContext) *cobra.Command {
	var (
		filter         discovery.Filter
		capabilityType string
		mode           string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List peer stages that satisfy a capability filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Peers.Mode = mode
			}
			filter.CapabilityType = a2a.Capability(capabilityType)

			peers, resolved, err := discovery.ResolvePeers(cfg.Peers.PeerSet(), discovery.DefaultEnvProbe())
			if err != nil {
				return err
			}

			client := discovery.NewClient(peers, newStageClient(cfg, "agentrelay-cli"), &discovery.ClientConfig{
				PeerTimeout: cfg.Discovery.PeerTimeout,
				Concurrency: cfg.Discovery.Concurrency,
			}, nil)

			found, err := client.Discover(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peers (%s): %d, qualified: %d\n", resolved, len(peers), len(found))
			if len(found) == 0 {
				return nil
			}
			renderTable(out, []string{"Name", "Address", "Capabilities", "Matched By"}, discoverRows(found))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Skill, "skill", "", "Skill name (substring match)")
	cmd.Flags().StringVar(&filter.Capability, "capability", "", "Free-text capability")
	cmd.Flags().StringVar(&capabilityType, "capability-type", "", "Enumerated capability, e.g. store_record")
	cmd.Flags().StringVar(&filter.ContentType, "content-type", "", "Content type the stage must accept")
	cmd.Flags().StringVar(&mode, "mode", "", "Peer mode override: auto, local, fleet")

	return cmd
}

func discoverRows(found []discovery.QualifiedStage) [][]string {
	rows := make([][]string, 0, len(found))
	for _, q := range found {
		name := q.Peer.Name
		var caps []string
		if q.Descriptor != nil {
			if q.Descriptor.Name != "" {
				name = q.Descriptor.Name
			}
			for _, c := range q.Descriptor.Capabilities {
				caps = append(caps, string(c))
			}
		}

		keys := make([]string, 0, len(q.MatchedBy))
		for k := range q.MatchedBy {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		matched := make([]string, 0, len(keys))
		for _, k := range keys {
			matched = append(matched, k+"="+string(q.MatchedBy[k]))
		}

		rows = append(rows, []string{name, q.Address(), strings.Join(caps, ", "), strings.Join(matched, ", ")})
	}
	return rows
}

// =============================================================================
// 🏥 health
// =============================================================================

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a stage or origin /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a2a.DefaultClientConfig()
			cc.Timeout = timeout
			client := a2a.NewHTTPClient(cc)

			hctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := client.Health(hctx, addr); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("health check timed out after %s", timeout)
				}
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultOriginAddr, "Server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}
