package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"custodian-mesh/pkg/api"
	"custodian-mesh/pkg/mesh"
	"custodian-mesh/pkg/model"
)

// adminClient calls the admin API of a running custodian.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient() *adminClient {
	return &adminClient{
		base:  strings.TrimRight(adminURL, "/"),
		token: adminToken,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e api.ErrorBody
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Error)
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Inspect and edit the peer registry",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List peers with trust and status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var peers []model.Peer
		if err := newAdminClient().do(cmd.Context(), http.MethodGet, "/api/v1/peers", nil, &peers); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENDPOINT\tTRUST\tSTATUS\tSPECIALTIES\tLAST SEEN")
		for _, p := range peers {
			seen := "-"
			if !p.LastSeenAt.IsZero() {
				seen = p.LastSeenAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\t%s\t%s\n", p.ID, p.Endpoint, p.TrustScore, p.Status,
				strings.Join(p.Specialties, ","), seen)
		}
		return tw.Flush()
	},
}

var peerAdd api.PeerRequest

var peersAddCmd = &cobra.Command{
	Use:   "add <id> <endpoint>",
	Short: "Add or update a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := peerAdd
		req.ID, req.Endpoint = args[0], args[1]
		var saved model.Peer
		if err := newAdminClient().do(cmd.Context(), http.MethodPost, "/api/v1/peers", req, &saved); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s trust=%.3f status=%s\n", saved.ID, saved.Endpoint, saved.TrustScore, saved.Status)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the mesh signing secret",
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the signing secret; peers must be given the new one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]string
		if err := newAdminClient().do(cmd.Context(), http.MethodPost, "/api/v1/secret/rotate", nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "new secret fingerprint %s\n", out["fingerprint"])
		return nil
	},
}

var askReq api.MeshQueryRequest

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the mesh through the admin API",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := askReq
		req.Question = strings.Join(args, " ")
		var agg mesh.Aggregate
		if err := newAdminClient().do(cmd.Context(), http.MethodPost, "/api/v1/mesh/query", req, &agg); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if agg.SourcePeerID != "" {
			fmt.Fprintf(out, "%s\n\n(source: %s)\n", agg.Answer, agg.SourcePeerID)
		} else {
			fmt.Fprintln(out, "no peer answered")
		}
		for _, c := range agg.Contributions {
			fmt.Fprintf(out, "  %-20s score=%.3f trust=%.3f relevance=%.3f\n", c.SourcePeerID, c.Score, c.Trust, c.Relevance)
		}
		for _, f := range agg.Failures {
			fmt.Fprintf(out, "  %-20s %s %s\n", f.PeerID, f.Code, f.Error)
		}
		return nil
	},
}

func init() {
	peersAddCmd.Flags().StringVar(&peerAdd.Name, "name", "", "display name")
	peersAddCmd.Flags().StringVar(&peerAdd.PublicKey, "public-key", "", "peer public key")
	peersAddCmd.Flags().StringSliceVar(&peerAdd.Specialties, "specialty", nil, "specialty tag (repeatable)")
	peersCmd.AddCommand(peersListCmd, peersAddCmd)

	secretCmd.AddCommand(secretRotateCmd)

	askCmd.Flags().StringVar(&askReq.Specialty, "specialty", "", "prefer peers with this specialty")
	askCmd.Flags().IntVar(&askReq.TimeoutMs, "timeout-ms", 0, "per-peer timeout in milliseconds")
}
