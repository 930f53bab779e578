package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/logharbor/internal/health"
)

var (
	healthAddr     string
	healthHTTPAddr string
	healthUseHTTP  bool
	healthTimeout  time.Duration
)

// healthCmd probes a running upload
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running logharbor upload",
	Long: `Check the health of a running logharbor upload using the gRPC health
service, or the HTTP /healthz endpoint with --http, which also reports how
many files are pending, succeeded and failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		if healthUseHTTP {
			return checkHTTP(ctx, healthHTTPAddr, cmd.OutOrStdout())
		}

		conn, err := grpc.NewClient(healthAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return errors.Wrap(err, "failed to connect")
		}
		defer conn.Close()
		return checkGRPC(ctx, healthpb.NewHealthClient(conn), cmd.OutOrStdout())
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:50051", "gRPC address of the running upload")
	healthCmd.Flags().StringVar(&healthHTTPAddr, "http-addr", "localhost:8080", "HTTP address of the running upload")
	healthCmd.Flags().BoolVar(&healthUseHTTP, "http", false, "use the HTTP health endpoint")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "health check timeout")

	rootCmd.AddCommand(healthCmd)
}

func checkGRPC(ctx context.Context, client healthpb.HealthClient, out io.Writer) error {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return errors.Wrap(err, "gRPC health check failed")
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("upload is %s", resp.GetStatus())
	}
	if outputJSON {
		return json.NewEncoder(out).Encode(map[string]string{"status": resp.GetStatus().String()})
	}
	fmt.Fprintln(out, "✓ Upload is serving")
	return nil
}

func checkHTTP(ctx context.Context, addr string, out io.Writer) error {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP health check failed")
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errors.Wrapf(err, "decode health response (HTTP %d)", resp.StatusCode)
	}

	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else if st.OK {
		fmt.Fprintf(out, "✓ Upload is healthy: %d pending, %d succeeded, %d failed\n", st.Pending, st.Succeeded, st.Failed)
	} else {
		fmt.Fprintf(out, "✗ Upload is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
	}

	if !st.OK {
		return errors.Errorf("upload unhealthy: %s", st.Message)
	}
	return nil
}
