package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/config"
	"github.com/saltfish/freqevolve/internal/domain"
)

const (
	// Label keys for container management
	labelGenomeID = "freqevolve.genome_id"
	labelManaged  = "freqevolve.managed"

	// requestEnv carries the JSON encoded backtest request into the container.
	requestEnv = "BACKTEST_REQUEST"

	defaultCPUs     = 2.0
	defaultMemoryMB = 2048
	logTailOnError  = 2000
)

// DockerBacktester runs each backtest in a fresh container of the configured
// backtester image. The container reads BACKTEST_REQUEST and prints its
// result as a JSON line on stdout.
type DockerBacktester struct {
	client      *client.Client
	config      config.DockerConfig
	parser      *Parser
	logger      *zap.Logger
	imageReady  bool
	timeout     time.Duration
	nanoCPUs    int64
	memoryBytes int64
}

// NewDockerBacktester creates a backtester with its own Docker client.
func NewDockerBacktester(cfg config.DockerConfig, logger *zap.Logger) (*DockerBacktester, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	b := &DockerBacktester{
		client:      cli,
		config:      cfg,
		parser:      NewParser(logger),
		logger:      logger,
		nanoCPUs:    int64(defaultCPUs * 1e9),
		memoryBytes: int64(defaultMemoryMB) * 1024 * 1024,
	}

	if cfg.CPULimit != "" {
		cpus, err := strconv.ParseFloat(cfg.CPULimit, 64)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("invalid cpu_limit %q: %w", cfg.CPULimit, err)
		}
		b.nanoCPUs = int64(cpus * 1e9)
	}
	if cfg.MemoryLimit != "" {
		mem, err := units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("invalid memory_limit %q: %w", cfg.MemoryLimit, err)
		}
		b.memoryBytes = mem
	}
	if cfg.ContainerTimeout != "" {
		d, err := time.ParseDuration(cfg.ContainerTimeout)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("invalid container_timeout %q: %w", cfg.ContainerTimeout, err)
		}
		b.timeout = d
	}

	return b, nil
}

// DockerConstructor returns a Constructor that builds one DockerBacktester
// per call.
func DockerConstructor(cfg config.DockerConfig, logger *zap.Logger) Constructor {
	return func() (Backtester, error) {
		return NewDockerBacktester(cfg, logger)
	}
}

// Close releases the Docker client.
func (b *DockerBacktester) Close() error {
	return b.client.Close()
}

// RunBacktest runs one container to completion and parses its output.
// Infrastructure failures are returned as errors; a backtest that ran but
// failed is returned as an error result.
func (b *DockerBacktester) RunBacktest(ctx context.Context, req Request) (*domain.BacktestResult, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure image: %w", err)
	}

	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: b.config.Image,
		Cmd:   b.config.Command,
		Env:   []string{requestEnv + "=" + string(payload)},
		Labels: map[string]string{
			labelGenomeID: req.StrategyID.String(),
			labelManaged:  "true",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: b.nanoCPUs,
			Memory:   b.memoryBytes,
		},
		NetworkMode: container.NetworkMode(b.config.Network),
		AutoRemove:  false,
	}
	if b.config.DataMount != "" {
		hostConfig.Binds = []string{toAbsolutePath(b.config.DataMount) + ":/data:ro"}
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer b.removeContainer(containerID)

	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	b.logger.Debug("Started backtest container",
		zap.String("container_id", shortID(containerID)),
		zap.String("genome_id", req.StrategyID.String()),
		zap.String("symbol", req.Config.Symbol),
	)

	exitCode, logs, err := b.wait(ctx, containerID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		msg := fmt.Sprintf("container exited with code %d", exitCode)
		if perr := checkForErrors(logs); perr != nil {
			msg = perr.Error()
		} else if tail := tailOf(logs, logTailOnError); tail != "" {
			msg += ": " + tail
		}
		return domain.ErrorResult(req.StrategyID, msg), nil
	}

	perf, err := b.parser.Parse(logs)
	if err != nil {
		return domain.ErrorResult(req.StrategyID, err.Error()), nil
	}

	return domain.SuccessResult(req.StrategyID, perf), nil
}

// wait waits for a container to exit and returns its exit code and logs.
func (b *DockerBacktester) wait(ctx context.Context, containerID string) (int64, string, error) {
	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, "", fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, "", fmt.Errorf("container wait ended without status")
	case status := <-statusCh:
		if status.Error != nil {
			return -1, "", fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		logs, err := b.containerLogs(ctx, containerID)
		if err != nil {
			b.logger.Warn("Failed to get container logs",
				zap.String("container_id", shortID(containerID)),
				zap.Error(err),
			)
		}
		return status.StatusCode, logs, nil
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}
}

// containerLogs retrieves the demultiplexed stdout and stderr of a container.
func (b *DockerBacktester) containerLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	var combined strings.Builder
	combined.WriteString(stdout.String())
	if stderr.Len() > 0 {
		combined.WriteString("\n=== STDERR ===\n")
		combined.WriteString(stderr.String())
	}
	return combined.String(), nil
}

func (b *DockerBacktester) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		b.logger.Warn("Failed to remove container",
			zap.String("container_id", shortID(containerID)),
			zap.Error(err),
		)
	}
}

// ensureImage pulls the backtester image once per backtester if it is
// missing locally.
func (b *DockerBacktester) ensureImage(ctx context.Context) error {
	if b.imageReady {
		return nil
	}

	_, _, err := b.client.ImageInspectWithRaw(ctx, b.config.Image)
	if err == nil {
		b.imageReady = true
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to check image: %w", err)
	}

	b.logger.Info("Pulling backtester image", zap.String("image", b.config.Image))

	reader, err := b.client.ImagePull(ctx, b.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}

	b.imageReady = true
	return nil
}

// requestPayload is the JSON document handed to the backtester container.
type requestPayload struct {
	StrategyID     string                 `json:"strategy_id"`
	StrategyClass  string                 `json:"strategy_class"`
	Parameters     map[string]interface{} `json:"parameters"`
	AssetClass     string                 `json:"asset_class"`
	Symbol         string                 `json:"symbol"`
	StartDate      string                 `json:"start_date"`
	EndDate        string                 `json:"end_date"`
	Interval       string                 `json:"interval"`
	InitialCapital float64                `json:"initial_capital"`
	CommissionPct  float64                `json:"commission_pct"`
	SlippagePct    float64                `json:"slippage_pct"`
}

// EncodeRequest renders a request as the container's JSON input.
func EncodeRequest(req Request) ([]byte, error) {
	params := req.Parameters
	if req.Strategy != nil {
		params = req.Strategy.Parameters()
	}

	data, err := json.Marshal(requestPayload{
		StrategyID:     req.StrategyID.String(),
		StrategyClass:  req.StrategyType,
		Parameters:     params.Map(),
		AssetClass:     req.Config.AssetClass,
		Symbol:         req.Config.Symbol,
		StartDate:      req.Config.StartDate,
		EndDate:        req.Config.EndDate,
		Interval:       req.Config.Interval,
		InitialCapital: req.Config.InitialCapital,
		CommissionPct:  req.Config.CommissionPct,
		SlippagePct:    req.Config.SlippagePct,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode backtest request: %w", err)
	}
	return data, nil
}

// toAbsolutePath converts a relative path to an absolute one.
func toAbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Backtester = (*DockerBacktester)(nil)
