// Package dockerjob runs one revision's CI steps inside a Docker container
// and reports pass/fail plus elapsed time.
package dockerjob

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/ciconfig"
)

// PullTimeout bounds the image pull; RunTimeout bounds the full
// create-start-wait-logs cycle once the image is local.
const (
	PullTimeout = 2 * time.Minute
	RunTimeout  = 10 * time.Minute
)

// Result is what a runner reports back to the dispatcher via RESULT.
type Result struct {
	Status   string
	Seconds  float64
	Combined string
}

const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// Client wraps the Docker SDK client used to execute one CI config at a
// time; a runner only ever has one job in flight, so no pooling is needed.
type Client struct {
	cli    *docker.Client
	logger zerolog.Logger
}

// New dials the Docker daemon using the environment (DOCKER_HOST and
// friends), exactly as the teacher's pool did.
func New(logger zerolog.Logger) (*Client, error) {
	cli, err := docker.NewEnvClient()
	if err != nil {
		return nil, errors.Wrap(err, "connect to docker daemon")
	}
	return &Client{cli: cli, logger: logger}, nil
}

// Run pulls cfg's image, builds a shell command chaining its steps'
// dependency installs and commands, runs it in a fresh container (no
// working copy is mounted into it; CI scripts fetch what they need), and
// returns the status, the combined stdout/stderr and the elapsed time.
func (c *Client) Run(ctx context.Context, cfg *ciconfig.Config) Result {
	start := time.Now()
	status, out, err := c.run(ctx, cfg)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.logger.Warn().Err(err).Str("image", cfg.ImageName).Msg("ci run failed")
		return Result{Status: StatusFail, Seconds: elapsed, Combined: out}
	}
	return Result{Status: status, Seconds: elapsed, Combined: out}
}

func (c *Client) run(parent context.Context, cfg *ciconfig.Config) (string, string, error) {
	ctx, cancel := context.WithTimeout(parent, PullTimeout)
	reader, err := c.cli.ImagePull(ctx, "docker.io/library/"+cfg.ImageName, types.ImagePullOptions{})
	cancel()
	if err != nil {
		return "", "", errors.Wrap(err, "pull image")
	}
	var discard bytes.Buffer
	discard.ReadFrom(reader)
	reader.Close()

	ctx, cancel = context.WithTimeout(parent, RunTimeout)
	defer cancel()

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: cfg.ImageName,
		Cmd:   []string{"sh", "-c", buildScript(cfg)},
		Env:   envSlice(cfg.Env),
		Tty:   false,
	}, nil, nil, "")
	if err != nil {
		return "", "", errors.Wrap(err, "create container")
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", "", errors.Wrap(err, "start container")
	}

	exitCode, err := c.cli.ContainerWait(ctx, resp.ID)
	if err != nil {
		return "", "", errors.Wrap(err, "wait container")
	}

	logs, err := c.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", errors.Wrap(err, "fetch logs")
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)
	combined := stdout.String() + stderr.String()

	if exitCode != 0 {
		return StatusFail, combined, nil
	}
	return StatusOK, combined, nil
}

func buildScript(cfg *ciconfig.Config) string {
	var b strings.Builder
	for _, step := range cfg.Steps {
		for _, dep := range step.Dependencies {
			fmt.Fprintf(&b, "apt-get install -y %s && ", dep)
		}
		fmt.Fprintf(&b, "%s && ", step.Cmd)
	}
	b.WriteString("true")
	return b.String()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
