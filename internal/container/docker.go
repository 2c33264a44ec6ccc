package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/nanogrid/function-agent/internal/descriptor"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/ringbuf"
	"github.com/sirupsen/logrus"
)

// DockerAdapter is the Container Adapter backed by the official moby
// client, the same one the teacher's docker driver wraps alongside
// fsouza/go-dockerclient. We keep only the official client: this agent
// never needs the legacy client's image-cache/event-stream surface.
type DockerAdapter struct {
	cli *client.Client
	log logrus.FieldLogger
}

// NewDockerAdapter dials the daemon from the environment (DOCKER_HOST,
// certs, etc.), negotiates the API version, and verifies connectivity.
func NewDockerAdapter(ctx context.Context, log logrus.FieldLogger) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &OpError{Kind: FailureDaemonUnavailable, Op: "NewDockerAdapter", Cause: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, &OpError{Kind: FailureDaemonUnavailable, Op: "Ping", Cause: err}
	}
	return &DockerAdapter{cli: cli, log: log}, nil
}

func (a *DockerAdapter) Create(ctx context.Context, runtime job.Runtime) (*Slot, error) {
	desc, err := descriptor.Lookup(runtime)
	if err != nil {
		return nil, &OpError{Kind: FailureImageMissing, Op: "Create", Cause: err}
	}

	name := fmt.Sprintf("fnagent-%s-%d", runtime, time.Now().UnixNano())
	resp, err := a.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: desc.ImageTag,
			// sleep-forever entrypoint: the container stays alive between
			// executions and user code runs via exec.
			Entrypoint: []string{"sleep", "infinity"},
		},
		&dockercontainer.HostConfig{
			AutoRemove:  false,
			NetworkMode: "default",
		},
		nil, nil, name)
	if err != nil {
		return nil, classifyCreateErr(err)
	}

	return &Slot{
		ID:        resp.ID,
		Runtime:   runtime,
		State:     StateProvisioning,
		CreatedAt: time.Now(),
	}, nil
}

func (a *DockerAdapter) Start(ctx context.Context, slot *Slot) error {
	if err := a.cli.ContainerStart(ctx, slot.ID, types.ContainerStartOptions{}); err != nil {
		return classifyErr("Start", err)
	}
	return nil
}

func (a *DockerAdapter) Exec(ctx context.Context, slot *Slot, argv []string, workdir string, env map[string]string, stdin io.Reader, memoryCapBytes int64, stdoutCapBytes, stderrCapBytes int) (*ExecResult, error) {
	start := time.Now()

	if memoryCapBytes > 0 {
		if _, err := a.cli.ContainerUpdate(ctx, slot.ID, dockercontainer.UpdateConfig{
			Resources: dockercontainer.Resources{Memory: memoryCapBytes, MemorySwap: memoryCapBytes},
		}); err != nil {
			return nil, classifyErr("Exec.UpdateMemory", err)
		}
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	execCfg := types.ExecConfig{
		Cmd:          argv,
		WorkingDir:   workdir,
		Env:          envList,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	}
	created, err := a.cli.ContainerExecCreate(ctx, slot.ID, execCfg)
	if err != nil {
		return nil, classifyErr("Exec.Create", err)
	}

	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, classifyErr("Exec.Attach", err)
	}
	defer attached.Close()

	if stdin != nil {
		go func() {
			io.Copy(attached.Conn, stdin)
			attached.CloseWrite()
		}()
	}

	// stdcopy demuxes directly into bounded writers so a pathological
	// output flood is capped at copy time, not after an unbounded read has
	// already happened in memory.
	stdout := ringbuf.New(stdoutCapBytes)
	stderr := ringbuf.New(stderrCapBytes)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attached.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		return nil, &OpError{Kind: FailureTimeout, Op: "Exec", Cause: ctx.Err()}
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return nil, classifyErr("Exec.Copy", err)
		}
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classifyErr("Exec.Inspect", err)
	}

	return &ExecResult{
		ExitCode:   inspect.ExitCode,
		StdoutTail: stdout.Bytes(),
		StderrTail: stderr.Bytes(),
		Duration:   time.Since(start),
		OOMKilled:  isOOMExit(inspect.ExitCode),
	}, nil
}

// isOOMExit reports whether an exit code is the conventional signature of
// a cgroup OOM kill (killed by SIGKILL, exit 137). It looks at the exit
// code only; the executor takes the result as-is without checking it
// against sampled RSS.
func isOOMExit(exitCode int) bool {
	return exitCode == 137
}

func (a *DockerAdapter) CopyIn(ctx context.Context, slot *Slot, hostSrc, dstPath string) error {
	buf, err := tarDirectory(hostSrc)
	if err != nil {
		return &OpError{Kind: FailureNotFound, Op: "CopyIn", Cause: err}
	}
	if err := a.cli.CopyToContainer(ctx, slot.ID, dstPath, buf, types.CopyToContainerOptions{}); err != nil {
		return classifyErr("CopyIn", err)
	}
	return nil
}

func (a *DockerAdapter) CopyOut(ctx context.Context, slot *Slot, srcPath, hostDst string) error {
	rc, _, err := a.cli.CopyFromContainer(ctx, slot.ID, srcPath)
	if err != nil {
		return classifyErr("CopyOut", err)
	}
	defer rc.Close()
	// CopyFromContainer's tar is rooted at the basename of srcPath (e.g.
	// srcPath=".../output" yields entries "output/<file>", not
	// "<file>"), so strip that leading component to land the directory's
	// contents directly under hostDst, matching the Adapter interface's
	// contract that CopyOut mirrors srcPath's contents, not its parent.
	return untarTo(rc, hostDst, filepath.Base(srcPath))
}

func (a *DockerAdapter) Stats(ctx context.Context, slot *Slot) (Stats, error) {
	resp, err := a.cli.ContainerStats(ctx, slot.ID, false)
	if err != nil {
		return Stats{}, classifyErr("Stats", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, &OpError{Kind: FailureDaemonUnavailable, Op: "Stats.Decode", Cause: err}
	}
	return Stats{RSSBytes: int64(raw.MemoryStats.Usage)}, nil
}

func (a *DockerAdapter) Pause(ctx context.Context, slot *Slot) error {
	if err := a.cli.ContainerPause(ctx, slot.ID); err != nil {
		return classifyErr("Pause", err)
	}
	return nil
}

func (a *DockerAdapter) Unpause(ctx context.Context, slot *Slot) error {
	if err := a.cli.ContainerUnpause(ctx, slot.ID); err != nil {
		return classifyErr("Unpause", err)
	}
	return nil
}

func (a *DockerAdapter) Kill(ctx context.Context, slot *Slot, signal string) error {
	if err := a.cli.ContainerKill(ctx, slot.ID, signal); err != nil {
		return classifyErr("Kill", err)
	}
	return nil
}

func (a *DockerAdapter) Remove(ctx context.Context, slot *Slot) error {
	if err := a.cli.ContainerRemove(ctx, slot.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return classifyErr("Remove", err)
	}
	return nil
}

func classifyCreateErr(err error) error {
	if client.IsErrNotFound(err) {
		return &OpError{Kind: FailureImageMissing, Op: "Create", Cause: err}
	}
	return classifyErr("Create", err)
}

func classifyErr(op string, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return &OpError{Kind: FailureNotFound, Op: op, Cause: err}
	case client.IsErrConnectionFailed(err):
		return &OpError{Kind: FailureDaemonUnavailable, Op: op, Cause: err}
	default:
		return &OpError{Kind: FailureDaemonUnavailable, Op: op, Cause: err}
	}
}

func tarDirectory(src string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// untarTo extracts r into dst. If stripPrefix is non-empty, the leading
// path component matching it (the tar's own root directory entry) is
// removed from every member's name before it is joined onto dst.
func untarTo(r io.Reader, dst, stripPrefix string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := hdr.Name
		if stripPrefix != "" {
			switch {
			case name == stripPrefix, name == stripPrefix+"/":
				continue // the root directory entry itself
			case strings.HasPrefix(name, stripPrefix+"/"):
				name = strings.TrimPrefix(name, stripPrefix+"/")
			}
		}
		if name == "" {
			continue
		}

		target := filepath.Join(dst, filepath.FromSlash(filepath.Clean(name)))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
