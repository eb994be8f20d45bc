package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

var (
	_ API          = (*DockerBackend)(nil)
	_ URLResolver  = (*DockerBackend)(nil)
	_ UsageSampler = (*DockerBackend)(nil)
)

const (
	labelRegion = "previewd.region"
	labelName   = "previewd.name"
)

type DockerConfig struct {
	Network string
	HostIP  string
}

// DockerBackend 用本地容器模拟 machine，用于开发和 CI 环境
type DockerBackend struct {
	client *client.Client
	config DockerConfig
	logger *slog.Logger
}

func NewDockerBackend(cli *client.Client, cfg DockerConfig, logger *slog.Logger) *DockerBackend {
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	return &DockerBackend{
		client: cli,
		config: cfg,
		logger: logger.With("component", "docker-backend"),
	}
}

func (d *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	d.logger.Info("Image not found, pulling...", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// pull 进度必须读完，否则拉取不会结束
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull output: %w", err)
	}
	return nil
}

func (d *DockerBackend) CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error) {
	cfg := req.Config
	if err := d.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	labels := maps.Clone(cfg.Metadata)
	if labels == nil {
		labels = map[string]string{}
	}
	labels[labelRegion] = req.Region
	labels[labelName] = req.Name

	env := make([]string, 0, len(cfg.Env))
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		env = append(env, k+"="+cfg.Env[k])
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, svc := range cfg.Services {
		p := nat.Port(strconv.Itoa(svc.InternalPort) + "/tcp")
		exposed[p] = struct{}{}
		// HostPort 留空，由 docker 分配随机端口
		bindings[p] = []nat.PortBinding{{HostIP: d.config.HostIP}}
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   int64(cfg.Guest.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(cfg.Guest.CPUs) * 1e9,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(cfg.Restart.Policy)},
		AutoRemove:    false,
	}

	var netCfg *network.NetworkingConfig
	if d.config.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.config.Network: {},
			},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// 启动失败时清理容器
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Info("Container started", "container_id", resp.ID, "name", req.Name)
	return d.GetMachine(ctx, resp.ID)
}

func (d *DockerBackend) GetMachine(ctx context.Context, id string) (*Machine, error) {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	m := &Machine{
		ID:        inspect.ID,
		Name:      trimSlash(inspect.Name),
		State:     StateCreated,
		CreatedAt: parseDockerTime(inspect.Created),
	}
	if inspect.State != nil {
		m.State = dockerState(string(inspect.State.Status))
		if inspect.State.Health != nil {
			m.Checks = []Check{{
				Name:   "docker",
				Status: dockerHealth(string(inspect.State.Health.Status)),
			}}
		}
		if t := parseDockerTime(inspect.State.StartedAt); !t.IsZero() {
			m.UpdatedAt = t
		}
	}
	if inspect.Config != nil {
		m.Config.Image = inspect.Config.Image
		m.Config.Metadata = inspect.Config.Labels
		m.Region = inspect.Config.Labels[labelRegion]
	}
	if inspect.HostConfig != nil {
		m.Config.Guest = Guest{
			CPUKind:  "shared",
			CPUs:     int(inspect.HostConfig.NanoCPUs / 1e9),
			MemoryMB: int(inspect.HostConfig.Memory / 1024 / 1024),
		}
		m.Config.Restart.Policy = string(inspect.HostConfig.RestartPolicy.Name)
	}
	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			m.PrivateIP = ep.IPAddress
			break
		}
		for port, binds := range inspect.NetworkSettings.Ports {
			if len(binds) > 0 {
				m.hostPort = binds[0].HostPort
				m.Config.Services = append(m.Config.Services, Service{Protocol: port.Proto(), InternalPort: port.Int()})
			}
		}
	}
	return m, nil
}

func (d *DockerBackend) ListMachines(ctx context.Context) ([]*Machine, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", MetaManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	machines := make([]*Machine, 0, len(list))
	for _, c := range list {
		m := &Machine{
			ID:        c.ID,
			State:     dockerState(string(c.State)),
			Region:    c.Labels[labelRegion],
			Name:      c.Labels[labelName],
			CreatedAt: time.Unix(c.Created, 0).UTC(),
			Config: Config{
				Image:    c.Image,
				Metadata: c.Labels,
			},
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func (d *DockerBackend) StartMachine(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrMachineNotFound
		}
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *DockerBackend) StopMachine(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrMachineNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerBackend) DestroyMachine(ctx context.Context, id string, force bool) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrMachineNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerBackend) MachineURL(m *Machine) string {
	if m.hostPort == "" {
		return ""
	}
	return "http://" + d.config.HostIP + ":" + m.hostPort
}

func dockerState(s string) State {
	switch s {
	case "created":
		return StateCreated
	case "running":
		return StateStarted
	case "restarting":
		return StateStarting
	case "paused", "exited":
		return StateStopped
	case "removing":
		return StateDestroying
	case "dead":
		return StateFailed
	default:
		return State(s)
	}
}

func dockerHealth(s string) string {
	switch s {
	case "healthy":
		return CheckPassing
	case "unhealthy":
		return CheckCritical
	default:
		return CheckWarning
	}
}

func parseDockerTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || t.Year() < 2000 {
		return time.Time{}
	}
	return t
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// SampleUsage 读取一帧 stats。stream=false 时 daemon 也会填充上一次的 CPU 计数，差值可直接使用
func (d *DockerBackend) SampleUsage(ctx context.Context, id string) (*Usage, error) {
	resp, err := d.client.ContainerStats(ctx, id, false)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return usageFromStats(&st, time.Now()), nil
}

func usageFromStats(st *container.StatsResponse, now time.Time) *Usage {
	u := &Usage{SampledAt: now}

	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	online := float64(st.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		u.CPUCores = cpuDelta / sysDelta * online
	}

	// 与 docker stats 一致，扣除 page cache
	used := st.MemoryStats.Usage
	for _, key := range []string{"inactive_file", "total_inactive_file"} {
		if v, ok := st.MemoryStats.Stats[key]; ok && v < used {
			used -= v
			break
		}
	}
	u.MemoryMB = float64(used) / 1024 / 1024
	return u
}
