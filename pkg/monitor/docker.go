package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultDockerSocket is the Docker Engine API unix socket path
const DefaultDockerSocket = "/var/run/docker.sock"

// maxStatsBody bounds how much of a stats response is read
const maxStatsBody = 10 << 20

// DockerProvider fetches container statistics and applies resource limits
// through the Docker Engine API over the unix socket. It implements both
// StatsProvider and LimitApplier.
type DockerProvider struct {
	http *http.Client
}

// NewDockerProvider creates a provider dialing the given socket path.
// An empty path uses the default socket.
func NewDockerProvider(socketPath string) *DockerProvider {
	if socketPath == "" {
		socketPath = DefaultDockerSocket
	}
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &DockerProvider{
		http: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Ping verifies the daemon is reachable
func (p *DockerProvider) Ping(ctx context.Context) error {
	_, err := p.do(ctx, http.MethodGet, "/_ping", nil)
	return err
}

// Stats fetches one non-streaming statistics snapshot for a container
func (p *DockerProvider) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	body, err := p.do(ctx, http.MethodGet, "/containers/"+url.PathEscape(containerID)+"/stats?stream=false", nil)
	if err != nil {
		return nil, err
	}
	var stats ContainerStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", containerID, err)
	}
	return &stats, nil
}

// ApplyLimits writes a resource limit through to the runtime via the
// container update endpoint.
func (p *DockerProvider) ApplyLimits(ctx context.Context, containerID string, limit ResourceLimit) error {
	payload := map[string]any{}
	if limit.CPUCores > 0 {
		payload["NanoCpus"] = int64(limit.CPUCores * 1e9)
	}
	if limit.MemoryBytes > 0 {
		payload["Memory"] = limit.MemoryBytes
	}
	if limit.SwapBytes > 0 {
		payload["MemorySwap"] = limit.MemoryBytes + limit.SwapBytes
	}
	if limit.ReservationBytes > 0 {
		payload["MemoryReservation"] = limit.ReservationBytes
	}
	if limit.MaxProcesses > 0 {
		payload["PidsLimit"] = limit.MaxProcesses
	}
	if len(payload) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode limit update: %w", err)
	}
	_, err = p.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(containerID)+"/update", body)
	return err
}

// ListContainerIDs returns the ids of all running containers, optionally
// filtered to those carrying the given label.
func (p *DockerProvider) ListContainerIDs(ctx context.Context, label string) ([]string, error) {
	path := "/containers/json"
	if label != "" {
		filters, err := json.Marshal(map[string][]string{"label": {label}})
		if err != nil {
			return nil, err
		}
		path += "?filters=" + url.QueryEscape(string(filters))
	}
	body, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var summaries []struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal(body, &summaries); err != nil {
		return nil, fmt.Errorf("decode container list: %w", err)
	}
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (p *DockerProvider) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxStatsBody))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = strconv.Itoa(res.StatusCode)
		}
		return nil, fmt.Errorf("docker api %s %s failed: %s", method, path, msg)
	}
	return data, nil
}
