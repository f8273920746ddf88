package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	servicesKey = "vox:services"

	// serviceTTL is how long after its last heartbeat a service is still
	// considered alive by List.
	serviceTTL = 120 * time.Second

	// HeartbeatInterval is the recommended re-registration period.
	HeartbeatInterval = 30 * time.Second
)

// ServiceInfo is one live worker's registry entry.
type ServiceInfo struct {
	Name        string `json:"service_name"`
	ServiceType string `json:"service_type"`
	Queue       string `json:"queue"`
	Language    string `json:"language,omitempty"`
	LastAlive   int64  `json:"last_alive"`
}

// RegisterService writes (or refreshes) a service's registry entry, stamping
// the heartbeat time.
func (c *Client) RegisterService(ctx context.Context, info ServiceInfo) error {
	info.LastAlive = time.Now().Unix()
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("broker: marshal service %s: %w", info.Name, err)
	}
	if err := c.rdb.HSet(ctx, servicesKey, info.Name, payload).Err(); err != nil {
		return fmt.Errorf("broker: register service %s: %w", info.Name, err)
	}
	return nil
}

// ListServices returns the live registry entries, sorted by name. Entries
// whose heartbeat is older than the liveness window are skipped; undecodable
// entries are skipped with a warning.
func (c *Client) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	raw, err := c.rdb.HGetAll(ctx, servicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list services: %w", err)
	}

	deadline := time.Now().Add(-serviceTTL).Unix()
	services := make([]ServiceInfo, 0, len(raw))
	for name, entry := range raw {
		var info ServiceInfo
		if err := json.Unmarshal([]byte(entry), &info); err != nil {
			c.log.Warn("skipping undecodable service entry", "service", name, "error", err)
			continue
		}
		if info.LastAlive < deadline {
			continue
		}
		services = append(services, info)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// HeartbeatLoop re-registers info every interval until ctx is cancelled.
// Registration failures are logged and retried on the next tick.
func (c *Client) HeartbeatLoop(ctx context.Context, info ServiceInfo, interval time.Duration) error {
	if err := c.RegisterService(ctx, info); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.RegisterService(ctx, info); err != nil {
				c.log.Warn("service heartbeat failed", "service", info.Name, "error", err)
			}
		}
	}
}
