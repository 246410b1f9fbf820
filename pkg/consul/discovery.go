package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"

	"custodian-mesh/pkg/discovery"
)

// Discoverer lists healthy custodians registered under one Consul service.
// Service tags become peer specialties; the "id" and "name" meta keys, when
// set, override the service instance ID and node name.
type Discoverer struct {
	health  *consulapi.Health
	service string
	scheme  string
}

func NewDiscoverer(cli *consulapi.Client, service, scheme string) *Discoverer {
	if scheme == "" {
		scheme = "http"
	}
	return &Discoverer{health: cli.Health(), service: service, scheme: scheme}
}

func (d *Discoverer) Discover(ctx context.Context) ([]discovery.Candidate, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := d.health.Service(d.service, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("consul health %s: %w", d.service, err)
	}
	out := make([]discovery.Candidate, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" {
			continue
		}
		c := discovery.Candidate{
			ID:          e.Service.ID,
			Endpoint:    fmt.Sprintf("%s://%s", d.scheme, net.JoinHostPort(addr, strconv.Itoa(e.Service.Port))),
			Specialties: append([]string(nil), e.Service.Tags...),
			PublicKey:   e.Service.Meta["public_key"],
		}
		if e.Node != nil {
			c.Name = e.Node.Node
		}
		if v := e.Service.Meta["id"]; v != "" {
			c.ID = v
		}
		if v := e.Service.Meta["name"]; v != "" {
			c.Name = v
		}
		out = append(out, c)
	}
	return out, nil
}
