package cloud

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// OpenStackConfig configures the OpenStackBackend against a Nova
// compute endpoint (spec.md §4.6's "OpenStack-compatible" requirement).
type OpenStackConfig struct {
	ComputeEndpoint string // e.g. https://nova.example.org/v2.1/<project>
	Token           string // X-Auth-Token, obtained by the caller via Keystone
	ImageRef        string
	FlavorRef       string
	KeyName         string
	NetworkID       string
}

// OpenStackBackend is the Backend implementation fronting a
// Nova-compatible compute API via plain REST calls, since no
// OpenStack SDK is part of the reference corpus.
type OpenStackBackend struct {
	cfg OpenStackConfig
	hc  *resty.Client
}

// NewOpenStackBackend builds an OpenStackBackend. token is a
// previously-obtained Keystone token; renewal is the caller's
// responsibility.
func NewOpenStackBackend(cfg OpenStackConfig) *OpenStackBackend {
	hc := resty.New().
		SetBaseURL(cfg.ComputeEndpoint).
		SetHeader("X-Auth-Token", cfg.Token).
		SetHeader("Content-Type", "application/json")
	return &OpenStackBackend{cfg: cfg, hc: hc}
}

type osCreateServerRequest struct {
	Server osServerSpec `json:"server"`
}

type osServerSpec struct {
	Name      string `json:"name"`
	ImageRef  string `json:"imageRef"`
	FlavorRef string `json:"flavorRef"`
	KeyName   string `json:"key_name,omitempty"`
	Networks  []struct {
		UUID string `json:"uuid"`
	} `json:"networks,omitempty"`
}

type osServerEnvelope struct {
	Server struct {
		ID        string                         `json:"id"`
		Status    string                         `json:"status"`
		Addresses map[string][]osServerAddress   `json:"addresses"`
	} `json:"server"`
}

type osServerAddress struct {
	Addr    string `json:"addr"`
	Version int    `json:"version"`
	Type    string `json:"OS-EXT-IPS:type"` // "fixed" or "floating"
}

func (b *OpenStackBackend) Launch(ctx context.Context) (string, error) {
	req := osCreateServerRequest{Server: osServerSpec{
		Name:      "gc3-" + uuid.NewString(),
		ImageRef:  b.cfg.ImageRef,
		FlavorRef: b.cfg.FlavorRef,
		KeyName:   b.cfg.KeyName,
	}}
	if b.cfg.NetworkID != "" {
		req.Server.Networks = append(req.Server.Networks, struct {
			UUID string `json:"uuid"`
		}{UUID: b.cfg.NetworkID})
	}

	var out osServerEnvelope
	resp, err := b.hc.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/servers")
	if err != nil {
		return "", fmt.Errorf("openstack: create server: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("openstack: create server: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Server.ID, nil
}

func (b *OpenStackBackend) PublicAddress(ctx context.Context, instanceID string) (string, error) {
	var out osServerEnvelope
	resp, err := b.hc.R().SetContext(ctx).SetResult(&out).Get("/servers/" + instanceID)
	if err != nil {
		return "", fmt.Errorf("openstack: get server: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("openstack: get server: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Server.Status != "ACTIVE" {
		return "", nil
	}
	for _, addrs := range out.Server.Addresses {
		for _, a := range addrs {
			if a.Type == "floating" {
				return a.Addr, nil
			}
		}
	}
	for _, addrs := range out.Server.Addresses {
		for _, a := range addrs {
			return a.Addr, nil
		}
	}
	return "", nil
}

func (b *OpenStackBackend) Terminate(ctx context.Context, instanceID string) error {
	resp, err := b.hc.R().SetContext(ctx).Delete("/servers/" + instanceID)
	if err != nil {
		return fmt.Errorf("openstack: delete server: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("openstack: delete server: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
