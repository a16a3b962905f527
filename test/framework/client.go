package framework

import (
	"time"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/cuemby/hutch/pkg/rpc"
)

// Client wraps the admin client with test-friendly methods
type Client struct {
	*client.Client
}

// NewClient creates a new test client wrapper
func NewClient(c *client.Client) *Client {
	return &Client{Client: c}
}

// InstallAndEnable installs a plugin version with its migrations, assigns
// every service in tiers to its tier and enables it
func (c *Client) InstallAndEnable(name, version string, tiers map[string][]string) error {
	if err := c.InstallPlugin(name, version, false, true); err != nil {
		return err
	}
	for service, ts := range tiers {
		for _, tier := range ts {
			if err := c.AppendTier(name, version, service, tier); err != nil {
				return err
			}
		}
	}
	return c.EnablePlugin(name, version, 0)
}

// WhoAmI calls WhoAmIPath of name:version.service at target and returns
// the id of the node that served it
func (c *Client) WhoAmI(name, version, service string, target rpc.Target) (string, error) {
	out, err := c.CallRPC(rpc.Request{
		Path: WhoAmIPath,
		Context: rpc.Context{
			Plugin:  name,
			Service: service,
			Version: version,
			Timeout: 5 * time.Second,
		},
	}, target)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Config returns the committed configuration values of a service
func (c *Client) Config(name, version, service string) (map[string]any, error) {
	cfg, err := c.GetConfig(name, version, service)
	if err != nil {
		return nil, err
	}
	return cfg.Values, nil
}
