package connector

import (
	"context"

	"github.com/pkg/errors"
)

// hostDialer is the default Dialer. It picks the transport from the host
// profile: the "local" address sentinel yields the trivial local connection,
// anything else an SSH connection.
type hostDialer struct{}

// NewDialer creates the default dialer.
func NewDialer() Dialer {
	return &hostDialer{}
}

func (d *hostDialer) Dial(ctx context.Context, host Host) (Connection, error) {
	if host == nil {
		return nil, errors.New("host cannot be nil for Dial")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if host.IsLocal() {
		return NewLocalConnection(), nil
	}

	cfg := Config{
		Username:    host.GetUser(),
		Address:     host.GetAddress(),
		Port:        host.GetPort(),
		PrivateKey:  host.GetPrivateKey(),
		KeyFile:     host.GetPrivateKeyPath(),
		AgentSocket: host.GetAgentSocket(),
		Timeout:     host.GetConnectTimeout(),
	}
	return NewSSHConnection(cfg)
}

var _ Dialer = (*hostDialer)(nil)
