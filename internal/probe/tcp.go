package probe

import (
	"context"
	"fmt"
	"net"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/runtime"
)

type tcpProber struct {
	address string
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
}

func newTCPProber(spec *config.TCPCheckSpec) (Prober, error) {
	address, err := spec.DialAddress()
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	return &tcpProber{
		address: address,
		dialer:  (&net.Dialer{}).DialContext,
	}, nil
}

func (p *tcpProber) Probe(ctx context.Context, _ runtime.Handle) error {
	conn, err := p.dialer(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.address, err)
	}
	return conn.Close()
}
