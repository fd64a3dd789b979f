package coap

import (
	"context"
	"fmt"

	"github.com/pion/dtls/v2"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	coapDtls "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	coapUdpClient "github.com/plgd-dev/go-coap/v3/udp/client"
)

const (
	SchemeCoap  = "coap"
	SchemeCoaps = "coaps"
)

func makeDialOptions(ctx context.Context, config Config, logger log.Logger) ([]udp.Option, error) {
	blockWiseTransferSZX := blockwise.SZX1024
	if config.BlockwiseTransfer.Enabled {
		var err error
		blockWiseTransferSZX, err = BlockWiseTransferSZXFromString(config.BlockwiseTransfer.SZX)
		if err != nil {
			return nil, fmt.Errorf("blockWiseTransferSZX error: %w", err)
		}
	}
	blockwiseTimeout := config.BlockwiseTransfer.Timeout
	if blockwiseTimeout == 0 {
		blockwiseTimeout = config.DialTimeout
	}
	opts := []udp.Option{
		options.WithContext(ctx),
		options.WithBlockwise(config.BlockwiseTransfer.Enabled, blockWiseTransferSZX, blockwiseTimeout),
		options.WithMaxMessageSize(config.MaxMessageSize),
		options.WithErrors(func(e error) {
			logger.Debugf("plgd/go-coap: %v", e)
		}),
	}
	if config.KeepAlive != nil {
		opts = append(opts,
			options.WithKeepAlive(1, config.KeepAlive.Timeout, func(cc *coapUdpClient.Conn) {
				logger.Debugf("connection %v is inactive, closing", cc.RemoteAddr())
				if err := cc.Close(); err != nil {
					logger.Debugf("cannot close connection %v: %v", cc.RemoteAddr(), err)
				}
			}),
			options.WithTransmission(1, config.KeepAlive.Timeout, 2),
		)
	}
	return opts, nil
}

// Dial connects to a device over UDP (scheme coap) or DTLS (scheme coaps). The dtlsCfg is
// required for coaps.
func Dial(ctx context.Context, scheme, addr string, config Config, dtlsCfg *dtls.Config, logger log.Logger) (*coapUdpClient.Conn, error) {
	opts, err := makeDialOptions(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeCoap:
		conn, err := udp.Dial(addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("cannot dial %v://%v: %w", scheme, addr, err)
		}
		return conn, nil
	case SchemeCoaps:
		if dtlsCfg == nil {
			return nil, fmt.Errorf("cannot dial %v://%v: dtls is not configured", scheme, addr)
		}
		conn, err := coapDtls.Dial(addr, dtlsCfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("cannot dial %v://%v: %w", scheme, addr, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unsupported scheme('%v')", scheme)
}
