package conn

import (
	"fmt"

	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/logger"
)

func (c *Connection) enqueue(ctrl pdu.Control) error {
	if c.state == Terminating || c.state == Terminated {
		return c.disallowed(fmt.Sprintf("%s while %s", pdu.OpcodeName(ctrl.Opcode()), c.state))
	}
	if _, err := c.queue.Enqueue(ctrl, c.Event); err != nil {
		return fmt.Errorf("conn %d: %w", c.Handle, err)
	}
	logger.Debug(c.prefix, "queued %s", pdu.OpcodeName(ctrl.Opcode()))
	return nil
}

// UpdateParams starts a connection update. The central sends
// LL_CONNECTION_UPDATE_IND directly; the peripheral asks with
// LL_CONNECTION_PARAM_REQ.
func (c *Connection) UpdateParams(p pdu.ConnParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("conn %d: %v: %w", c.Handle, err, pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, c.Handle))
	}
	if c.Role == Central {
		return c.enqueue(&pdu.ConnectionUpdateInd{WinSize: 1, Params: p})
	}
	return c.RequestParams(pdu.ConnParamsRange{
		IntervalMin: p.Interval,
		IntervalMax: p.Interval,
		Latency:     p.Latency,
		Timeout:     p.Timeout,
	})
}

// RequestParams negotiates new parameters inside r with
// LL_CONNECTION_PARAM_REQ.
func (c *Connection) RequestParams(r pdu.ConnParamsRange) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("conn %d: %v: %w", c.Handle, err, pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, c.Handle))
	}
	return c.enqueue(&pdu.ConnectionParam{Op: pdu.OpConnectionParamReq, Range: r, ReferenceEvent: c.Event})
}

// UpdateChannelMap moves the link to a new channel map. Central only.
func (c *Connection) UpdateChannelMap(m pdu.ChannelMap) error {
	if c.Role != Central {
		return c.disallowed("channel map update from peripheral")
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("conn %d: %v: %w", c.Handle, err, pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.OpChannelMapInd, c.Handle))
	}
	return c.enqueue(&pdu.ChannelMapInd{Map: m.Masked()})
}

// SetPHY requests the given transmit and receive PHY preferences.
func (c *Connection) SetPHY(tx, rx pdu.PHY) error {
	tx &= c.cfg.SupportedPHYs
	rx &= c.cfg.SupportedPHYs
	if tx == 0 || rx == 0 {
		return fmt.Errorf("conn %d: no supported PHY in tx %s rx %s: %w", c.Handle, tx, rx,
			pdu.NewError(pdu.ErrUnsupportedFeature, pdu.OpPHYReq, c.Handle))
	}
	return c.enqueue(&pdu.PHYPreference{Op: pdu.OpPHYReq, TxPHYs: tx, RxPHYs: rx})
}

// ReadRemoteFeatures runs the feature exchange, or reports the cached
// result when it already ran.
func (c *Connection) ReadRemoteFeatures() error {
	if c.featuresKnown {
		c.sink.Notify(hostevt.RemoteFeatures{Handle: c.Handle, Status: pdu.Success, Features: c.RemoteFeatures})
		return nil
	}
	op := uint8(pdu.OpFeatureReq)
	if c.Role == Peripheral {
		op = pdu.OpPeripheralFeatureReq
	}
	return c.enqueue(&pdu.FeatureExchange{Op: op, Features: c.cfg.Features.ForPeer()})
}

// ReadRemoteVersion runs the version exchange. LL_VERSION_IND is sent at
// most once per connection.
func (c *Connection) ReadRemoteVersion() error {
	if v := c.RemoteVersion; v != nil {
		c.sink.Notify(hostevt.RemoteVersion{
			Handle:     c.Handle,
			Status:     pdu.Success,
			Version:    v.Version,
			CompanyID:  v.CompanyID,
			SubVersion: v.SubVersion,
		})
		return nil
	}
	if c.versionSent {
		return c.disallowed("version already sent")
	}
	ours := c.cfg.Version
	if err := c.enqueue(&ours); err != nil {
		return err
	}
	c.versionSent = true
	return nil
}

// Ping checks that the peer is still there
func (c *Connection) Ping() error {
	return c.enqueue(&pdu.Ping{Op: pdu.OpPingReq})
}

// SetDataLength changes the local maximum transmit size and starts the data
// length update.
func (c *Connection) SetDataLength(octets, timeUs uint16) error {
	if octets < DefaultDataOctets || octets > MaxDataOctets || timeUs < DefaultDataTime || timeUs > 17040 {
		return fmt.Errorf("conn %d: data length %d/%dus: %w", c.Handle, octets, timeUs,
			pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.OpLengthReq, c.Handle))
	}
	c.cfg.MaxTxOctets = octets
	c.cfg.MaxTxTime = timeUs
	return c.enqueue(&pdu.Length{
		Op:          pdu.OpLengthReq,
		MaxRxOctets: c.cfg.MaxRxOctets,
		MaxRxTime:   c.cfg.MaxRxTime,
		MaxTxOctets: octets,
		MaxTxTime:   timeUs,
	})
}

// Terminate sends LL_TERMINATE_IND ahead of everything else. The link is
// released once the peer acknowledges it, or when the supervision timeout
// runs out.
func (c *Connection) Terminate(reason pdu.ErrorCode) error {
	switch c.state {
	case Terminated:
		return fmt.Errorf("conn %d: %w", c.Handle, pdu.NewError(pdu.ErrUnknownConnectionID, pdu.OpTerminateInd, c.Handle))
	case Terminating:
		return c.disallowed("already terminating")
	}
	c.queue.PushTerminate(&pdu.TerminateInd{Reason: reason}, c.Event)
	c.state = Terminating
	logger.Info(c.prefix, "terminating: %s", reason)
	return nil
}
