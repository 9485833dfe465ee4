// Package client implements the client side of the wire protocol:
// dialing the control/data connection pair, performing
// the session handshake, and the RemoteCatalogue/RemoteStore proxies
// that forward the Catalogue and Store contracts across it.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/wire"
	"github.com/rs/zerolog"
)

// DialOptions configures a Connection at dial time.
type DialOptions struct {
	// Single forces single-channel mode: control and data share one
	// socket, distinguished only by the header's control bit. Leave
	// false for the default dual-channel model.
	Single bool

	// AvailableFunctionality is advertised to the server during the
	// handshake; Dial appends "single-connection" to it when Single is
	// set so the server knows not to wait for a data dial-back.
	AvailableFunctionality []string
}

// Connection is one control+data socket pair to a single fdb server,
// shared by every RemoteCatalogue/RemoteStore opened against the same
// endpoint. The last client out closes it.
type Connection struct {
	endpoint string
	opts     DialOptions
	version  uint16
	logger   zerolog.Logger

	controlConn net.Conn
	dataConn    net.Conn
	controlWmu  sync.Mutex
	dataWmu     sync.Mutex

	clientSession wire.SessionID
	serverSession wire.SessionID

	nextLogicalClient atomic.Uint32
	nextRequestID     atomic.Uint32

	reqMu   sync.Mutex
	pending map[uint32]chan wire.Frame

	closeOnce sync.Once
	closedCh  chan struct{}
	failErr   error

	refMu    sync.Mutex
	refCount int
}

// Dial opens a fresh Connection to controlAddr, performs the session
// handshake, and starts the background frame readers.
func Dial(ctx context.Context, controlAddr string, opts DialOptions) (*Connection, error) {
	var d net.Dialer
	cc, err := d.DialContext(ctx, "tcp", controlAddr)
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "client.Dial", err).WithEndpoint(controlAddr)
	}

	cs, err := wire.NewSessionID()
	if err != nil {
		cc.Close()
		return nil, err
	}

	c := &Connection{
		endpoint:      controlAddr,
		opts:          opts,
		version:       wire.EffectiveVersion(),
		logger:        logging.WithComponent("client.connection"),
		controlConn:   cc,
		clientSession: cs,
		pending:       make(map[uint32]chan wire.Frame),
		closedCh:      make(chan struct{}),
	}

	functionality := opts.AvailableFunctionality
	if opts.Single {
		functionality = append(append([]string(nil), functionality...), "single-connection")
	}
	req := wire.ControlStartup{
		ClientSession:          cs,
		Endpoint:               cc.LocalAddr().String(),
		ProtocolVersion:        c.version,
		AvailableFunctionality: functionality,
	}
	payload, err := req.Encode()
	if err != nil {
		cc.Close()
		return nil, err
	}
	if err := wire.WriteFrame(cc, wire.Header{
		Version:  c.version,
		Kind:     wire.KindStartup,
		ClientID: wire.EncodeClientID(0, true),
	}, payload); err != nil {
		cc.Close()
		return nil, err
	}

	controlReader := bufio.NewReader(cc)
	respFrame, err := wire.ReadFrame(controlReader)
	if err != nil {
		cc.Close()
		return nil, err
	}
	if respFrame.Header.Kind != wire.KindStartup {
		cc.Close()
		return nil, fdberr.Newf(fdberr.Consistency, "client.Dial", "expected Startup response, got %s", respFrame.Header.Kind)
	}
	resp, err := wire.DecodeControlStartup(respFrame.Payload)
	if err != nil {
		cc.Close()
		return nil, err
	}
	if !resp.ClientSession.Equal(cs) {
		cc.Close()
		return nil, fdberr.Newf(fdberr.Consistency, "client.Dial", "server echoed wrong client session")
	}
	c.serverSession = resp.ServerSession

	if opts.Single {
		c.dataConn = cc
	} else {
		dc, err := d.DialContext(ctx, "tcp", resp.Endpoint)
		if err != nil {
			cc.Close()
			return nil, fdberr.New(fdberr.Transport, "client.Dial", err).WithEndpoint(resp.Endpoint)
		}
		dataStartup := wire.DataStartup{ClientSession: cs, ServerSession: resp.ServerSession}
		dpayload, err := dataStartup.Encode()
		if err != nil {
			cc.Close()
			dc.Close()
			return nil, err
		}
		if err := wire.WriteFrame(dc, wire.Header{
			Version:  c.version,
			Kind:     wire.KindStartup,
			ClientID: wire.EncodeClientID(0, false),
		}, dpayload); err != nil {
			cc.Close()
			dc.Close()
			return nil, err
		}
		dr := bufio.NewReader(dc)
		ack, err := wire.ReadFrame(dr)
		if err != nil {
			cc.Close()
			dc.Close()
			return nil, err
		}
		if ack.Header.Kind == wire.KindError {
			ep, _ := wire.DecodeErrorPayload(ack.Payload)
			cc.Close()
			dc.Close()
			return nil, fdberr.Newf(fdberr.Consistency, "client.Dial", "data handshake rejected: %s", ep.Message)
		}
		c.dataConn = dc
		go c.readLoop(dc, dr, false)
	}

	go c.readLoop(cc, controlReader, true)
	return c, nil
}

// wireVersion is the protocol version this Connection speaks, shared
// with the proxies that frame their own messages.
func (c *Connection) wireVersion() uint16 { return c.version }

// NextLogicalClient hands out a fresh per-Connection client identifier,
// one per RemoteCatalogue/RemoteStore sharing this Connection.
func (c *Connection) NextLogicalClient() uint32 {
	return c.nextLogicalClient.Add(1)
}

func (c *Connection) newRequest(bufSize int) (uint32, chan wire.Frame) {
	id := c.nextRequestID.Add(1)
	ch := make(chan wire.Frame, bufSize)
	c.reqMu.Lock()
	c.pending[id] = ch
	c.reqMu.Unlock()
	return id, ch
}

func (c *Connection) forget(id uint32) {
	c.reqMu.Lock()
	delete(c.pending, id)
	c.reqMu.Unlock()
}

func (c *Connection) readLoop(conn net.Conn, br *bufio.Reader, isControl bool) {
	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f wire.Frame) {
	c.reqMu.Lock()
	ch, ok := c.pending[f.Header.RequestID]
	terminal := f.Header.Kind == wire.KindComplete || f.Header.Kind == wire.KindError
	if ok && terminal {
		delete(c.pending, f.Header.RequestID)
	}
	c.reqMu.Unlock()

	if !ok {
		c.logger.Debug().Uint32("request_id", f.Header.RequestID).Str("kind", f.Header.Kind.String()).
			Msg("dropping frame for unknown request")
		return
	}
	// Delivery blocks when the consumer queue is full: the bounded
	// queue is the backpressure mechanism, propagating to the peer via
	// TCP once this read loop stops draining the socket.
	select {
	case ch <- f:
	case <-c.closedCh:
		// A terminal frame was already unregistered above, so fail()
		// cannot see this channel any more; close it here or nobody will.
		if terminal {
			close(ch)
		}
		return
	}
	if terminal {
		close(ch)
	}
}

// drain discards the rest of a stream whose consumer stopped early, so
// the read loop is never left blocked delivering frames nobody will
// take. The request stays registered: its terminal frame (or the
// connection failing) is what closes the channel and ends the drain.
func (c *Connection) drain(ch <-chan wire.Frame) {
	go func() {
		for f := range ch {
			if f.Header.Kind == wire.KindComplete || f.Header.Kind == wire.KindError {
				return
			}
		}
	}()
}

// fail propagates a fatal transport error to every outstanding
// request's consumer queue and marks the Connection unusable.
func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.failErr = err
		c.reqMu.Lock()
		pending := c.pending
		c.pending = make(map[uint32]chan wire.Frame)
		c.reqMu.Unlock()

		for id, ch := range pending {
			errPayload, _ := wire.ErrorPayload{Kind: "transport", Message: err.Error()}.Encode()
			select {
			case ch <- wire.Frame{Header: wire.Header{Kind: wire.KindError, RequestID: id}, Payload: errPayload}:
			default:
			}
			close(ch)
		}
		if c.controlConn != nil {
			c.controlConn.Close()
		}
		if c.dataConn != nil && c.dataConn != c.controlConn {
			c.dataConn.Close()
		}
		close(c.closedCh)
	})
}

// Err returns the error that caused the Connection to fail, if any.
func (c *Connection) Err() error { return c.failErr }

// Done is closed once the Connection has failed or been explicitly
// closed.
func (c *Connection) Done() <-chan struct{} { return c.closedCh }

func (c *Connection) writeControl(h wire.Header, payload []byte) error {
	h.ClientID = wire.EncodeClientID(h.LogicalClient(), true)
	c.controlWmu.Lock()
	defer c.controlWmu.Unlock()
	return wire.WriteFrame(c.controlConn, h, payload)
}

func (c *Connection) writeData(h wire.Header, payload []byte) error {
	h.ClientID = wire.EncodeClientID(h.LogicalClient(), false)
	conn := c.dataConn
	c.dataWmu.Lock()
	defer c.dataWmu.Unlock()
	return wire.WriteFrame(conn, h, payload)
}

// call sends a single control-channel request and waits for exactly one
// terminal response frame (Complete or Error).
func (c *Connection) call(ctx context.Context, logicalClient uint32, kind wire.Kind, payload []byte) (wire.Frame, error) {
	id, ch := c.newRequest(1)
	h := wire.Header{Version: c.version, Kind: kind, ClientID: wire.EncodeClientID(logicalClient, true), RequestID: id}
	if err := c.writeControl(h, payload); err != nil {
		c.forget(id)
		return wire.Frame{}, err
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return wire.Frame{}, fdberr.New(fdberr.Transport, "client.call", c.failErr)
		}
		if f.Header.Kind == wire.KindError {
			ep, _ := wire.DecodeErrorPayload(f.Payload)
			return f, fdberr.Newf(fdberr.Kind(ep.Kind), "client.call", "%s", ep.Message)
		}
		return f, nil
	case <-ctx.Done():
		c.forget(id)
		return wire.Frame{}, fdberr.New(fdberr.Transport, "client.call", ctx.Err())
	case <-c.closedCh:
		return wire.Frame{}, fdberr.New(fdberr.Transport, "client.call", c.failErr)
	}
}

// stream starts a request whose response is a sequence of frames
// terminated by Complete or Error, returning the channel the caller
// should range over. The channel is closed automatically once the
// terminal frame has been delivered.
func (c *Connection) stream(logicalClient uint32, kind wire.Kind, payload []byte, bufSize int) (uint32, <-chan wire.Frame, error) {
	id, ch := c.newRequest(bufSize)
	h := wire.Header{Version: c.version, Kind: kind, ClientID: wire.EncodeClientID(logicalClient, true), RequestID: id}
	if err := c.writeControl(h, payload); err != nil {
		c.forget(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// Close sends Exit and tears the Connection down. Idempotent.
func (c *Connection) Close() error {
	if c.controlConn != nil {
		_ = c.writeControl(wire.Header{Version: c.version, Kind: wire.KindExit}, nil)
	}
	c.fail(fmt.Errorf("connection closed"))
	return nil
}

func (c *Connection) acquire() { c.refMu.Lock(); c.refCount++; c.refMu.Unlock() }

// release decrements the refcount and reports whether it reached zero
// (the caller, normally the Registry, closes the Connection in that
// case — "last-client-out-closes").
func (c *Connection) release() bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.refCount--
	return c.refCount <= 0
}
