package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/arkfield/fdb/pkg/store"
	"github.com/arkfield/fdb/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	// handshakeTimeout bounds how long the server waits for the client
	// to dial back on the leased data port.
	handshakeTimeout = 30 * time.Second

	// singleConnection is the functionality string a client advertises
	// to request both channels multiplexed on one socket.
	singleConnection = "single-connection"

	// readChunkSize is how much of a retrieved field travels in one
	// Blob frame.
	readChunkSize = 64 << 10

	// listBatchSize is how many (key, location) pairs travel in one
	// MultiBlob frame.
	listBatchSize = 64

	// flushWaitTimeout bounds how long a flush waits for archive frames
	// still in flight on the data socket to arrive.
	flushWaitTimeout = 30 * time.Second
)

// session is the server half of one connected client: the control and
// data sockets bound together by the handshake, plus the Catalogue and
// Store instances each logical client on the connection has bound.
type session struct {
	srv    *Server
	logger zerolog.Logger

	controlConn   net.Conn
	dataConn      net.Conn
	controlReader *bufio.Reader
	dataReader    *bufio.Reader
	controlWmu    sync.Mutex
	dataWmu       *sync.Mutex // aliases controlWmu in single-channel mode

	clientSession wire.SessionID
	serverSession wire.SessionID

	dataPort int // leased, 0 in single-channel mode

	mu         sync.Mutex
	catalogues map[uint32]*boundCatalogue
	stores     map[uint32]store.Store
	closed     bool

	workers sync.WaitGroup
}

// boundCatalogue is one logical client's Catalogue plus the state the
// server tracks on its behalf: the count of archive frames ingested
// since the last flush and the first error any of them hit. Archive
// frames are fire-and-forget, so a failure surfaces at the next Flush
// instead of being silently dropped.
type boundCatalogue struct {
	cat catalogue.Catalogue

	mu         sync.Mutex
	cond       *sync.Cond
	ingested   int
	archiveErr error
}

func newBoundCatalogue(cat catalogue.Catalogue) *boundCatalogue {
	bc := &boundCatalogue{cat: cat}
	bc.cond = sync.NewCond(&bc.mu)
	return bc
}

func (bc *boundCatalogue) recordArchive(err error) {
	bc.mu.Lock()
	bc.ingested++
	if err != nil && bc.archiveErr == nil {
		bc.archiveErr = err
	}
	bc.cond.Broadcast()
	bc.mu.Unlock()
}

// awaitIngested blocks until this client's archive frames have all
// arrived. Archive frames travel on the data socket while the flush
// request travels on control, so the flush can overtake the tail of
// the archive stream; the count the client sends is exactly how many
// frames to wait for.
func (bc *boundCatalogue) awaitIngested(count int, timeout time.Duration) error {
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		bc.mu.Lock()
		timedOut = true
		bc.cond.Broadcast()
		bc.mu.Unlock()
	})
	defer timer.Stop()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	for bc.ingested < count && bc.archiveErr == nil && !timedOut {
		bc.cond.Wait()
	}
	if err := bc.archiveErr; err != nil {
		bc.archiveErr = nil
		return err
	}
	if bc.ingested < count {
		return fdberr.Newf(fdberr.Consistency, "server.handleFlush",
			"flush expected %d archives, only %d arrived", count, bc.ingested)
	}
	bc.ingested -= count
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer metrics.ConnectionsActive.WithLabelValues("control").Dec()

	sess, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		conn.Close()
		return
	}
	s.track(sess)
	defer s.untrack(sess)
	defer sess.close()

	if sess.dataConn != sess.controlConn {
		sess.workers.Add(1)
		go func() {
			defer sess.workers.Done()
			sess.readLoop(ctx, sess.dataConn)
		}()
	}
	sess.readLoop(ctx, sess.controlConn)
	sess.workers.Wait()
}

// handshake performs the three-step session establishment: read the
// client's Startup on the control socket, reply with both session IDs
// and a data endpoint, then (in dual-channel mode) accept the data
// connection and verify it presents the same session pair before
// binding it. A mismatched data Startup closes the data socket and
// reports a consistency error on the control socket.
func (s *Server) handshake(conn net.Conn) (*session, error) {
	br := bufio.NewReader(conn)
	f, err := wire.ReadFrame(br)
	if err != nil {
		return nil, err
	}
	if f.Header.Kind != wire.KindStartup {
		return nil, fdberr.Newf(fdberr.Consistency, "server.handshake", "expected Startup, got %s", f.Header.Kind)
	}
	startup, err := wire.DecodeControlStartup(f.Payload)
	if err != nil {
		return nil, err
	}

	serverSession, err := wire.NewSessionID()
	if err != nil {
		return nil, err
	}

	single := false
	for _, fn := range startup.AvailableFunctionality {
		if fn == singleConnection {
			single = true
		}
	}

	sess := &session{
		srv:           s,
		logger:        logging.WithComponent("server.session"),
		controlConn:   conn,
		clientSession: startup.ClientSession,
		serverSession: serverSession,
		catalogues:    make(map[uint32]*boundCatalogue),
		stores:        make(map[uint32]store.Store),
	}
	sess.dataWmu = &sess.controlWmu

	var dataLn net.Listener
	dataEndpoint := ""
	if !single {
		port, err := s.ports.Lease(time.Now())
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
		dataEndpoint = net.JoinHostPort(host, fmt.Sprintf("%d", port))
		dataLn, err = net.Listen("tcp", dataEndpoint)
		if err != nil {
			_ = s.ports.Release(port)
			return nil, fdberr.New(fdberr.Transport, "server.handshake", err).WithEndpoint(dataEndpoint)
		}
		sess.dataPort = port
	}

	reply := wire.ControlStartup{
		ClientSession:          startup.ClientSession,
		ServerSession:          serverSession,
		Endpoint:               dataEndpoint,
		ProtocolVersion:        wire.CurrentVersion,
		AvailableFunctionality: startup.AvailableFunctionality,
	}
	payload, err := reply.Encode()
	if err != nil {
		sess.releaseDataPort(dataLn)
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.Header{
		Version:  wire.CurrentVersion,
		Kind:     wire.KindStartup,
		ClientID: wire.EncodeClientID(0, true),
	}, payload); err != nil {
		sess.releaseDataPort(dataLn)
		return nil, err
	}

	if single {
		sess.dataConn = conn
		sess.controlReader = br
		return sess, nil
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := dataLn.Accept()
		accepted <- acceptResult{c, err}
	}()

	var dc net.Conn
	select {
	case r := <-accepted:
		dataLn.Close()
		if r.err != nil {
			sess.releasePort()
			return nil, fdberr.New(fdberr.Transport, "server.handshake", r.err)
		}
		dc = r.conn
	case <-time.After(handshakeTimeout):
		dataLn.Close()
		sess.releasePort()
		return nil, fdberr.Newf(fdberr.Transport, "server.handshake", "client never opened data connection")
	}

	dr := bufio.NewReader(dc)
	dc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	df, err := wire.ReadFrame(dr)
	dc.SetReadDeadline(time.Time{})
	if err != nil {
		dc.Close()
		sess.releasePort()
		return nil, err
	}
	if df.Header.Kind != wire.KindStartup {
		dc.Close()
		sess.releasePort()
		return nil, fdberr.Newf(fdberr.Consistency, "server.handshake", "expected data Startup, got %s", df.Header.Kind)
	}
	ds, err := wire.DecodeDataStartup(df.Payload)
	if err != nil {
		dc.Close()
		sess.releasePort()
		return nil, err
	}
	if !ds.ClientSession.Equal(sess.clientSession) || !ds.ServerSession.Equal(serverSession) {
		dc.Close()
		errPayload, _ := wire.ErrorPayload{
			Kind:    string(fdberr.Consistency),
			Message: "data connection presented mismatched session identifiers",
		}.Encode()
		_ = wire.WriteFrame(conn, wire.Header{
			Version:  wire.CurrentVersion,
			Kind:     wire.KindError,
			ClientID: wire.EncodeClientID(0, true),
		}, errPayload)
		sess.releasePort()
		return nil, fdberr.Newf(fdberr.Consistency, "server.handshake", "session mismatch on data connection")
	}

	if err := wire.WriteFrame(dc, wire.Header{
		Version:  wire.CurrentVersion,
		Kind:     wire.KindReceived,
		ClientID: wire.EncodeClientID(0, false),
	}, nil); err != nil {
		dc.Close()
		sess.releasePort()
		return nil, err
	}

	metrics.ConnectionsActive.WithLabelValues("data").Inc()
	sess.dataConn = dc
	sess.dataWmu = &sync.Mutex{}
	sess.controlReader = br
	sess.dataReader = dr
	return sess, nil
}

func (sess *session) releaseDataPort(ln net.Listener) {
	if ln != nil {
		ln.Close()
	}
	sess.releasePort()
}

func (sess *session) releasePort() {
	if sess.dataPort != 0 {
		_ = sess.srv.ports.Release(sess.dataPort)
		sess.dataPort = 0
	}
}

func (sess *session) close() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	sess.controlConn.Close()
	if sess.dataConn != nil && sess.dataConn != sess.controlConn {
		sess.dataConn.Close()
		metrics.ConnectionsActive.WithLabelValues("data").Dec()
	}
	sess.releasePort()
}

// readLoop drains frames from one socket until it fails or the session
// closes. Quick operations are handled inline; streaming operations
// get their own worker goroutine so one slow retrieval cannot stall
// unrelated requests on the same socket.
func (sess *session) readLoop(ctx context.Context, conn net.Conn) {
	var br *bufio.Reader
	switch conn {
	case sess.controlConn:
		br = sess.controlReader
	default:
		br = sess.dataReader
	}
	if br == nil {
		br = bufio.NewReader(conn)
	}

	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			sess.mu.Lock()
			closed := sess.closed
			sess.mu.Unlock()
			if !closed && !errors.Is(err, io.EOF) {
				sess.logger.Debug().Err(err).Msg("connection read failed")
			}
			sess.close()
			return
		}
		if exit := sess.handleFrame(ctx, f); exit {
			sess.close()
			return
		}
	}
}

// handleFrame dispatches one frame, returning true when the session
// should shut down.
func (sess *session) handleFrame(ctx context.Context, f wire.Frame) bool {
	timer := metrics.NewTimer()
	kind := f.Header.Kind
	var err error
	exit := false

	switch kind {
	case wire.KindExit:
		if f.Header.LogicalClient() == 0 {
			exit = true
		} else {
			sess.unbind(f.Header.LogicalClient())
			err = sess.complete(f.Header, nil)
		}
	case wire.KindControl:
		err = sess.handleControl(ctx, f)
	case wire.KindArchive:
		sess.handleArchiveFrame(f)
	case wire.KindStore:
		sess.workers.Add(1)
		go func(f wire.Frame) {
			defer sess.workers.Done()
			sess.handleStoreArchive(ctx, f)
		}(f)
	case wire.KindFlush:
		err = sess.handleFlush(ctx, f)
	case wire.KindRetrieve:
		err = sess.handleRetrieve(f)
	case wire.KindSchema:
		err = sess.handleSchema(f)
	case wire.KindAxes:
		err = sess.handleAxes(f)
	case wire.KindExists:
		err = sess.handleExists(f)
	case wire.KindList, wire.KindDump:
		sess.workers.Add(1)
		go func(f wire.Frame) {
			defer sess.workers.Done()
			sess.handleList(f)
		}(f)
	case wire.KindRead:
		sess.workers.Add(1)
		go func(f wire.Frame) {
			defer sess.workers.Done()
			sess.handleRead(ctx, f)
		}(f)
	case wire.KindStores:
		err = sess.handleStoreUnits(ctx, f)
	case wire.KindWipe:
		err = sess.handleRemove(ctx, f)
	case wire.KindStats, wire.KindStatus:
		err = sess.handleStats(f)
	default:
		err = fdberr.Newf(fdberr.Consistency, "server.handleFrame", "unexpected message kind %s", kind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		sess.sendError(f.Header, err)
	}
	metrics.RequestsTotal.WithLabelValues(kind.String(), outcome).Inc()
	timer.ObserveDurationVec(metrics.RequestDuration, kind.String())
	return exit
}

func (sess *session) catalogueFor(h wire.Header) (*boundCatalogue, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	bc, ok := sess.catalogues[h.LogicalClient()]
	if !ok {
		return nil, fdberr.Newf(fdberr.UsageError, "server.session", "client %d has no bound catalogue", h.LogicalClient())
	}
	return bc, nil
}

func (sess *session) storeFor(h wire.Header) (store.Store, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	st, ok := sess.stores[h.LogicalClient()]
	if !ok {
		return nil, fdberr.Newf(fdberr.UsageError, "server.session", "client %d has no bound store", h.LogicalClient())
	}
	return st, nil
}

func (sess *session) unbind(logical uint32) {
	sess.mu.Lock()
	delete(sess.catalogues, logical)
	delete(sess.stores, logical)
	sess.mu.Unlock()
}

func (sess *session) handleControl(ctx context.Context, f wire.Frame) error {
	op, body, err := wire.DecodeCtl(f.Payload)
	if err != nil {
		return fdberr.New(fdberr.Corruption, "server.handleControl", err)
	}

	switch op {
	case wire.CtlBindCatalogue:
		writer, err := wire.ReadBool(body)
		if err != nil {
			return err
		}
		dbKey, err := key.Decode(body)
		if err != nil {
			return err
		}
		var cat catalogue.Catalogue
		if writer {
			cat, err = sess.srv.eng.WriterFor(dbKey)
		} else {
			cat, err = sess.srv.eng.ReaderFor(dbKey)
		}
		if err != nil {
			return err
		}
		sess.mu.Lock()
		sess.catalogues[f.Header.LogicalClient()] = newBoundCatalogue(cat)
		sess.mu.Unlock()
		return sess.complete(f.Header, nil)

	case wire.CtlBindStore:
		uri, err := wire.ReadString(body)
		if err != nil {
			return err
		}
		st, err := sess.srv.eng.StoreFor(uri)
		if err != nil {
			return err
		}
		sess.mu.Lock()
		sess.stores[f.Header.LogicalClient()] = st
		sess.mu.Unlock()
		return sess.complete(f.Header, nil)

	case wire.CtlSelectIndex:
		bc, err := sess.catalogueFor(f.Header)
		if err != nil {
			return err
		}
		indexKey, err := key.Decode(body)
		if err != nil {
			return err
		}
		if err := bc.cat.SelectIndex(indexKey); err != nil {
			return err
		}
		return sess.complete(f.Header, nil)

	case wire.CtlDeselectIndex:
		bc, err := sess.catalogueFor(f.Header)
		if err != nil {
			return err
		}
		bc.cat.DeselectIndex()
		return sess.complete(f.Header, nil)

	case wire.CtlSetControlBits:
		bc, err := sess.catalogueFor(f.Header)
		if err != nil {
			return err
		}
		action, err := wire.ReadUint32(body)
		if err != nil {
			return err
		}
		ids, err := wire.ReadUint32(body)
		if err != nil {
			return err
		}
		if err := bc.cat.Control(catalogue.ControlAction(action), catalogue.ControlIdentifier(ids)); err != nil {
			return err
		}
		return sess.complete(f.Header, nil)

	case wire.CtlMask:
		bc, err := sess.catalogueFor(f.Header)
		if err != nil {
			return err
		}
		indexKey, err := key.Decode(body)
		if err != nil {
			return err
		}
		if err := bc.cat.Mask(indexKey); err != nil {
			return err
		}
		return sess.complete(f.Header, nil)

	default:
		return fdberr.Newf(fdberr.Consistency, "server.handleControl", "unknown control op %d", op)
	}
}

// handleArchiveFrame ingests one fire-and-forget catalogue archive from
// the data channel. Errors are held back and surfaced at the next
// Flush, which is the first point the client waits for an answer.
func (sess *session) handleArchiveFrame(f wire.Frame) {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("archive frame for unbound client")
		return
	}

	r := bytes.NewReader(f.Payload)
	datumKey, err := key.Decode(r)
	if err == nil {
		var loc location.FieldLocation
		if loc, err = location.Decode(r); err == nil {
			err = bc.cat.Archive(datumKey, loc)
		}
	}
	bc.recordArchive(err)
}

// handleStoreArchive serves one bulk-bytes archive: write the payload
// into the bound Store and answer with the assigned FieldLocation.
func (sess *session) handleStoreArchive(ctx context.Context, f wire.Frame) {
	st, err := sess.storeFor(f.Header)
	if err != nil {
		sess.sendError(f.Header, err)
		return
	}

	r := bytes.NewReader(f.Payload)
	indexKey, err := key.Decode(r)
	if err != nil {
		sess.sendError(f.Header, fdberr.New(fdberr.Corruption, "server.handleStoreArchive", err))
		return
	}
	n, err := wire.ReadUint32(r)
	if err != nil {
		sess.sendError(f.Header, fdberr.New(fdberr.Corruption, "server.handleStoreArchive", err))
		return
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		sess.sendError(f.Header, fdberr.New(fdberr.Corruption, "server.handleStoreArchive", err))
		return
	}

	res := <-st.Archive(ctx, indexKey, data)
	if res.Err != nil {
		sess.sendError(f.Header, res.Err)
		return
	}
	var buf bytes.Buffer
	if err := location.Encode(&buf, res.Location); err != nil {
		sess.sendError(f.Header, err)
		return
	}
	sess.writeData(wire.Header{
		Version:   wire.CurrentVersion,
		Kind:      wire.KindComplete,
		ClientID:  wire.EncodeClientID(f.Header.LogicalClient(), false),
		RequestID: f.Header.RequestID,
	}, buf.Bytes())
}

// handleFlush is the barrier for whichever contract the logical client
// bound. A catalogue flush carries the exact archive count the client
// observed; any error a fire-and-forget archive hit is reported here.
func (sess *session) handleFlush(ctx context.Context, f wire.Frame) error {
	sess.mu.Lock()
	bc, isCat := sess.catalogues[f.Header.LogicalClient()]
	st, isStore := sess.stores[f.Header.LogicalClient()]
	sess.mu.Unlock()

	switch {
	case isCat:
		count, err := wire.ReadUint32(bytes.NewReader(f.Payload))
		if err != nil {
			return fdberr.New(fdberr.Corruption, "server.handleFlush", err)
		}
		if err := bc.awaitIngested(int(count), flushWaitTimeout); err != nil {
			return err
		}
		if err := bc.cat.Flush(int(count)); err != nil {
			return err
		}
		return sess.complete(f.Header, nil)
	case isStore:
		if err := st.Flush(ctx); err != nil {
			return err
		}
		return sess.complete(f.Header, nil)
	default:
		return fdberr.Newf(fdberr.UsageError, "server.handleFlush", "client %d bound nothing", f.Header.LogicalClient())
	}
}

func (sess *session) handleRetrieve(f wire.Frame) error {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		return err
	}
	datumKey, err := key.Decode(bytes.NewReader(f.Payload))
	if err != nil {
		return fdberr.New(fdberr.Corruption, "server.handleRetrieve", err)
	}
	loc, found, err := bc.cat.Retrieve(datumKey)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := wire.WriteBool(&buf, found); err != nil {
		return err
	}
	if found {
		if err := location.Encode(&buf, loc); err != nil {
			return err
		}
	}
	return sess.complete(f.Header, buf.Bytes())
}

func (sess *session) handleSchema(f wire.Frame) error {
	if len(sess.srv.schemaData) == 0 {
		return fdberr.Newf(fdberr.NotFound, "server.handleSchema", "server has no schema configured")
	}
	return sess.complete(f.Header, sess.srv.schemaData)
}

// indexSummary is the JSON shape the client reconstructs remote Index
// handles from: the Index-Key's ordered pairs, the axes snapshot, and
// the Index timestamp.
type indexSummary struct {
	Pairs     [][2]string
	Axes      map[string][]string
	Timestamp int64
}

func (sess *session) handleAxes(f wire.Frame) error {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		return err
	}
	entries, err := bc.cat.Indexes(true)
	if err != nil {
		return err
	}
	summaries := make([]indexSummary, 0, len(entries))
	for _, e := range entries {
		s := indexSummary{Axes: make(map[string][]string), Timestamp: e.Index.Timestamp().Unix()}
		if e.Key != nil {
			for _, name := range e.Key.Names() {
				v, _ := e.Key.Get(name)
				s.Pairs = append(s.Pairs, [2]string{name, v})
			}
		}
		for _, kw := range e.Index.Keywords() {
			s.Axes[kw] = e.Index.Axes(kw)
		}
		summaries = append(summaries, s)
	}
	payload, err := json.Marshal(summaries)
	if err != nil {
		return err
	}
	return sess.complete(f.Header, payload)
}

func (sess *session) handleExists(f wire.Frame) error {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		return err
	}
	var bits catalogue.ControlIdentifier
	for _, id := range []catalogue.ControlIdentifier{
		catalogue.ControlList, catalogue.ControlRetrieve, catalogue.ControlArchive,
		catalogue.ControlWipe, catalogue.ControlUniqueRoot,
	} {
		if bc.cat.Enabled(id) {
			bits |= id
		}
	}
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(bits)); err != nil {
		return err
	}
	return sess.complete(f.Header, buf.Bytes())
}

// handleList streams every (datum-key, location) entry of the bound
// catalogue matching the request, batched into MultiBlob frames on the
// data channel and terminated by Complete.
func (sess *session) handleList(f wire.Frame) {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		sess.sendError(f.Header, err)
		return
	}
	r := bytes.NewReader(f.Payload)
	req, err := key.DecodeRequest(r)
	if err != nil {
		sess.sendError(f.Header, fdberr.New(fdberr.Corruption, "server.handleList", err))
		return
	}
	// The dedup flag is accepted for compatibility; per-index listing
	// has nothing to collapse.
	_, _ = wire.ReadBool(r)

	entries, err := bc.cat.Indexes(true)
	if err != nil {
		sess.sendError(f.Header, err)
		return
	}

	dataClientID := wire.EncodeClientID(f.Header.LogicalClient(), false)
	var batch bytes.Buffer
	batched := 0
	flushBatch := func() error {
		if batched == 0 {
			return nil
		}
		var payload bytes.Buffer
		if err := wire.WriteUint32(&payload, uint32(batched)); err != nil {
			return err
		}
		if _, err := payload.Write(batch.Bytes()); err != nil {
			return err
		}
		h := wire.Header{Version: wire.CurrentVersion, Kind: wire.KindMultiBlob, ClientID: dataClientID, RequestID: f.Header.RequestID}
		if err := sess.writeData(h, payload.Bytes()); err != nil {
			return err
		}
		batch.Reset()
		batched = 0
		return nil
	}

	for _, e := range entries {
		if e.Key != nil && !matchesRequest(e.Key, req) {
			continue
		}
		if !e.Index.MayContain(req) {
			continue
		}
		err = e.Index.Visit(func(datumKey *key.Key, loc location.FieldLocation) error {
			if !matchesRequest(datumKey, req) {
				return nil
			}
			if err := datumKey.Encode(&batch); err != nil {
				return err
			}
			if err := location.Encode(&batch, loc); err != nil {
				return err
			}
			metrics.ListEntriesEmitted.Inc()
			batched++
			if batched >= listBatchSize {
				return flushBatch()
			}
			return nil
		})
		if err != nil {
			sess.sendError(f.Header, err)
			return
		}
	}
	if err := flushBatch(); err != nil {
		sess.sendError(f.Header, err)
		return
	}
	sess.writeData(wire.Header{
		Version:   wire.CurrentVersion,
		Kind:      wire.KindComplete,
		ClientID:  dataClientID,
		RequestID: f.Header.RequestID,
	}, nil)
}

// matchesRequest reports whether k agrees with req on every name both
// constrain. Names req carries that k does not are undecided at k's
// level, not mismatches.
func matchesRequest(k *key.Key, req *key.Request) bool {
	for _, name := range req.Names() {
		value, ok := k.Get(name)
		if !ok {
			continue
		}
		accepted := req.Values(name)
		if len(accepted) == 0 {
			continue
		}
		matched := false
		for _, v := range accepted {
			if v == value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// handleRead streams the bytes a FieldLocation names back to the
// client as Blob frames terminated by Complete.
func (sess *session) handleRead(ctx context.Context, f wire.Frame) {
	st, err := sess.storeFor(f.Header)
	if err != nil {
		sess.sendError(f.Header, err)
		return
	}
	loc, err := location.Decode(bytes.NewReader(f.Payload))
	if err != nil {
		sess.sendError(f.Header, fdberr.New(fdberr.Corruption, "server.handleRead", err))
		return
	}

	rc, err := st.Retrieve(ctx, loc)
	if err != nil {
		sess.sendError(f.Header, err)
		return
	}
	defer rc.Close()

	dataClientID := wire.EncodeClientID(f.Header.LogicalClient(), false)
	chunk := make([]byte, readChunkSize)
	for {
		n, rerr := rc.Read(chunk)
		if n > 0 {
			h := wire.Header{Version: wire.CurrentVersion, Kind: wire.KindBlob, ClientID: dataClientID, RequestID: f.Header.RequestID}
			if err := sess.writeData(h, chunk[:n]); err != nil {
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			sess.sendError(f.Header, fdberr.New(fdberr.Transport, "server.handleRead", rerr).WithURI(loc.URI()))
			return
		}
	}
	sess.writeData(wire.Header{
		Version:   wire.CurrentVersion,
		Kind:      wire.KindComplete,
		ClientID:  dataClientID,
		RequestID: f.Header.RequestID,
	}, nil)
}

func (sess *session) handleStoreUnits(ctx context.Context, f wire.Frame) error {
	st, err := sess.storeFor(f.Header)
	if err != nil {
		return err
	}
	uris, err := st.StoreUnitURIs(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(uris)
	if err != nil {
		return err
	}
	return sess.complete(f.Header, payload)
}

func (sess *session) handleRemove(ctx context.Context, f wire.Frame) error {
	st, err := sess.storeFor(f.Header)
	if err != nil {
		return err
	}
	r := bytes.NewReader(f.Payload)
	uri, err := wire.ReadString(r)
	if err != nil {
		return fdberr.New(fdberr.Corruption, "server.handleRemove", err)
	}
	doit, err := wire.ReadBool(r)
	if err != nil {
		return fdberr.New(fdberr.Corruption, "server.handleRemove", err)
	}
	if err := st.Remove(ctx, uri, doit); err != nil {
		return err
	}
	return sess.complete(f.Header, nil)
}

// handleStats reports per-index entry and byte counts for the bound
// catalogue as a JSON document.
func (sess *session) handleStats(f wire.Frame) error {
	bc, err := sess.catalogueFor(f.Header)
	if err != nil {
		return err
	}
	entries, err := bc.cat.Indexes(true)
	if err != nil {
		return err
	}
	type indexStats struct {
		IndexKey string
		Entries  int
		Bytes    uint64
	}
	stats := make([]indexStats, 0, len(entries))
	for _, e := range entries {
		s := indexStats{}
		if e.Key != nil {
			s.IndexKey = e.Key.Canonical()
		}
		err := e.Index.Visit(func(_ *key.Key, loc location.FieldLocation) error {
			s.Entries++
			s.Bytes += loc.Length()
			return nil
		})
		if err != nil {
			return err
		}
		stats = append(stats, s)
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return sess.complete(f.Header, payload)
}

// complete replies to a control request with a Complete frame carrying
// payload.
func (sess *session) complete(h wire.Header, payload []byte) error {
	reply := wire.Header{
		Version:   wire.CurrentVersion,
		Kind:      wire.KindComplete,
		ClientID:  wire.EncodeClientID(h.LogicalClient(), true),
		RequestID: h.RequestID,
	}
	sess.controlWmu.Lock()
	defer sess.controlWmu.Unlock()
	return wire.WriteFrame(sess.controlConn, reply, payload)
}

// sendError converts err into an Error frame on the channel the request
// arrived on, so worker goroutines never unwind past the session.
func (sess *session) sendError(h wire.Header, err error) {
	ep := wire.ErrorPayload{Kind: string(kindOf(err)), Message: err.Error()}
	var fe *fdberr.Error
	if errors.As(err, &fe) {
		ep.Endpoint = fe.Endpoint
		ep.URI = fe.URI
	}
	payload, encErr := ep.Encode()
	if encErr != nil {
		payload = nil
	}
	reply := wire.Header{
		Version:   wire.CurrentVersion,
		Kind:      wire.KindError,
		ClientID:  wire.EncodeClientID(h.LogicalClient(), h.Control()),
		RequestID: h.RequestID,
	}
	if h.Control() {
		sess.controlWmu.Lock()
		defer sess.controlWmu.Unlock()
		_ = wire.WriteFrame(sess.controlConn, reply, payload)
		return
	}
	_ = sess.writeData(reply, payload)
}

func kindOf(err error) fdberr.Kind {
	var fe *fdberr.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return fdberr.Transport
}

func (sess *session) writeData(h wire.Header, payload []byte) error {
	sess.dataWmu.Lock()
	defer sess.dataWmu.Unlock()
	return wire.WriteFrame(sess.dataConn, h, payload)
}
