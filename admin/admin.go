package admin

import (
	"io"
	"sync"
	"time"

	"github.com/5l1v3r1/ssf/sserr"
	"github.com/5l1v3r1/ssf/utils"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// ReservedPort is the fiber port both peers agree the admin service lives
// on (§4.6).
const ReservedPort = 1

// KeepaliveInterval is how often the client sends KEEPALIVE (§4.6). A var,
// not a const, so tests can shrink it instead of waiting out the real
// interval.
var KeepaliveInterval = 120 * time.Second

// MaxMissedKeepalives is how many consecutive missed round-trips tear the
// connection down with PeerTimeout (§4.6).
const MaxMissedKeepalives = 2

// MaxDialAttempts is how many times the initial admin fiber connect is
// retried before giving up with AdminUnreachable (§4.6, resolved Open
// Question: "retries up to 50 times with a short backoff").
const MaxDialAttempts = 50

// ServiceManager is the server side's hook into the microservice framework
// (§4.5); package service's Manager implements it.
type ServiceManager interface {
	CreateService(factoryID string, params map[string]interface{}) (instanceID string, err error)
	StopService(instanceID string) error
	ServiceStatus(instanceID string) (status string, err error)
}

// Transport is what Admin reads and writes framed messages over: normally a
// *fiber.Fiber, abstracted here so admin doesn't import fiber directly and
// can be tested against an in-memory pipe.
type Transport interface {
	io.ReadWriteCloser
}

type handler struct {
	replyCh chan *Message
}

// Admin runs the control-plane protocol over one Transport (a fiber opened
// on ReservedPort). IsServer selects serial parity and which side drives
// HELLO.
type Admin struct {
	conn     Transport
	serials  *serialAllocator
	isServer bool

	svcMgr ServiceManager // nil on the client

	mu       sync.Mutex
	handlers map[uint32]*handler

	writeMu sync.Mutex

	missedKeepalives int
	helloDone        chan struct{}
	helloErr         error

	// OnTeardown fires once when the admin connection dies. Per-service
	// status reporting (§4.6 "report each service's eventual running
	// status") is the caller's concern, not this transport's: machine.M
	// drives that against its own OnUserService/OnInitialization hooks,
	// since it's the one issuing CreateService and knows when the whole
	// batch is done.
	OnTeardown func(error)

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewServer wraps conn on the server side, which opens the HELLO exchange
// via SendHello and dispatches CREATE_SERVICE/STOP_SERVICE/SERVICE_STATUS
// against svcMgr.
func NewServer(conn Transport, svcMgr ServiceManager) *Admin {
	a := &Admin{
		conn:      conn,
		serials:   newServerSerials(),
		isServer:  true,
		svcMgr:    svcMgr,
		handlers:  make(map[uint32]*handler),
		helloDone: make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// NewClient wraps conn on the client side, which answers the server's HELLO
// rather than sending one of its own.
func NewClient(conn Transport) *Admin {
	a := &Admin{
		conn:      conn,
		serials:   newClientSerials(),
		isServer:  false,
		handlers:  make(map[uint32]*handler),
		helloDone: make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Hello blocks until the HELLO exchange completes (server → client on
// serial 3) or the admin connection tears down.
func (a *Admin) Hello() error {
	select {
	case <-a.helloDone:
		return a.helloErr
	case <-a.closedCh:
		return sserr.ErrAborted
	}
}

func (a *Admin) send(m *Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.conn.Write(m.Encode())
	return err
}

// request sends m and blocks for its response, correlated by serial
// (§3: "a response carries the serial of its request").
func (a *Admin) request(cmd CommandID, payload []byte) (*Message, error) {
	return a.requestTimeout(cmd, payload, 0)
}

// requestTimeout is request with an optional round-trip deadline: a positive
// timeout fails with ErrTimedOut if no response arrives in time; a zero
// timeout waits until the response arrives or the connection tears down.
func (a *Admin) requestTimeout(cmd CommandID, payload []byte, timeout time.Duration) (*Message, error) {
	serial := a.serials.Next()
	h := &handler{replyCh: make(chan *Message, 1)}

	a.mu.Lock()
	a.handlers[serial] = h
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.handlers, serial)
		a.mu.Unlock()
	}()

	if err := a.send(&Message{Serial: serial, Command: cmd, Payload: payload}); err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-h.replyCh:
		return resp, nil
	case <-timeoutCh:
		return nil, sserr.ErrTimedOut
	case <-a.closedCh:
		return nil, sserr.ErrAborted
	}
}

func (a *Admin) readLoop() {
	for {
		msg, err := ReadMessage(a.conn)
		if err != nil {
			a.teardown(err)
			return
		}
		a.dispatch(msg)
	}
}

func (a *Admin) dispatch(msg *Message) {
	// An inbound message is a response iff a handler is registered for its
	// serial; otherwise it's a new request this side must answer (§4.6
	// Handler table).
	a.mu.Lock()
	h, isResponse := a.handlers[msg.Serial]
	a.mu.Unlock()

	if isResponse {
		select {
		case h.replyCh <- msg:
		default:
		}
		return
	}

	switch msg.Command {
	case CmdHello:
		a.handleHello(msg)
	case CmdCreateService:
		a.handleCreateService(msg)
	case CmdStopService:
		a.handleStopService(msg)
	case CmdServiceStatus:
		a.handleServiceStatus(msg)
	case CmdKeepalive:
		a.handleKeepalive(msg)
	default:
		if ce := utils.CanLogWarn("unknown admin command"); ce != nil {
			ce.Write(zap.Uint32("serial", msg.Serial), zap.Uint32("command", uint32(msg.Command)))
		}
	}
}

func (a *Admin) handleHello(msg *Message) {
	if a.isServer {
		// shouldn't happen: server originates HELLO. Answer anyway so a
		// misbehaving peer doesn't hang.
		a.send(&Message{Serial: msg.Serial, Command: CmdHello, Payload: encodePayload(HelloPayload{Version: 1})})
		return
	}
	var p HelloPayload
	decodePayload(msg.Payload, &p)

	reply := HelloPayload{Version: 1, Capabilities: p.Capabilities}
	a.send(&Message{Serial: msg.Serial, Command: CmdHello, Payload: encodePayload(reply)})

	select {
	case <-a.helloDone:
	default:
		close(a.helloDone)
	}
}

// SendHello is called by the server once the fiber is up, to open the
// handshake on serial 3 (§4.6 Serial reservation).
func (a *Admin) SendHello() error {
	resp, err := a.request(CmdHello, encodePayload(HelloPayload{Version: 1}))
	if err != nil {
		a.helloErr = err
		close(a.helloDone)
		return err
	}
	var p HelloPayload
	decodePayload(resp.Payload, &p)
	close(a.helloDone)
	return nil
}

func (a *Admin) handleCreateService(msg *Message) {
	var req CreateServiceRequest
	decodePayload(msg.Payload, &req)

	resp := CreateServiceResponse{}
	if a.svcMgr == nil {
		resp.Status = "FAILED"
		resp.Error = sserr.ErrServiceStartFailed.Error()
	} else {
		id, err := a.svcMgr.CreateService(req.FactoryID, req.Params)
		resp.InstanceID = id
		if err != nil {
			resp.Status = "FAILED"
			resp.Error = err.Error()
		} else {
			resp.Status = "RUNNING"
		}
	}
	a.send(&Message{Serial: msg.Serial, Command: CmdCreateService, Payload: encodePayload(resp)})
}

func (a *Admin) handleStopService(msg *Message) {
	var req StopServiceRequest
	decodePayload(msg.Payload, &req)

	resp := StopServiceResponse{Status: "STOPPED"}
	if a.svcMgr != nil {
		if err := a.svcMgr.StopService(req.InstanceID); err != nil {
			resp.Status = "FAILED"
		}
	}
	a.send(&Message{Serial: msg.Serial, Command: CmdStopService, Payload: encodePayload(resp)})
}

func (a *Admin) handleServiceStatus(msg *Message) {
	var req ServiceStatusRequest
	decodePayload(msg.Payload, &req)

	resp := ServiceStatusResponse{Status: "UNKNOWN"}
	if a.svcMgr != nil {
		if status, err := a.svcMgr.ServiceStatus(req.InstanceID); err == nil {
			resp.Status = status
		}
	}
	a.send(&Message{Serial: msg.Serial, Command: CmdServiceStatus, Payload: encodePayload(resp)})
}

func (a *Admin) handleKeepalive(msg *Message) {
	a.missedKeepalives = 0
	if a.isServer {
		// echo it back on the same serial, completing the client's wait.
		a.send(&Message{Serial: msg.Serial, Command: CmdKeepalive})
	}
}

// sendKeepalive issues a non-blocking CMD_KEEPALIVE and returns the serial
// and reply channel RunKeepalive will check at the *next* tick, instead of
// blocking the loop on the round trip. Blocking here for up to a full
// KeepaliveInterval would double-count that wait on top of the ticker's own
// interval, pushing teardown to 3×KeepaliveInterval instead of the 2× that
// two missed round-trips are supposed to cost (§8 scenario 6).
func (a *Admin) sendKeepalive() (serial uint32, replyCh chan *Message, err error) {
	serial = a.serials.Next()
	h := &handler{replyCh: make(chan *Message, 1)}
	a.mu.Lock()
	a.handlers[serial] = h
	a.mu.Unlock()
	if err = a.send(&Message{Serial: serial, Command: CmdKeepalive}); err != nil {
		a.mu.Lock()
		delete(a.handlers, serial)
		a.mu.Unlock()
		return serial, nil, err
	}
	return serial, h.replyCh, nil
}

// RunKeepalive is started by the client once the fiber is open. It sends one
// KEEPALIVE immediately and one more every KeepaliveInterval thereafter;
// each tick first checks whether the *previous* one ever got a reply, so two
// consecutive misses cost exactly 2×KeepaliveInterval before PeerTimeout
// (§4.6, §8 scenario 6), not 3×.
func (a *Admin) RunKeepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	serial, replyCh, err := a.sendKeepalive()
	if err != nil {
		a.teardown(err)
		return
	}

	for {
		select {
		case <-ticker.C:
			select {
			case <-replyCh:
				a.missedKeepalives = 0
			default:
				a.mu.Lock()
				delete(a.handlers, serial)
				a.mu.Unlock()
				a.missedKeepalives++
				if a.missedKeepalives >= MaxMissedKeepalives {
					a.teardown(sserr.ErrPeerTimeout)
					return
				}
			}
			serial, replyCh, err = a.sendKeepalive()
			if err != nil {
				a.teardown(err)
				return
			}
		case <-a.closedCh:
			return
		}
	}
}

// CreateService issues a CREATE_SERVICE request (client side).
func (a *Admin) CreateService(factoryID string, params map[string]interface{}) (instanceID, status string, err error) {
	resp, err := a.request(CmdCreateService, encodePayload(CreateServiceRequest{FactoryID: factoryID, Params: params}))
	if err != nil {
		return "", "", err
	}
	var r CreateServiceResponse
	decodePayload(resp.Payload, &r)
	if r.Status == "FAILED" {
		return r.InstanceID, r.Status, utils.ErrInErr{ErrDesc: "service start failed", ErrDetail: sserr.ErrServiceStartFailed, Data: r.Error}
	}
	return r.InstanceID, r.Status, nil
}

func (a *Admin) StopService(instanceID string) (string, error) {
	resp, err := a.request(CmdStopService, encodePayload(StopServiceRequest{InstanceID: instanceID}))
	if err != nil {
		return "", err
	}
	var r StopServiceResponse
	decodePayload(resp.Payload, &r)
	return r.Status, nil
}

func (a *Admin) ServiceStatus(instanceID string) (string, error) {
	resp, err := a.request(CmdServiceStatus, encodePayload(ServiceStatusRequest{InstanceID: instanceID}))
	if err != nil {
		return "", err
	}
	var r ServiceStatusResponse
	decodePayload(resp.Payload, &r)
	return r.Status, nil
}

// teardown completes every outstanding handler with ErrAborted (§4.6
// Handler table) and fires OnTeardown exactly once.
func (a *Admin) teardown(err error) {
	a.closeOnce.Do(func() {
		close(a.closedCh)
		// every request() blocked on a handler is also selecting on
		// closedCh, so closing it alone completes them all with Aborted
		// (§4.6: "a fiber tear-down completes all outstanding handlers
		// with Cancelled").
		a.mu.Lock()
		for serial := range a.handlers {
			delete(a.handlers, serial)
		}
		a.mu.Unlock()
		a.conn.Close()
		if a.OnTeardown != nil {
			a.OnTeardown(err)
		}
	})
}

func (a *Admin) Close() error {
	a.teardown(sserr.ErrAborted)
	return nil
}

// DialWithRetry retries opening the admin fiber up to maxAttempts times
// with a jittered exponential backoff (200ms initial, 2s cap — §4.6 Open
// Question resolution), giving up with AdminUnreachable.
func DialWithRetry(maxAttempts int, dial func() (Transport, error)) (Transport, error) {
	b := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ce := utils.CanLogWarn("admin fiber connect failed, retrying"); ce != nil {
			ce.Write(zap.Int("attempt", attempt), zap.Error(err))
		}
		time.Sleep(b.Duration())
	}
	return nil, utils.ErrInErr{ErrDesc: "admin fiber unreachable after retries", ErrDetail: sserr.ErrAdminUnreachable, Data: lastErr}
}
