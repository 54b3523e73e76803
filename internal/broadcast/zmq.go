package broadcast

import (
	"fmt"
	"net"

	zmq "github.com/pebbe/zmq4"
)

// Default ports of the external sockets.
const (
	DefaultBroadcastPort = 12321
	DefaultRespondPort   = 12322
)

// MachineIP autodetects the outward-facing IP address of the local machine.
func MachineIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// DefaultURL builds the tcp endpoint used when the configuration does not
// name one.
func DefaultURL(port int) string {
	return fmt.Sprintf("tcp://%s:%d", MachineIP(), port)
}

// Broadcaster publishes tagged data dictionaries to external viewers over a
// ZeroMQ PUB socket. The socket keeps a high-water mark of one message:
// there is no queueing, and data not picked up before the next transmission
// is lost to that client.
type Broadcaster struct {
	sock *zmq.Socket
}

// NewBroadcaster opens the broadcasting socket at url, or at the default
// endpoint when url is empty.
func NewBroadcaster(url string) (*Broadcaster, error) {
	if url == "" {
		url = DefaultURL(DefaultBroadcastPort)
	}
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create broadcasting socket: %v", ErrTransport, err)
	}
	if err := sock.SetSndhwm(1); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: cannot configure broadcasting socket: %v", ErrTransport, err)
	}
	if err := sock.Bind(url); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: cannot bind broadcasting socket at %s: %v", ErrTransport, url, err)
	}
	return &Broadcaster{sock: sock}, nil
}

// SendData broadcasts one tagged dictionary.
func (b *Broadcaster) SendData(tag string, payload map[string]interface{}) error {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := b.sock.Send(tag, zmq.SNDMORE); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if _, err := b.sock.SendBytes(encoded, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close releases the socket.
func (b *Broadcaster) Close() {
	b.sock.Close()
}

// Request is one message received by the Responder: the requesting peer's
// identity and the request body.
type Request struct {
	Identity []byte
	Body     []byte
}

// Responder answers requests from external programs over a ZeroMQ ROUTER
// socket. Peers connect with REQ sockets; the identity returned with each
// request must be passed back when answering it.
type Responder struct {
	sock     *zmq.Socket
	poller   *zmq.Poller
	blocking bool
}

// NewResponder opens the responding socket at url, or at the default
// endpoint when url is empty. A blocking responder waits in GetRequest until
// a request arrives; a non-blocking one returns nil immediately when no
// request is pending.
func NewResponder(url string, blocking bool) (*Responder, error) {
	if url == "" {
		url = DefaultURL(DefaultRespondPort)
	}
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create responding socket: %v", ErrTransport, err)
	}
	if err := sock.SetRcvhwm(1); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: cannot configure responding socket: %v", ErrTransport, err)
	}
	if err := sock.Bind(url); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: cannot bind responding socket at %s: %v", ErrTransport, url, err)
	}
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &Responder{sock: sock, poller: poller, blocking: blocking}, nil
}

// GetRequest retrieves the next pending request, or nil when the responder
// is non-blocking and nothing is waiting.
func (r *Responder) GetRequest() (*Request, error) {
	if !r.blocking {
		polled, err := r.poller.Poll(0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if len(polled) == 0 {
			return nil, nil
		}
	}
	frames, err := r.sock.RecvMessageBytes(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// REQ peers send identity, empty delimiter, body
	if len(frames) < 3 {
		return nil, fmt.Errorf("%w: malformed request with %d frames", ErrTransport, len(frames))
	}
	return &Request{Identity: frames[0], Body: frames[2]}, nil
}

// SendData answers a previously received request.
func (r *Responder) SendData(identity []byte, message []byte) error {
	if _, err := r.sock.SendMessage(identity, []byte{}, message); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// SendPayload answers a previously received request with an encoded
// dictionary.
func (r *Responder) SendPayload(identity []byte, payload map[string]interface{}) error {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return r.SendData(identity, encoded)
}

// Close releases the socket.
func (r *Responder) Close() {
	r.sock.Close()
}
