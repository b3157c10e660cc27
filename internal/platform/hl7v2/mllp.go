package hl7v2

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpFallbackTimeout bounds an exchange when the caller's context
	// carries no deadline of its own.
	mllpFallbackTimeout = 30 * time.Second
)

// Client sends HL7v2 messages to a remote MLLP peer and reads back the
// framed reply. Each Send dials a fresh connection; PIX traffic is low
// volume and short-lived connections keep deadline handling simple.
type Client struct {
	addr   string
	dialer net.Dialer
}

// NewClient creates an MLLP client for the given host:port address.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Addr returns the remote address this client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Send frames msg, writes it to the remote peer, and reads one complete
// MLLP frame back. The context deadline bounds the whole exchange.
func (c *Client) Send(ctx context.Context, msg []byte) ([]byte, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(mllpFallbackTimeout)
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(FrameMessage(msg)); err != nil {
		return nil, fmt.Errorf("mllp: write to %s: %w", c.addr, err)
	}

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				return nil, fmt.Errorf("mllp: response from %s exceeds max message size", c.addr)
			}

			if respBytes, _, found := UnframeMessage(buf); found {
				return respBytes, nil
			}
		}

		if err != nil {
			return nil, fmt.Errorf("mllp: read from %s: %w", c.addr, err)
		}
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}

	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

// ---------------------------------------------------------------------------
// Message serialization
// ---------------------------------------------------------------------------

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	var segments []string
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment converts a Segment back into its HL7v2 string form.
func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the field separator itself, so reconstruction
		// starts from Fields[1] (the encoding characters).
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string) *Message {
	// incoming.Type is something like "ADT^A04^ADT_A01"; the ACK reuses
	// the trigger event.
	trigger := ""
	if parts := strings.Split(incoming.Type, "^"); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			{Value: "|", Components: []string{"|"}},                           // MSH-1
			{Value: `^~\&`, Components: []string{`^~\&`}},                     // MSH-2
			{Value: ack.SendingApp, Components: []string{ack.SendingApp}},     // MSH-3
			{Value: ack.SendingFac, Components: []string{ack.SendingFac}},     // MSH-4
			{Value: ack.ReceivingApp, Components: []string{ack.ReceivingApp}}, // MSH-5
			{Value: ack.ReceivingFac, Components: []string{ack.ReceivingFac}}, // MSH-6
			{Value: timestamp, Components: []string{timestamp}},               // MSH-7
			{Value: "", Components: []string{""}},                             // MSH-8
			{Value: "ACK^" + trigger, Components: []string{"ACK", trigger}},   // MSH-9
			{Value: controlID, Components: []string{controlID}},               // MSH-10
			{Value: "P", Components: []string{"P"}},                           // MSH-11
			{Value: incoming.Version, Components: []string{incoming.Version}}, // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			{Value: ackCode, Components: []string{ackCode}},                       // MSA-1
			{Value: incoming.ControlID, Components: []string{incoming.ControlID}}, // MSA-2
		},
	}

	ack.Segments = []Segment{msh, msa}

	return ack
}

// ---------------------------------------------------------------------------
// Responder
// ---------------------------------------------------------------------------

// MessageHandler is called for each message received by a Responder.
// It receives the parsed message and returns the response to send back.
// Return nil to send no response.
type MessageHandler func(msg *Message) *Message

// Responder is a minimal MLLP listener. Production traffic flows through
// Client; the Responder stands in for a PIX manager in tests and local
// simulation setups.
type Responder struct {
	addr     string
	handler  MessageHandler
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewResponder creates an MLLP responder that will listen on the given
// address and dispatch parsed messages to handler.
func NewResponder(addr string, handler MessageHandler) *Responder {
	return &Responder{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening for connections. It is non-blocking: the accept
// loop runs in a background goroutine.
func (r *Responder) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", r.addr, err)
	}
	r.listener = ln

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()

	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// all goroutines to finish.
func (r *Responder) Stop() error {
	close(r.done)

	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}

	r.mu.Lock()
	for conn := range r.conns {
		conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()

	return err
}

// Addr returns the listener address string, useful when the responder was
// started with port 0 (OS-assigned port).
func (r *Responder) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

func (r *Responder) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}

		r.trackConn(conn, true)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.trackConn(conn, false)
			defer conn.Close()
			r.handleConnection(conn)
		}()
	}
}

func (r *Responder) trackConn(conn net.Conn, add bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if add {
		r.conns[conn] = struct{}{}
	} else {
		delete(r.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (r *Responder) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpFallbackTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				msg, perr := Parse(msgBytes)
				if perr != nil {
					continue
				}
				resp := r.handler(msg)
				if resp == nil {
					continue
				}

				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if _, werr := conn.Write(FrameMessage(SerializeMessage(resp))); werr != nil {
					return
				}
			}
		}

		if err != nil {
			return
		}
	}
}
