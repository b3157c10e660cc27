package atna

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// syslogPriority is facility 10 (security/authorization) at severity 5
// (notice), per RFC 5424.
const syslogPriority = 10*8 + 5

// SyslogEmitter forwards audit events to an ATNA audit record repository
// as RFC 5424 syslog messages over UDP. UDP is fire-and-forget; a
// repository outage never blocks clinical traffic.
type SyslogEmitter struct {
	conn     net.Conn
	hostname string
}

// NewSyslogEmitter dials the audit record repository at addr (host:port).
func NewSyslogEmitter(addr string) (*SyslogEmitter, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("atna: dial audit repository %s: %w", addr, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "-"
	}

	return &SyslogEmitter{conn: conn, hostname: hostname}, nil
}

// Emit writes one event as a syslog datagram.
func (e *SyslogEmitter) Emit(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("atna: marshal audit event: %w", err)
	}

	msg := fmt.Sprintf("<%d>1 %s %s xds-mediator - %s - %s",
		syslogPriority,
		ev.Recorded.UTC().Format(time.RFC3339),
		e.hostname,
		ev.Type,
		payload)

	if _, err := e.conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("atna: write audit datagram: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (e *SyslogEmitter) Close() error {
	return e.conn.Close()
}
