// Package transport implements the SMTP transport (C3): raw-protocol
// delivery over net.Conn, bypassing automatic SMTP extension negotiation
// the way the teacher's smtp_service.go does to avoid strict-server
// rejections of BODY=8BITMIME/SMTPUTF8.
package transport

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// connection wraps a dialed SMTP socket with line-oriented command helpers.
type connection struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newConnection(c net.Conn) *connection {
	return &connection{conn: c, reader: bufio.NewReader(c)}
}

func (c *connection) Close() error { return c.conn.Close() }

func (c *connection) readResponse() (int, string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	if len(line) < 4 {
		return 0, "", fmt.Errorf("short SMTP response: %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", fmt.Errorf("invalid SMTP response code: %q", line)
	}
	return code, strings.TrimSpace(line[4:]), nil
}

// readMultiline consumes a possibly multi-line response (dash-continued
// lines per RFC 5321) and returns the final line's code.
func (c *connection) readMultiline() (int, error) {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		if len(line) < 4 {
			return 0, fmt.Errorf("short SMTP response: %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, fmt.Errorf("invalid SMTP response code: %q", line)
		}
		if line[3] == ' ' {
			return code, nil
		}
	}
}

func (c *connection) sendCommand(cmd string) (int, string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return 0, "", err
	}
	return c.readResponse()
}

func (c *connection) sendCommandMultiline(cmd string) (int, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return 0, err
	}
	return c.readMultiline()
}

// Transport sends raw MIME messages over SMTP.
type Transport struct {
	cfg config.SMTPConfig
}

// New builds a Transport bound to cfg.
func New(cfg config.SMTPConfig) *Transport {
	return &Transport{cfg: cfg}
}

// Send delivers msg to recipients, classifying the outcome into the
// mailerr taxonomy so the dispatcher can decide retry vs terminal failure
// without re-parsing SMTP codes itself (§4.5, §7).
func (t *Transport) Send(from string, recipients []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Server, t.cfg.Port)
	dialTimeout := t.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	var conn net.Conn
	var err error
	if t.cfg.ConnectionMode == config.ConnectionModeSSL {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, &tls.Config{ServerName: t.cfg.Server, MinVersion: tls.VersionTLS12})
	} else {
		conn, err = (&net.Dialer{Timeout: dialTimeout}).Dial("tcp", addr)
	}
	if err != nil {
		return mailerr.TransportTransient(err, "dial smtp server")
	}

	c := newConnection(conn)
	defer c.Close()

	if err := expectMultiline(c, 220, "greeting"); err != nil {
		return err
	}
	if err := ehlo(c); err != nil {
		return err
	}

	if t.cfg.ConnectionMode == config.ConnectionModeStartTLS {
		code, _, err := c.sendCommand("STARTTLS")
		if err != nil {
			return mailerr.TransportTransient(err, "STARTTLS command")
		}
		if code != 220 {
			return mailerr.TransportPermanent(fmt.Errorf("STARTTLS rejected: %d", code), "STARTTLS rejected")
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.cfg.Server, MinVersion: tls.VersionTLS12})
		if err := tlsConn.Handshake(); err != nil {
			return mailerr.TransportTransient(err, "TLS handshake")
		}
		c = newConnection(tlsConn)
		defer c.Close()
		if err := ehlo(c); err != nil {
			return err
		}
	}

	if t.cfg.Username != "" && t.cfg.Password != "" {
		authString := fmt.Sprintf("\x00%s\x00%s", t.cfg.Username, t.cfg.Password)
		encoded := base64.StdEncoding.EncodeToString([]byte(authString))
		code, resp, err := c.sendCommand("AUTH PLAIN " + encoded)
		if err != nil {
			return mailerr.TransportTransient(err, "AUTH command")
		}
		if code != 235 {
			return classifyCode(code, resp, "authentication")
		}
	}

	code, resp, err := c.sendCommand(fmt.Sprintf("MAIL FROM:<%s>", from))
	if err != nil {
		return mailerr.TransportTransient(err, "MAIL FROM command")
	}
	if code != 250 {
		return classifyCode(code, resp, "MAIL FROM")
	}

	for _, rcpt := range recipients {
		if rcpt == "" {
			continue
		}
		code, resp, err := c.sendCommand(fmt.Sprintf("RCPT TO:<%s>", rcpt))
		if err != nil {
			return mailerr.TransportTransient(err, "RCPT TO command")
		}
		if code != 250 && code != 251 {
			return classifyRecipientCode(code, resp, "RCPT TO "+rcpt)
		}
	}

	code, resp, err = c.sendCommand("DATA")
	if err != nil {
		return mailerr.TransportTransient(err, "DATA command")
	}
	if code != 354 {
		return classifyCode(code, resp, "DATA")
	}

	if _, err := c.conn.Write(msg); err != nil {
		return mailerr.TransportTransient(err, "write message body")
	}
	if _, err := fmt.Fprintf(c.conn, "\r\n.\r\n"); err != nil {
		return mailerr.TransportTransient(err, "write message terminator")
	}

	code, resp, err = c.readResponse()
	if err != nil {
		return mailerr.TransportTransient(err, "read DATA response")
	}
	if code != 250 {
		return classifyCode(code, resp, "message body rejected")
	}

	_, _, _ = c.sendCommand("QUIT")
	return nil
}

// TestConnection dials over plain TCP and completes the greeting and EHLO
// exchange without sending a message, for the health reporter's SMTP probe
// (§4.9). It does not negotiate STARTTLS or SSL and does not authenticate.
func (t *Transport) TestConnection() error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Server, t.cfg.Port)
	dialTimeout := t.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	conn, err := (&net.Dialer{Timeout: dialTimeout}).Dial("tcp", addr)
	if err != nil {
		return mailerr.TransportTransient(err, "dial smtp server")
	}
	c := newConnection(conn)
	defer c.Close()

	if err := expectMultiline(c, 220, "greeting"); err != nil {
		return err
	}
	return ehlo(c)
}

func ehlo(c *connection) error {
	code, err := c.sendCommandMultiline("EHLO localhost")
	if err != nil {
		return mailerr.TransportTransient(err, "EHLO command")
	}
	if code != 250 {
		return mailerr.TransportPermanent(fmt.Errorf("EHLO rejected: %d", code), "EHLO rejected")
	}
	return nil
}

func expectMultiline(c *connection, want int, step string) error {
	code, err := c.readMultiline()
	if err != nil {
		return mailerr.TransportTransient(err, "read "+step)
	}
	if code != want {
		return mailerr.TransportPermanent(fmt.Errorf("unexpected %s code: %d", step, code), "unexpected "+step)
	}
	return nil
}

// classifyCode maps an SMTP reply code to retryable (4xx) or permanent
// (5xx) per §7's transport error kinds.
func classifyCode(code int, resp, step string) error {
	err := fmt.Errorf("%s: %d %s", step, code, resp)
	if code >= 400 && code < 500 {
		return mailerr.TransportTransient(err, step)
	}
	return mailerr.TransportPermanent(err, step)
}

// classifyRecipientCode classifies an RCPT TO rejection. A 5xx here (e.g.
// "550 no such user") rejects the address, not the connection, so it is
// tagged recipient-class and must not count against the relay's circuit
// breaker the way a MAIL FROM/DATA/EHLO rejection does.
func classifyRecipientCode(code int, resp, step string) error {
	err := fmt.Errorf("%s: %d %s", step, code, resp)
	if code >= 400 && code < 500 {
		return mailerr.TransportTransient(err, step)
	}
	return mailerr.TransportPermanentRecipient(err, step)
}
