package backend

import (
	"context"
	"crypto/md5" //nolint:gosec // PostgreSQL's AuthenticationMD5Password is MD5 by spec
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/shardgate/shardgate/internal/wire"
)

// Credentials identifies a backend login.
type Credentials struct {
	User     string
	Password string
	Database string
}

// DialOptions configures Dial.
type DialOptions struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
	// StartupParams are additional startup parameters sent verbatim
	// (e.g. "application_name"); "user" and "database" are always set
	// from Credentials.
	StartupParams map[string]string
}

// Dial opens a TCP connection to addr and performs the PostgreSQL startup
// and authentication handshake, producing a ready-to-query Connection.
func Dial(ctx context.Context, addr string, creds Credentials, opts DialOptions) (*Connection, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	params := map[string]string{"user": creds.User, "database": creds.Database}
	for k, v := range opts.StartupParams {
		params[k] = v
	}

	if _, err := nc.Write(wire.BuildStartupMessage(params)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("sending startup message to %s: %w", addr, err)
	}

	c := New(nc, addr)
	if err := authenticate(c, creds); err != nil {
		nc.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", addr, err)
	}
	return c, nil
}

// authenticate drives the backend's auth challenge/response to completion,
// leaving c positioned just after ReadyForQuery('I').
func authenticate(c *Connection, creds Credentials) error {
	for {
		msg, err := c.fr.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading auth response: %w", err)
		}

		switch msg.Tag {
		case wire.Authentication:
			if len(msg.Body) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := beU32(msg.Body[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := sendPasswordMessage(c.conn, creds.Password); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(msg.Body) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := msg.Body[4:8]
				md5Pass := computeMD5Password(creds.User, creds.Password, salt)
				if err := sendPasswordMessage(c.conn, md5Pass); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := scramSHA256Auth(c.conn, creds.User, creds.Password, msg.Body); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case wire.ParameterStatus:
			key, val := parseKV(msg.Body)
			if key != "" {
				c.Params[key] = val
			}

		case wire.BackendKeyData:
			if len(msg.Body) >= 8 {
				c.BackendPID = beU32(msg.Body[:4])
				c.BackendKey = beU32(msg.Body[4:8])
			}

		case wire.ReadyForQuery:
			if len(msg.Body) >= 1 && msg.Body[0] == wire.TxIdle {
				c.InSync = true
				c.TxStateVal = TxIdle
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", msg.Body[0])

		case wire.ErrorResponse:
			return fmt.Errorf("backend error during auth: %s", wire.ParseErrorFields(msg.Body).Message)

		default:
			continue
		}
	}
}

func sendPasswordMessage(conn net.Conn, password string) error {
	return wire.WriteMessage(conn, wire.Message{Tag: wire.PasswordMsg, Body: append([]byte(password), 0)})
}

// computeMD5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}

// Cancel opens a fresh side connection to addr and issues a PostgreSQL
// CancelRequest for the given backend key data.
func Cancel(ctx context.Context, addr string, pid, secret uint32, dialTimeout time.Duration) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s for cancel: %w", addr, err)
	}
	defer nc.Close()
	_, err = nc.Write(wire.BuildCancelRequest(pid, secret))
	return err
}
