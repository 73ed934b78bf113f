package pgengine

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/pgengine/pgengine/codes"
	pgerror "github.com/pgengine/pgengine/errors"
	"github.com/pgengine/pgengine/protocol"
	"golang.org/x/crypto/pbkdf2"
)

// establishResult carries everything the startup sequence learns about the
// server: its announced parameters and the key needed to issue a cancel
// request later.
type establishResult struct {
	conn           net.Conn
	reader         *protocol.Reader
	writer         *protocol.Writer
	parameters     map[string]string
	backendPID     int32
	backendSecret  int32
	transactionIdx protocol.TransactionStatus
}

// establish drives the startup packet, optional TLS upgrade, authentication
// exchange and parameter retrieval, leaving the connection ready for normal
// command traffic.
func establish(ctx context.Context, logger *slog.Logger, conn net.Conn, cfg *Config) (*establishResult, error) {
	conn, err := maybeUpgradeTLS(conn, cfg)
	if err != nil {
		return nil, err
	}

	writer := protocol.NewWriter(logger, conn)
	if err := writeStartupPacket(writer, cfg); err != nil {
		return nil, err
	}

	reader := protocol.NewReader(logger, conn, cfg.bufferedMsgSize())

	result := &establishResult{conn: conn, reader: reader, writer: writer, parameters: map[string]string{}}

	if err := authenticate(ctx, reader, writer, cfg); err != nil {
		return nil, err
	}

	if err := readUntilReady(result); err != nil {
		return nil, err
	}

	return result, nil
}

func maybeUpgradeTLS(conn net.Conn, cfg *Config) (net.Conn, error) {
	if cfg.TLSConfig == nil {
		return conn, nil
	}

	logger := cfg.logger()
	logger.Debug("requesting a TLS upgrade")

	req := make([]byte, 8)
	req[3] = 8
	putUint32(req[4:], uint32(protocol.VersionSSLRequest))

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return nil, err
	}

	switch reply[0] {
	case 'S':
		logger.Debug("server accepted the TLS upgrade")
		return tls.Client(conn, cfg.TLSConfig), nil
	case 'N':
		if cfg.TLSRequired {
			return nil, errors.New("server does not support TLS but the connection requires it")
		}

		logger.Debug("server does not support TLS, continuing unencrypted")
		return conn, nil
	default:
		return nil, fmt.Errorf("unexpected response to SSLRequest: %q", reply[0])
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// writeStartupPacket writes the untyped startup message: length, protocol
// version, then null-terminated key/value parameter pairs ending in an
// empty key.
func writeStartupPacket(writer *protocol.Writer, cfg *Config) error {
	writer.StartTag(0)
	writer.AddInt32(int32(protocol.Version30))

	params := cfg.startupParameters()
	for key, value := range params {
		writer.AddNullTerminate(key)
		writer.AddNullTerminate(value)
	}
	writer.AddByte(0)

	return writer.End()
}

// authenticate loops over Authentication sub-messages until AuthOK, handling
// whichever mechanism the server asked for.
func authenticate(ctx context.Context, reader *protocol.Reader, writer *protocol.Writer, cfg *Config) error {
	for {
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		switch t {
		case protocol.BackendErrorResponse:
			return readErrorResponse(reader)
		case protocol.BackendAuth:
			done, err := handleAuthMessage(reader, writer, cfg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return fmt.Errorf("unexpected message %q during authentication", t)
		}
	}
}

// handleAuthMessage processes one Authentication frame and returns true once
// AuthOK has been observed.
func handleAuthMessage(reader *protocol.Reader, writer *protocol.Writer, cfg *Config) (bool, error) {
	sub, err := reader.GetInt32()
	if err != nil {
		return false, err
	}

	switch protocol.AuthType(sub) {
	case protocol.AuthOK:
		return true, nil
	case protocol.AuthCleartextPassword:
		return false, sendPassword(writer, cfg.Password)
	case protocol.AuthMD5Password:
		salt, err := reader.GetBytes(4)
		if err != nil {
			return false, err
		}
		return false, sendPassword(writer, md5Password(cfg.Username, cfg.Password, salt))
	case protocol.AuthSASL:
		return false, performSCRAM(reader, writer, cfg)
	default:
		return false, fmt.Errorf("unsupported authentication method %d", sub)
	}
}

func sendPassword(writer *protocol.Writer, password string) error {
	writer.Start(protocol.FrontendPassword)
	writer.AddNullTerminate(password)
	return writer.End()
}

func md5Password(username, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// performSCRAM implements the SCRAM-SHA-256 exchange: a client-first
// message, a server-first message carrying salt/iterations/nonce, a
// client-final message authenticated with a salted-password HMAC, and a
// server-final message the client verifies before accepting the session.
func performSCRAM(reader *protocol.Reader, writer *protocol.Writer, cfg *Config) error {
	mechanisms := []string{}
	for {
		m, err := reader.GetString()
		if err != nil {
			return err
		}
		if m == "" {
			break
		}
		mechanisms = append(mechanisms, m)
	}

	wantsSHA256 := false
	for _, m := range mechanisms {
		if m == "SCRAM-SHA-256" {
			wantsSHA256 = true
		}
	}
	if !wantsSHA256 {
		return fmt.Errorf("server offered no supported SCRAM mechanism: %v", mechanisms)
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return err
	}

	clientFirstBare := "n=,r=" + clientNonce
	clientFirst := "n,," + clientFirstBare

	writer.Start(protocol.FrontendPassword)
	writer.AddNullTerminate("SCRAM-SHA-256")
	writer.AddInt32(int32(len(clientFirst)))
	writer.AddString(clientFirst)
	if err := writer.End(); err != nil {
		return err
	}

	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return err
	}
	if t != protocol.BackendAuth {
		return fmt.Errorf("unexpected message %q awaiting SCRAM server-first", t)
	}

	sub, err := reader.GetInt32()
	if err != nil {
		return err
	}
	if protocol.AuthType(sub) != protocol.AuthSASLContinue {
		return fmt.Errorf("unexpected auth sub-type %d awaiting SCRAM server-first", sub)
	}

	serverFirst := string(reader.Remaining())
	fields, err := parseSCRAMFields(serverFirst)
	if err != nil {
		return err
	}

	serverNonce := fields["r"]
	salt, err := base64.StdEncoding.DecodeString(fields["s"])
	if err != nil {
		return fmt.Errorf("decoding SCRAM salt: %w", err)
	}

	var iterations int
	if _, err := fmt.Sscanf(fields["i"], "%d", &iterations); err != nil {
		return fmt.Errorf("parsing SCRAM iteration count: %w", err)
	}

	if !strings.HasPrefix(serverNonce, clientNonce) {
		return errors.New("server SCRAM nonce does not extend the client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(cfg.Password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	writer.Start(protocol.FrontendPassword)
	writer.AddString(clientFinal)
	if err := writer.End(); err != nil {
		return err
	}

	t, _, err = reader.ReadTypedMsg()
	if err != nil {
		return err
	}
	if t != protocol.BackendAuth {
		return fmt.Errorf("unexpected message %q awaiting SCRAM server-final", t)
	}

	sub, err = reader.GetInt32()
	if err != nil {
		return err
	}
	if protocol.AuthType(sub) != protocol.AuthSASLFinal {
		return fmt.Errorf("unexpected auth sub-type %d awaiting SCRAM server-final", sub)
	}

	serverFinal := string(reader.Remaining())
	finalFields, err := parseSCRAMFields(serverFinal)
	if err != nil {
		return err
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSignature := hmacSHA256(serverKey, []byte(authMessage))

	gotSignature, err := base64.StdEncoding.DecodeString(finalFields["v"])
	if err != nil {
		return fmt.Errorf("decoding SCRAM server signature: %w", err)
	}

	if !hmac.Equal(gotSignature, expectedSignature) {
		return errors.New("SCRAM server signature verification failed")
	}

	return nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func parseSCRAMFields(s string) (map[string]string, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed SCRAM field: %q", part)
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}

// readUntilReady consumes ParameterStatus/BackendKeyData/NoticeResponse
// frames until ReadyForQuery closes out the startup sequence.
func readUntilReady(result *establishResult) error {
	for {
		t, _, err := result.reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		switch t {
		case protocol.BackendParameterStatus:
			name, err := result.reader.GetString()
			if err != nil {
				return err
			}
			value, err := result.reader.GetString()
			if err != nil {
				return err
			}
			result.parameters[name] = value
		case protocol.BackendBackendKeyData:
			pid, err := result.reader.GetInt32()
			if err != nil {
				return err
			}
			secret, err := result.reader.GetInt32()
			if err != nil {
				return err
			}
			result.backendPID = pid
			result.backendSecret = secret
		case protocol.BackendNoticeResponse:
			continue
		case protocol.BackendErrorResponse:
			return readErrorResponse(result.reader)
		case protocol.BackendReadyForQuery:
			status, err := result.reader.GetByte()
			if err != nil {
				return err
			}
			result.transactionIdx = protocol.TransactionStatus(status)
			return nil
		default:
			return fmt.Errorf("unexpected message %q during startup", t)
		}
	}
}

func readErrorResponse(reader *protocol.Reader) error {
	parsed, err := pgerror.ParseFields(reader)
	if err != nil {
		return err
	}

	if parsed.Code == "" {
		parsed.Code = codes.Uncategorized
	}

	return parsed
}
