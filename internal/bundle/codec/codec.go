// Package codec turns a bundle's opaque payload bytes into raw point
// records. Decoding is a pure transform: the caller owns bundle state
// transitions, and the stored payload is never modified.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"github.com/quietlab/harvest/internal/config"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
)

// Decode failure stages. All are bundle-fatal: the sweep marks the bundle
// errored and leaves it for operator inspection.
const (
	StageDecrypt    = "decrypt"
	StageDecompress = "decompress"
	StageParse      = "parse"
)

// Guard against pathological gzip expansion.
const maxDecodedBytes = 128 << 20

var (
	ErrKeyNotConfigured = errors.New("server_key_not_configured")
	ErrMissingNonce     = errors.New("missing_nonce")
	ErrMissingPayload   = errors.New("missing_payload")
	ErrAuthFailed       = errors.New("decryption_auth_failed")
)

// DecodeError is a bundle-fatal decode failure tagged with the stage it
// occurred in.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func failure(stage string, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}

// envelope is the wire shape of an encrypted payload.
type envelope struct {
	Nonce     string `json:"nonce"`
	Payload   string `json:"payload"`
	SenderKey string `json:"sender-key"`
}

type Codec struct {
	log *zap.Logger

	secretKey        *[32]byte
	defaultSenderKey *[32]byte
}

func New(cfg config.Config, log *zap.Logger) (*Codec, error) {
	c := &Codec{log: log.Named("bundle.codec")}

	if cfg.ServerSecretKey != "" {
		key, err := parseKey(cfg.ServerSecretKey)
		if err != nil {
			return nil, fmt.Errorf("server secret key: %w", err)
		}
		c.secretKey = key
	}
	if cfg.ClientPublicKey != "" {
		key, err := parseKey(cfg.ClientPublicKey)
		if err != nil {
			return nil, fmt.Errorf("client public key: %w", err)
		}
		c.defaultSenderKey = key
	}
	return c, nil
}

// Decode decrypts and/or decompresses a bundle's payload and parses the
// result into raw point records. Decoding the same payload twice yields the
// same sequence.
func (c *Codec) Decode(b *bundledomain.Bundle) ([]pointdomain.RawPointRecord, error) {
	data := b.Payload

	if b.Encrypted {
		plaintext, err := c.decrypt(data)
		if err != nil {
			return nil, failure(StageDecrypt, err)
		}
		data = plaintext
	}

	if b.Compression == bundledomain.CompressionGzip {
		inflated, err := gunzip(data)
		if err != nil {
			return nil, failure(StageDecompress, err)
		}
		data = inflated
	}

	return c.parse(b, data)
}

func (c *Codec) decrypt(data []byte) ([]byte, error) {
	if c.secretKey == nil {
		return nil, ErrKeyNotConfigured
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if env.Nonce == "" {
		return nil, ErrMissingNonce
	}
	if env.Payload == "" {
		return nil, ErrMissingPayload
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if len(nonceBytes) != 24 {
		return nil, fmt.Errorf("nonce: expected 24 bytes, got %d", len(nonceBytes))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}

	senderKey := c.defaultSenderKey
	if env.SenderKey != "" {
		senderKey, err = parseKey(env.SenderKey)
		if err != nil {
			return nil, fmt.Errorf("sender key: %w", err)
		}
	}
	if senderKey == nil {
		return nil, ErrKeyNotConfigured
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := box.Open(nil, ciphertext, &nonce, senderKey, c.secretKey)
	if !ok {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (c *Codec) parse(b *bundledomain.Bundle, data []byte) ([]pointdomain.RawPointRecord, error) {
	// Some clients embed raw control bytes in their JSON text; strip NULs
	// before parsing rather than rejecting the bundle.
	if cleaned := bytes.ReplaceAll(data, []byte{0}, nil); len(cleaned) != len(data) {
		c.log.Warn("stripped NUL bytes from bundle payload",
			zap.String("bundle_id", b.ID.String()),
			zap.Int("stripped", len(data)-len(cleaned)),
		)
		data = cleaned
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, failure(StageParse, errors.New("empty payload"))
	}

	// Payloads stored as a JSON-encoded string carry one more level of
	// quoting; unwrap before parsing the records.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, failure(StageParse, err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return nil, failure(StageParse, errors.New("empty payload"))
		}
	}

	switch trimmed[0] {
	case '[':
		var records []pointdomain.RawPointRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, failure(StageParse, err)
		}
		return records, nil
	case '{':
		var record pointdomain.RawPointRecord
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return nil, failure(StageParse, err)
		}
		return []pointdomain.RawPointRecord{record}, nil
	default:
		return nil, failure(StageParse, fmt.Errorf("unexpected payload start %q", trimmed[0]))
	}
}

func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	inflated, err := io.ReadAll(io.LimitReader(reader, maxDecodedBytes))
	if err != nil {
		return nil, err
	}
	return inflated, nil
}

func parseKey(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 byte key, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
