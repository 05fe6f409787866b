package queue

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"pagehook/internal/types"
)

// AttrContentEncoding marks a compressed message body. Absent means the body
// is the plain JSON envelope.
const AttrContentEncoding = "content_encoding"

// EncodingZstd is a base64 encoded zstd frame of the JSON envelope.
const EncodingZstd = "zstd+base64"

const (
	// MaxMessageBytes is the SQS limit on a message body.
	MaxMessageBytes = 256 << 10
	// compressThreshold leaves room for message attributes.
	compressThreshold = 240 << 10
)

// ErrMessageTooLarge is returned when an envelope does not fit in one
// message even after compression.
var ErrMessageTooLarge = errors.New("queue: message exceeds size limit")

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
}

// EncodeBody returns the SQS body for a serialized envelope and the content
// encoding to tag it with. Bodies under the threshold are sent as-is.
func EncodeBody(body []byte) (string, string, error) {
	if len(body) <= compressThreshold {
		return string(body), "", nil
	}
	initCodec()
	if codecErr != nil {
		return "", "", fmt.Errorf("queue: init zstd: %w", codecErr)
	}
	out := base64.StdEncoding.EncodeToString(encoder.EncodeAll(body, nil))
	if len(out) > MaxMessageBytes {
		return "", "", types.NewAppError(types.ErrCodeValidationBodyTooLarge, "event too large to queue", ErrMessageTooLarge).
			WithDetails(map[string]any{"bytes": len(body)})
	}
	return out, EncodingZstd, nil
}

// DecodeBody reverses EncodeBody.
func DecodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(body), nil
	case EncodingZstd:
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("queue: decode base64 body: %w", err)
		}
		initCodec()
		if codecErr != nil {
			return nil, fmt.Errorf("queue: init zstd: %w", codecErr)
		}
		out, err := decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("queue: zstd decompression failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("queue: unsupported content encoding %q", encoding)
	}
}
