package proto

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressedStream wraps one reader/writer pair with zstd streaming
// compression. It implements WriteFlusher, so Conn and Server flush it after
// every frame.
type CompressedStream struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	closer  io.Closer
}

// NewCompressedStream compresses everything written to w and decompresses
// everything read from r. closer, if not nil, is closed by Close after the
// encoder has been flushed.
func NewCompressedStream(r io.Reader, w io.Writer, closer io.Closer) (*CompressedStream, error) {
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &CompressedStream{encoder: encoder, decoder: decoder, closer: closer}, nil
}

func (s *CompressedStream) Read(p []byte) (int, error) {
	return s.decoder.Read(p)
}

func (s *CompressedStream) Write(p []byte) (int, error) {
	return s.encoder.Write(p)
}

// Flush emits a syncable zstd block so the peer can decode the frame
// written so far without waiting for more data.
func (s *CompressedStream) Flush() error {
	return s.encoder.Flush()
}

// Close finishes the encoder, closes the underlying streams, then releases
// the decoder.
func (s *CompressedStream) Close() error {
	err := s.encoder.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	s.decoder.Close()
	return err
}
