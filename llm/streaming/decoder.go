// Package streaming decodes incremental line-delimited JSON responses
// without unbounded memory growth.
package streaming

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

var (
	// ErrBufferExceeded 表示后端在缓冲上限内始终没有给出行终止符。
	ErrBufferExceeded = errors.New("line buffer exceeded")

	// ErrTooManyParseErrors 表示连续脏行数超过容忍上限。
	ErrTooManyParseErrors = errors.New("too many consecutive malformed lines")
)

const (
	// DefaultMaxBufferSize caps the accumulated unterminated line at 1 MiB.
	DefaultMaxBufferSize = 1 << 20

	// DefaultMaxConsecutiveErrors bounds how much garbage the decoder
	// tolerates from a misbehaving backend before giving up.
	DefaultMaxConsecutiveErrors = 5

	readChunkSize = 4096
)

// DecoderConfig tunes the safety limits of a LineDecoder.
type DecoderConfig struct {
	MaxBufferSize        int
	MaxConsecutiveErrors int
	Logger               *zap.Logger
}

// LineDecoder consumes a byte stream and produces a lazy, forward-only,
// non-restartable sequence of decoded JSON records, one per line.
// Blank lines are skipped; a malformed line within the error budget is
// logged and skipped; a dangling partial record at end-of-stream is
// discarded without error. The decoder reads no further ahead than the
// next line terminator requires.
type LineDecoder struct {
	r       io.ReadCloser
	cfg     DecoderConfig
	logger  *zap.Logger
	buf     []byte   // accumulated bytes without a terminator yet
	pending [][]byte // complete lines waiting to be parsed
	chunk   []byte
	errs    int // consecutive malformed lines
	eof     bool
	failed  error
}

// NewLineDecoder wraps r. The decoder owns r and closes it via Close.
func NewLineDecoder(r io.ReadCloser, cfg DecoderConfig) *LineDecoder {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineDecoder{
		r:      r,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "line_decoder")),
		chunk:  make([]byte, readChunkSize),
	}
}

// Next returns the next decoded record. It returns io.EOF on clean end
// of stream and a terminal error once a safety limit has tripped; after
// either, every subsequent call returns the same result.
func (d *LineDecoder) Next() (json.RawMessage, error) {
	if d.failed != nil {
		return nil, d.failed
	}

	for {
		// Drain complete lines before touching the source again.
		for len(d.pending) > 0 {
			line := d.pending[0]
			d.pending = d.pending[1:]

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var probe map[string]json.RawMessage
			if err := json.Unmarshal(line, &probe); err != nil {
				d.errs++
				d.logger.Warn("skipping malformed stream line",
					zap.Int("consecutive_errors", d.errs),
					zap.String("line_prefix", truncate(line, 80)))
				if d.errs > d.cfg.MaxConsecutiveErrors {
					d.failed = fmt.Errorf("%w: %d in a row", ErrTooManyParseErrors, d.errs)
					return nil, d.failed
				}
				continue
			}
			d.errs = 0

			record := make(json.RawMessage, len(line))
			copy(record, line)
			return record, nil
		}

		if d.eof {
			// Bytes left without a terminator are a dangling partial
			// record, not a protocol violation.
			if len(d.buf) > 0 {
				d.logger.Debug("discarding dangling fragment at end of stream",
					zap.Int("bytes", len(d.buf)))
				d.buf = nil
			}
			d.failed = io.EOF
			return nil, io.EOF
		}

		if err := d.fill(); err != nil {
			d.failed = err
			return nil, err
		}
	}
}

// fill reads one chunk from the source and splits off complete lines.
func (d *LineDecoder) fill() error {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		if bytes.IndexByte(d.buf, '\n') < 0 && len(d.buf) > d.cfg.MaxBufferSize {
			return fmt.Errorf("%w: %d bytes without a line terminator (limit %d)",
				ErrBufferExceeded, len(d.buf), d.cfg.MaxBufferSize)
		}
		for {
			i := bytes.IndexByte(d.buf, '\n')
			if i < 0 {
				break
			}
			d.pending = append(d.pending, d.buf[:i])
			d.buf = d.buf[i+1:]
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.eof = true
			return nil
		}
		return err
	}
	return nil
}

// Close releases the underlying source. Safe to call more than once.
func (d *LineDecoder) Close() error {
	if d.r == nil {
		return nil
	}
	err := d.r.Close()
	d.r = nil
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
