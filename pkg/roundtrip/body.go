package roundtrip

import (
	"io"

	"github.com/rawhttp-core/rawhttp/pkg/buffer"
	rherrors "github.com/rawhttp-core/rawhttp/pkg/errors"
)

// BufferBody is a Body backed by a fully materialized pkg/buffer.Buffer
// (memory, spilling to disk past its configured limit). Since the whole
// payload already exists before the first byte is sent, Tell/Rewind never
// fail: there is no real position to lose, only a reader to reopen.
type BufferBody struct {
	buf    *buffer.Buffer
	reader io.ReadCloser
}

// NewBufferBodyFromBytes wraps an in-memory payload.
func NewBufferBodyFromBytes(data []byte) *BufferBody {
	return &BufferBody{buf: buffer.NewWithData(data)}
}

// NewBufferBodyFromReader drains r into a Buffer (spilling to disk past
// memLimit bytes, or buffer.DefaultMemoryLimit if memLimit <= 0) so the body
// can be replayed for a redirect or retry even if r itself cannot.
func NewBufferBodyFromReader(r io.Reader, memLimit int64) (*BufferBody, error) {
	buf := buffer.New(memLimit)
	if _, err := io.Copy(buf, r); err != nil {
		buf.Close()
		return nil, rherrors.NewIOError("buffering request body", err)
	}
	return &BufferBody{buf: buf}, nil
}

// Len reports the buffered payload's total size, always known.
func (b *BufferBody) Len() (int64, bool) {
	return b.buf.Size(), true
}

// Next returns the next chunk from the buffer, opening its reader lazily on
// first use, and a nil, nil chunk once exhausted.
func (b *BufferBody) Next() ([]byte, error) {
	if b.reader == nil {
		r, err := b.buf.Reader()
		if err != nil {
			return nil, err
		}
		b.reader = r
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := b.reader.Read(chunk)
		if n > 0 {
			return chunk[:n], nil
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Tell always succeeds: the returned position is a placeholder Rewind
// ignores, since the whole body is already materialized.
func (b *BufferBody) Tell() (int64, error) {
	return 0, nil
}

// Rewind closes the current reader so the next Next call reopens it from
// the beginning.
func (b *BufferBody) Rewind(int64) error {
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
	return nil
}

// Close releases the underlying Buffer's storage (and temp file, if spilled).
func (b *BufferBody) Close() error {
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
	return b.buf.Close()
}
