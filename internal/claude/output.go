package claude

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

const readChunkSize = 32 * 1024

// utf8Carry holds back an incomplete trailing rune so a multi-byte
// character split across reads is emitted whole.
type utf8Carry struct {
	pending []byte
}

func (c *utf8Carry) split(chunk []byte) string {
	data := append(c.pending, chunk...)
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	c.pending = append([]byte(nil), data[cut:]...)
	return string(data[:cut])
}

func (c *utf8Carry) flush() string {
	rest := string(c.pending)
	c.pending = nil
	return rest
}

// pumpStdout emits one text message per read until EOF and returns the
// concatenated output.
func pumpStdout(reader io.Reader, stream *Stream, log pslog.Logger) string {
	var (
		output strings.Builder
		carry  utf8Carry
		chunks int
	)
	emit := func(text string) {
		if text == "" {
			return
		}
		chunks++
		output.WriteString(text)
		if log != nil {
			preview := previewText(text, 200)
			log.Trace("agent stdout chunk", "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
		}
		stream.push(schema.TextMessage(text))
	}
	buf := make([]byte, readChunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			emit(carry.split(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && log != nil {
				log.Warn("agent stdout read failed", "err", err)
			}
			break
		}
	}
	emit(carry.flush())
	if log != nil {
		log.Debug("agent stdout completed", "chunks", chunks, "bytes", output.Len())
	}
	return output.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	log   pslog.Logger
}

func newTailBuffer(limit int, log pslog.Logger) *tailBuffer {
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	return &tailBuffer{limit: limit, log: log}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if t.log != nil {
		text := strings.TrimSpace(string(p))
		if text != "" {
			preview := previewText(text, 200)
			t.log.Trace("agent stderr", "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
