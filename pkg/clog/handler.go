package clog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
)

// Handler writes one line per entry:
//
//	2024-01-02T03:04:05Z INFO  [locks] acquired owner=alice uri=filegate://a
//
// Fields other than the component follow the message sorted by name.
type Handler struct {
	mu     sync.Mutex
	Writer io.WriteCloser
	now    func() time.Time
}

var levelNames = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  "INFO",
	log.WarnLevel:  "WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

func NewHandler(w io.WriteCloser) *Handler {
	return &Handler{Writer: w, now: time.Now}
}

// Close closes the writer unless it is stdout or stderr.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Writer == nil || h.Writer == os.Stdout || h.Writer == os.Stderr {
		return
	}

	_ = h.Writer.Close()
}

func (h *Handler) HandleLog(e *log.Entry) error {
	var b bytes.Buffer
	b.WriteString(h.now().UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&b, " %-5s", levelNames[e.Level])

	if component, ok := e.Fields[ComponentField]; ok {
		_, _ = fmt.Fprintf(&b, " [%v]", component)
	}

	b.WriteByte(' ')
	b.WriteString(e.Message)

	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if k != ComponentField {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		_, _ = fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.Writer.Write(b.Bytes())

	return err
}
