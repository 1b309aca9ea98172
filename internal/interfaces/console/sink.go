package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"pairarb/internal/application/port"
)

// Sink live 行用 \r 覆盖，快照行追加
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w}
}

func (s *Sink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "\r\033[2K%s", line) // no newline
	return err
}

// 打印快照行后留一个空行，等下一次变化再刷新 live
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.w, "\n")
	return err
}

var _ port.Sink = (*Sink)(nil)
