package notification

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterNotifier prints notifications to a terminal, ringing the bell.
type WriterNotifier struct {
	mu sync.Mutex
	W  io.Writer
}

func (w *WriterNotifier) Notify(_ context.Context, n Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.W, "\a[%s] %s", n.Category, n.Title)
	if err == nil && n.Body != "" {
		_, err = fmt.Fprintf(w.W, ": %s", n.Body)
	}
	if err == nil {
		_, err = fmt.Fprintln(w.W)
	}
	return err
}
