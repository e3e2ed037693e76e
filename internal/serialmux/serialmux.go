// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to lines from the serial port and send
// commands to a single serial port device.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

var sendCommandTemplate = template.Must(template.New("send-command").Parse(sendCommandHTML))

const sendCommandHTML = `<!doctype html>
<html>
<head><title>serial console</title></head>
<body>
<h1>Serial console</h1>
<form id="send" method="post" action="send-command-api">
  <input name="command" autocomplete="off" placeholder="0 or 1">
  <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const out = document.getElementById("tail");
const src = new EventSource("tail");
src.onmessage = (e) => { out.textContent += e.data + "\n"; };
document.getElementById("send").onsubmit = async (e) => {
  e.preventDefault();
  const body = new FormData(e.target);
  const resp = await fetch("send-command-api", {method: "POST", body: new URLSearchParams(body)});
  out.textContent += "> " + (await resp.text()) + "\n";
  e.target.reset();
};
</script>
</body>
</html>
`

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool
	log          zerolog.Logger
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		log:         zerolog.Nop(),
	}
}

// SetLogger sets the logger used for read diagnostics. Call it before Monitor.
func (s *SerialMux[T]) SetLogger(l zerolog.Logger) {
	s.log = l
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	if d, ok := any(s.port).(Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain: %w", ErrWriteFailed, err)
		}
	}
	return nil
}

// Monitor reads lines from the serial port and fans them out to subscribers.
// Reads are bounded by DefaultPollInterval so cancellation and Close are
// observed without a helper goroutine. It returns nil after Close and
// ctx.Err() on cancellation.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	reader := NewLineReader(s.port, nil, s.log)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.closing.Load() {
			return nil
		}

		line, err := reader.ReadLine(DefaultPollInterval)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}

		s.subscriberMu.Lock()
		for _, ch := range s.subscribers {
			select {
			case ch <- line:
			default:
				// if the channel is full/blocking skip so as not to block the outer loop
			}
		}
		s.subscriberMu.Unlock()
	}
}

func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail console using the two API endpoints below.
	debug.HandleFunc("send-command", "send a command to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.Copy(w, buf)
	})

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Sent Events (SSE) for lines coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
