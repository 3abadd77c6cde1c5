package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/httputil"
)

// DisabledHistory is the number of recent commands a DisabledSerialMux keeps.
const DisabledHistory = 64

// DisabledSerialMux stands in for the board link when the car runs on the
// debug board. Commands go nowhere; the most recent ones are kept so the
// admin routes show what a real board would have been sent. Subscribers
// never receive lines, and their channels close on Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	recent      []string
	sent        int
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

// SendCommand records command. It fails once the mux is closed, like a
// real port would.
func (d *DisabledSerialMux) SendCommand(command string) error {
	command = strings.TrimSpace(command)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: serial link disabled and closed", ErrWriteFailed)
	}
	d.sent++
	d.recent = append(d.recent, command)
	if len(d.recent) > DisabledHistory {
		d.recent = d.recent[len(d.recent)-DisabledHistory:]
	}
	return nil
}

// Commands returns the retained commands, oldest first.
func (d *DisabledSerialMux) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.recent...)
}

// Sent returns the number of commands accepted since creation.
func (d *DisabledSerialMux) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

// Initialize records the same start sequence a real board receives.
func (d *DisabledSerialMux) Initialize() error {
	for _, command := range initCommands {
		if err := d.SendCommand(command); err != nil {
			return err
		}
	}
	return nil
}

type disabledState struct {
	Enabled     bool     `json:"enabled"`
	Sent        int      `json:"sent"`
	Subscribers int      `json:"subscribers"`
	Closed      bool     `json:"closed"`
	Recent      []string `json:"recent"`
}

// AttachAdminRoutes mounts the shared command and tail routes plus
// /debug/serial-disabled, which reports the recorded commands as JSON.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, d)
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial-disabled", "commands recorded while the board is simulated", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		d.mu.Lock()
		st := disabledState{
			Sent:        d.sent,
			Subscribers: len(d.subscribers),
			Closed:      d.closed,
			Recent:      append([]string{}, d.recent...),
		}
		d.mu.Unlock()
		httputil.WriteJSONOK(w, st)
	})
}
