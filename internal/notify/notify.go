// Package notify publishes run progress to an external Socket.IO endpoint.
// Notification is best effort: a failed emit is logged and never affects the
// run.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// Event names emitted by the executor.
const (
	EventRunStarted    = "run_started"
	EventStageStarted  = "stage_started"
	EventStageFinished = "stage_finished"
	EventRunFinished   = "run_finished"
)

// Event is one progress notification.
type Event struct {
	Name    string
	RunID   string
	StageID string
	Attempt int
	// Status is a stage status for stage events and a run state for run events.
	Status   string
	ExitCode int
	Cause    string
	Time     time.Time
}

// Payload is the JSON-friendly body sent on the wire.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"runId": e.RunID,
		"time":  e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.StageID != "" {
		p["stageId"] = e.StageID
		p["attempt"] = e.Attempt
	}
	if e.Status != "" {
		p["status"] = e.Status
	}
	if e.Name == EventStageFinished {
		p["exitCode"] = e.ExitCode
	}
	if e.Cause != "" {
		p["cause"] = e.Cause
	}
	return p
}

// Notifier receives progress events. Implementations must not block the
// caller for long.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Options configures a Socket.IO connection.
type Options struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// SocketIO emits events over a connected Socket.IO client.
type SocketIO struct {
	io   *socket.Socket
	emit func(event string, payload map[string]any)
}

// Dial connects to the Socket.IO server described by opts and waits for the
// connection to be acknowledged.
func Dial(ctx context.Context, o Options) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("notifier", "socketio", "url", o.URL)

	parsedURL, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notify URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("notify URL %q must be absolute", o.URL)
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if o.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	namespace := o.Namespace
	if namespace == "" {
		namespace = "/"
	}
	io := manager.Socket(namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Notifier connected.", "sid", io.Id())
		select {
		case connectChan <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connectChan <- err:
		default:
		}
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}

	return &SocketIO{
		io: io,
		emit: func(event string, payload map[string]any) {
			io.Emit(event, payload)
		},
	}, nil
}

// Notify emits e. Events are dropped while the client is disconnected.
func (n *SocketIO) Notify(ctx context.Context, e Event) {
	if n.io != nil && !n.io.Connected() {
		ctxlog.FromContext(ctx).Debug("Notifier disconnected, dropping event.", "event", e.Name)
		return
	}
	n.emit(e.Name, e.Payload())
}

// Close disconnects the client.
func (n *SocketIO) Close() error {
	if n.io != nil {
		n.io.Disconnect()
	}
	return nil
}
