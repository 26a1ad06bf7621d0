package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/statusstream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamMessage struct {
	RunID        string     `json:"run_id"`
	Status       run.Status `json:"status"`
	Message      string     `json:"message"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

func toStreamMessage(event statusstream.Event) streamMessage {
	message := event.Message
	if message == "" {
		message = event.Status.Message()
	}
	return streamMessage{
		RunID:        event.RunID,
		Status:       event.Status,
		Message:      message,
		ErrorMessage: event.ErrorMessage,
		Timestamp:    event.Timestamp,
	}
}

// handleRunEvents streams status changes of one run. The current state is
// sent first; the connection is closed after a terminal status.
func handleRunEvents(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(deps, w, r)
	if !ok {
		return
	}
	if deps.Stream == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STREAM_NOT_CONFIGURED", "status stream is not configured", false, nil)
		return
	}
	runID := r.PathValue("run")

	// Subscribe before reading the current state so no transition falls
	// between the two.
	sub := deps.Stream.Subscribe(runID)
	defer sub.Close()

	current, err := deps.Workbench.Get(r.Context(), principal, runID)
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeTimeout := deps.StreamWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := deps.StreamPingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("run_id", runID), slog.String("tenant_id", principal.TenantID))

	send := func(event statusstream.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(toStreamMessage(event)); err != nil {
			logger.DebugContext(r.Context(), "stream write failed", slog.Any("error", err))
			return false
		}
		return true
	}
	closeNormal := func() {
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), deadline)
	}

	// Hijacked connections keep the server's deadlines; pongs extend ours.
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})

	// Clients only send control frames; reading surfaces their close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if !send(statusstream.EventFor(current)) {
		return
	}
	if current.Status.Terminal() {
		closeNormal()
		return
	}

	last := current.Status
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case event, open := <-sub.Events():
			if !open {
				closeNormal()
				return
			}
			if event.Status == last {
				continue
			}
			last = event.Status
			if !send(event) {
				return
			}
			if event.Status.Terminal() {
				closeNormal()
				return
			}
		}
	}
}
