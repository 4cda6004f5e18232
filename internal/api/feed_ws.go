package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/dashboard"
	"github.com/hackgods/clinic-appointment-core/internal/feed"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	closeResync = "resync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feedHandler streams one day of the dashboard. The observer is subscribed
// before the snapshot is read, so nothing committed in between is missed;
// the board discards anything the snapshot already reflects.
//
// When the hub drops the observer the socket is closed with reason "resync"
// and the client is expected to reconnect for a fresh snapshot.
func feedHandler(hub *feed.Hub, svc *appointment.Service, schedule calendar.ClinicSchedule, now func() time.Time, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r, schedule, now)
		if !ok {
			return
		}

		sub, err := hub.Subscribe()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "feed_unavailable", err.Error())
			return
		}
		defer sub.Close()

		views, err := svc.ListByDate(r.Context(), date)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		board := dashboard.NewBoard(date, views)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("feed upgrade failed", "error", err, "request_id", GetRequestID(r.Context()))
			return
		}
		defer conn.Close()

		if err := writeFrame(conn, FeedMessage{
			Type:         "snapshot",
			Stats:        board.Stats(),
			Appointments: toViewResponses(board.Views()),
		}); err != nil {
			return
		}

		done := make(chan struct{})
		go readPump(conn, done)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, closeResync),
						time.Now().Add(writeWait))
					return
				}
				if !board.Apply(ev) {
					continue
				}
				msg := FeedMessage{
					Type:  "event",
					Stats: board.Stats(),
					Event: &FeedEvent{
						Sequence:    ev.Sequence,
						Kind:        string(ev.Kind),
						OccurredAt:  ev.OccurredAt,
						Appointment: toViewResponse(ev.Snapshot),
					},
				}
				if err := writeFrame(conn, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg FeedMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
