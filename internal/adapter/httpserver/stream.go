package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS layer at the front door.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamHandler upgrades to a websocket and pushes progress and terminal
// events for one job. The connection closes after the terminal event.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}

		// Authorize before upgrading; the websocket protocol has no clean
		// way to carry a 403.
		view, err := s.Query.GetJob(r.Context(), identityFrom(r), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		sub := s.Fanout.Subscribe(jobID)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Cancel()
			LoggerFrom(r).Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}

		lg := LoggerFrom(r).With(slog.String("job_id", jobID))
		go s.streamLoop(conn, sub, view, lg)
	}
}

func (s *Server) streamLoop(conn *websocket.Conn, sub *usecase.Subscription, view usecase.JobView, lg *slog.Logger) {
	defer func() {
		sub.Cancel()
		_ = conn.Close()
	}()

	// Reader goroutine: drain client frames and keep the pong deadline fresh.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Initial snapshot so late subscribers see current counters.
	snapshot := usecase.FanoutEvent{Kind: usecase.FanoutProgress, Progress: &domain.ProgressEvent{
		JobID:          view.Job.ID,
		Seq:            view.Job.LastSeq,
		Phase:          string(view.Job.Status),
		URLsProcessed:  view.Job.URLsProcessed,
		URLsSuccessful: view.Job.URLsSuccessful,
		URLsFailed:     view.Job.URLsFailed,
	}}
	if err := s.writeEvent(conn, snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-sub.C:
			if err := s.writeEvent(conn, ev); err != nil {
				lg.Debug("websocket write failed", slog.Any("error", err))
				return
			}
			if ev.Kind == usecase.FanoutTerminal {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev usecase.FanoutEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
