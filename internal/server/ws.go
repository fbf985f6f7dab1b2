package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/whisperwire/internal/stream"
	"github.com/MrWong99/whisperwire/internal/transcript"
	"github.com/MrWong99/whisperwire/pkg/audio"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Wire sample rates. 16 kHz is the primary wire; 24 kHz is accepted and
// resampled at ingress so sessions always run at the model rate.
const (
	wireRatePrimary = 16000
	wireRateAlt     = 24000
)

// WSHandler returns the WebSocket streaming endpoint. Clients send binary
// PCM16 frames and JSON control frames; the server answers with hello,
// partial, final, pong and error frames. Past max_active the connection is
// closed with 1013 (try again later).
func (g *Gateway) WSHandler() http.Handler {
	return http.HandlerFunc(g.serveWS)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	admitted := g.Admission.TryAcquire()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if admitted {
			g.Admission.Release()
		}
		slog.Debug("websocket accept failed", "err", err)
		return
	}

	if !admitted {
		if g.Metrics != nil {
			g.Metrics.RecordAdmissionRejection(r.Context(), "ws")
		}
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
	defer g.Admission.Release()

	wireRate := wireRatePrimary
	switch r.URL.Query().Get("rate") {
	case "", "16000":
	case "24000":
		wireRate = wireRateAlt
	default:
		conn.Close(websocket.StatusUnsupportedData, "unsupported sample rate")
		return
	}
	interim := r.URL.Query().Get("interim") != "false"

	sid := uuid.NewString()
	cfg := g.Stream
	cfg.Interim = interim

	emit := &wsEmitter{conn: conn, sid: sid, archive: g.Archive}
	sess := g.newSession(sid, "ws", emit, cfg)

	ctx := r.Context()
	g.sessionOpened(ctx)
	defer g.sessionClosed(context.WithoutCancel(ctx))

	if err := writeJSON(ctx, conn, helloFrame{Type: frameHello, SID: sid}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	slog.Info("ws session opened", "sid", sid, "rate", wireRate, "interim", interim)
	g.readLoop(ctx, conn, sess, wireRate)
}

// readLoop drives the session from inbound frames until EOS, cap, transport
// close, or a fatal wire error.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *stream.Session, wireRate int) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Transport closed. Flush residual audio through the engine so
			// the archive still gets a final; wire writes fail silently.
			if !sess.Finalized() {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.Stream.FinalsTimeout)
				_ = sess.Finish(flushCtx)
				cancel()
			}
			slog.Info("ws session closed", "sid", sess.ID, "reason", closeReason(err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if done := g.handleAudio(ctx, conn, sess, data, wireRate); done {
				return
			}
		case websocket.MessageText:
			if done := g.handleControl(ctx, conn, sess, data); done {
				return
			}
		}
	}
}

// handleAudio ingests one binary PCM frame. Returns true when the session
// ended and the connection was closed.
func (g *Gateway) handleAudio(ctx context.Context, conn *websocket.Conn, sess *stream.Session, pcm []byte, wireRate int) bool {
	if len(pcm)%audio.BytesPerSample != 0 {
		writeJSONBestEffort(ctx, conn, errorFrame{Type: frameError, Error: "misaligned pcm frame"})
		conn.Close(websocket.StatusUnsupportedData, "misaligned pcm frame")
		return true
	}
	if wireRate != wireRatePrimary {
		pcm = audio.ResampleMono16(pcm, wireRate, wireRatePrimary)
	}

	err := sess.PushAudio(ctx, pcm)
	switch {
	case err == nil:
		return false
	case errors.Is(err, stream.ErrSessionCap):
		// The client exceeded the session cap: flush what we have, deliver
		// the finals, then close.
		if ferr := sess.Finish(ctx); ferr != nil {
			slog.Warn("cap flush failed", "sid", sess.ID, "err", ferr)
		}
		conn.Close(websocket.StatusNormalClosure, "max audio duration reached")
		return true
	default:
		writeJSONBestEffort(ctx, conn, errorFrame{Type: frameError, Error: "internal error"})
		conn.Close(websocket.StatusInternalError, "session error")
		return true
	}
}

// handleControl dispatches one JSON control frame. Returns true when the
// session ended and the connection was closed.
func (g *Gateway) handleControl(ctx context.Context, conn *websocket.Conn, sess *stream.Session, data []byte) bool {
	var ctrl controlFrame
	if err := json.Unmarshal(data, &ctrl); err != nil {
		writeJSONBestEffort(ctx, conn, errorFrame{Type: frameError, Error: "malformed control frame"})
		conn.Close(websocket.StatusUnsupportedData, "malformed control frame")
		return true
	}

	switch ctrl.Type {
	case ctrlEOS:
		if err := sess.Finish(ctx); err != nil {
			slog.Warn("eos flush failed", "sid", sess.ID, "err", err)
		}
		conn.Close(websocket.StatusNormalClosure, "eos")
		return true
	case ctrlPing:
		if err := writeJSON(ctx, conn, pongFrame{Type: framePong}); err != nil {
			return true
		}
	case ctrlEndWord:
		sess.Settle().SetEndWord()
	default:
		// Unknown control types are ignored for forward compatibility.
	}
	return false
}

// wsEmitter translates session events into WebSocket frames.
type wsEmitter struct {
	conn    *websocket.Conn
	sid     string
	archive *transcript.Recorder
	seg     int
}

var _ stream.Emitter = (*wsEmitter)(nil)

func (e *wsEmitter) Partial(ctx context.Context, text string) error {
	return writeJSON(ctx, e.conn, textFrame{Type: framePartial, Text: text})
}

func (e *wsEmitter) Final(ctx context.Context, text string) error {
	e.archive.Record(transcript.Entry{
		SessionID: e.sid,
		Wire:      "ws",
		Segment:   e.seg,
		Text:      text,
	})
	e.seg++
	return writeJSON(ctx, e.conn, textFrame{Type: frameFinal, Text: text})
}

// SegmentError reports a failed segment on the wire and keeps the session
// alive — the next segment is unaffected.
func (e *wsEmitter) SegmentError(ctx context.Context, segErr error) error {
	slog.Warn("segment failed", "sid", e.sid, "err", segErr)
	e.seg++
	writeJSONBestEffort(ctx, e.conn, errorFrame{Type: frameError, Error: "inference failed"})
	return nil
}

// writeJSON marshals v and writes it as one text frame within writeTimeout.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func writeJSONBestEffort(ctx context.Context, conn *websocket.Conn, v any) {
	if err := writeJSON(ctx, conn, v); err != nil {
		slog.Debug("best-effort write failed", "err", err)
	}
}

// closeReason condenses a read error for the session-closed log line.
func closeReason(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Sprintf("close status %d", status)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "transport error"
}
