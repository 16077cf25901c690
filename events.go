/*
 * Copyright 2024 Lakeroad Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package apisuite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// feedHub fans out catalogue change events to all connected feed clients.
// Events are published by the mutation handlers and delivered to each
// feedWriter by a dedicated dispatcher goroutine.
type feedHub struct {
	in     chan string
	cmd    chan feedHubCmd
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func newFeedHub(logger zerolog.Logger) *feedHub {
	h := &feedHub{
		in:     make(chan string, 64),
		cmd:    make(chan feedHubCmd, 1),
		logger: logger,
	}
	h.wg.Add(1)
	go h.dispatcher()
	return h
}

// publish hands off an event to the dispatcher. This must not block the
// calling http handler, so if the dispatcher is saturated the event is
// dropped with a warning. A mutation may still be in flight while the
// service shuts the hub down, so sending on a closed channel is survived.
func (h *feedHub) publish(payload string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn().Msg("feed event dropped during shutdown")
		}
	}()

	select {
	case h.in <- payload:
	default:
		h.logger.Warn().Msg("feed dispatcher saturated, dropping event")
	}
}

func (h *feedHub) stop() {
	h.cmd <- feedHubCmd{act: actStop}
	h.wg.Wait()

	// cleanup
	close(h.cmd)
	close(h.in)
}

const (
	_ = iota
	actRegister
	actUnregister
	actStop
)

type feedHubCmd struct {
	act    int
	writer *feedWriter
}

func (h *feedHub) register(writer *feedWriter) {
	h.cmd <- feedHubCmd{act: actRegister, writer: writer}
}

func (h *feedHub) unregister(writer *feedWriter) {
	h.cmd <- feedHubCmd{act: actUnregister, writer: writer}
}

func (h *feedHub) dispatcher() {
	writers := make([]*feedWriter, 0)
	unregister := func(w2 *feedWriter) {
		for i, w := range writers {
			if w == w2 {
				writers[i] = nil
				copy(writers[i:], writers[i+1:])
				writers = writers[:len(writers)-1]
				return
			}
		}
	}

	for {
		select {
		case c := <-h.cmd:
			switch c.act {
			case actRegister:
				writers = append(writers, c.writer)
			case actUnregister:
				unregister(c.writer)
			case actStop:
				h.wg.Done()
				return
			}
		case payload := <-h.in:
			for _, w := range writers {
				w.accept(payload)
			}
		}
	}
}

//------------------------------------------------------------------------------

// feedWriter writes out feed events into a websocket or SSE connection. It
// does not have a dedicated goroutine, it's event loop is meant to be hosted
// by the http handler goroutine.
type feedWriter struct {
	q       chan string
	qClosed bool
	qMtx    sync.Mutex
}

// feedWriterBacklog is the max number of events that are allowed to be
// pending to write into the connection. If a new event is available and we
// still have these many waiting to be written, the connection is closed.
const feedWriterBacklog = 16

func newFeedWriter() *feedWriter {
	return &feedWriter{
		q: make(chan string, feedWriterBacklog),
	}
}

// accept takes in a new event. This must NOT block. It is called by the
// feedHub dispatcher. There is a race between client disconnects for various
// reasons and a new event arriving, so handle the case that when we attempt
// to write to the channel or close it, it is already closed by the other
// goroutine.
func (w *feedWriter) accept(payload string) {
	defer func() {
		if r := recover(); r != nil {
			if err, _ := r.(error); err != nil {
				if err.Error() == "send on closed channel" {
					w.closeQ()
				}
			}
		}
	}()

	select {
	case w.q <- payload:
	default:
		// our queue is full, we can't make the caller wait, so we abort
		w.closeQ()
	}
}

func (w *feedWriter) closeQ() {
	w.qMtx.Lock()
	if !w.qClosed {
		close(w.q)
		w.qClosed = true
	}
	w.qMtx.Unlock()
}

var (
	feedWriteTimeout = 10 * time.Second
	errTooSlow       = errors.New("aborting connection because it is too slow")
)

// loopWS upgrades the given connection to a websocket and writes out the
// feed events into it. This is meant to be called directly from the http
// handler goroutine. It will block until client disconnects or if there are
// other errors. feedWriter must not be reused after this exits.
func (w *feedWriter) loopWS(ctx context.Context, resp http.ResponseWriter,
	req *http.Request, origins []string, compression bool) error {

	// close q if required when we exit
	qclosed := false
	defer func() {
		if !qclosed {
			w.closeQ()
		}
	}()

	// upgrade connection
	ws, err := websocket.Accept(resp, req, &websocket.AcceptOptions{
		InsecureSkipVerify: len(origins) == 0,
		OriginPatterns:     origins,
		CompressionMode:    pick(compression, websocket.CompressionContextTakeover, websocket.CompressionDisabled),
	})
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusInternalError, "") // no-op if already closed

	// start a reader that will respond to pings, but cancels context if any
	// other messages are received (we don't expect any)
	ctx = ws.CloseRead(ctx)

	for {
		select {

		case payload, ok := <-w.q:
			if !ok {
				ws.Close(websocket.StatusPolicyViolation, "connection too slow")
				qclosed = true
				return errTooSlow
			}
			ctx2, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := ws.Write(ctx2, websocket.MessageText, []byte(payload))
			cancel()
			if err != nil {
				if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
					err = nil
				}
				return err
			}

		case <-ctx.Done():
			ws.Close(websocket.StatusGoingAway, "server shutdown")
			return ctx.Err()
		}
	}
}

var (
	feedSSEKeepAliveInterval = time.Minute
	feedSSEKeepAliveComment  = []byte{':', '\n', '\n'}
)

// loopSSE is like loopWS, but for server-sent-events.
func (w *feedWriter) loopSSE(ctx context.Context, resp http.ResponseWriter,
	req *http.Request) error {
	// send also a comment every minute to keep the connection alive
	ticker := time.NewTicker(feedSSEKeepAliveInterval)

	// cleanup on exit
	qclosed := false
	defer func() {
		if !qclosed {
			w.closeQ()
		}
		ticker.Stop()
	}()

	// try to flush data out after each event
	flusher, _ := resp.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	// keep-alive helper
	keepalive := func() error {
		if _, err := resp.Write(feedSSEKeepAliveComment); err != nil {
			return err
		}
		flush()
		return nil
	}

	// write out the sse header
	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	// write out an initial comment to start the body
	if err := keepalive(); err != nil {
		return err
	}

	for {
		select {

		case <-ticker.C:
			if err := keepalive(); err != nil {
				return err
			}

		case payload, ok := <-w.q:
			if !ok {
				qclosed = true
				return errTooSlow
			}
			for _, line := range strings.Split(payload, "\n") {
				if _, err := fmt.Fprintf(resp, "data: %s\n", line); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintln(resp); err != nil {
				return err
			}
			flush()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

//------------------------------------------------------------------------------

func pick[T any](cond bool, ifyes, ifno T) T {
	if cond {
		return ifyes
	}
	return ifno
}
