// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/runengine/internal/engine/eventbus"
)

// handleEvents streams the event bus for one run as SSE, replaying
// buffered history since Last-Event-ID before switching to live fan-out,
// bracketed with replay_start/replay_end framing per §4.4/§4.12.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "run_id query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var sinceID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceID = n
		}
	}

	ch, unsub := s.bus.SubscribeRun(runID)
	defer unsub()

	replay := s.bus.SinceID(runID, sinceID)
	writeSSEFrame(w, 0, "replay_start", map[string]any{"run_id": runID, "count": len(replay)})
	flusher.Flush()
	for _, e := range replay {
		writeEntry(w, e)
	}
	writeSSEFrame(w, 0, "replay_end", map[string]any{"run_id": runID})
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.bus.Touch(ch)
			writeEntry(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			s.bus.Touch(ch)
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEntry(w http.ResponseWriter, e eventbus.Entry) {
	writeSSEFrame(w, e.ID, "log", map[string]any{
		"run_id": e.RunID, "level": e.Level, "source": e.Source,
		"message": e.Message, "metadata": e.Metadata,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	})
}

func writeSSEFrame(w http.ResponseWriter, id int64, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
