// Package api wires the shard's HTTP surface — spec.md §6 — on top of
// net/http. A dedicated third-party router wasn't part of the retrieval
// pack's kept dependency surface (see DESIGN.md), so routing uses the
// teacher's own trailing-slash ServeMux idiom with manual suffix parsing
// for path parameters.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/siegetank/scv/api/apc"
	"github.com/siegetank/scv/api/mw"
	"github.com/siegetank/scv/cmn/cos"
	"github.com/siegetank/scv/shard"
	"github.com/siegetank/scv/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// New builds the shard's top-level handler: CORS wraps every route, and
// each route is additionally gated by the manager/core/router middleware
// its spec.md §6 section names.
func New(s *shard.Shard, st *stats.Stats, routerAddrs []string) http.Handler {
	mux := http.NewServeMux()

	manager := mw.Manager(s)
	core := mw.Core(s)
	router := mw.Router(routerAddrs)

	mux.HandleFunc(apc.Root, withMethod(http.MethodGet, handleRoot))
	mux.Handle(apc.StreamsActivate, router(withMethod(http.MethodPost, makeActivate(s))))
	mux.Handle(apc.Streams, manager(withMethod(http.MethodPost, makeCreateStream(s))))
	mux.Handle(apc.StreamsStart, manager(withMethod(http.MethodPut, makeStreamOp(s, (*shard.Shard).StartStream))))
	mux.Handle(apc.StreamsStop, manager(withMethod(http.MethodPut, makeStreamOp(s, (*shard.Shard).StopStream))))
	mux.Handle(apc.StreamsDelete, manager(withMethod(http.MethodPut, makeStreamOp(s, (*shard.Shard).DeleteStream))))
	mux.Handle(apc.StreamsReplace, manager(withMethod(http.MethodPut, makeReplace(s))))
	mux.Handle(apc.StreamsDownload, manager(withMethod(http.MethodGet, makeDownload(s))))
	mux.Handle(apc.TargetsDelete, manager(withMethod(http.MethodPut, makeDeleteTarget(s))))

	mux.HandleFunc(apc.StreamsInfo, withMethod(http.MethodGet, makeStreamInfo(s)))
	mux.HandleFunc(apc.TargetsStreams, withMethod(http.MethodGet, makeTargetStreams(s)))
	mux.HandleFunc(apc.ActiveStreams, withMethod(http.MethodGet, makeActiveStreams(s)))
	mux.Handle(apc.Metrics, stats.Handler())

	mux.Handle(apc.CoreStart, core(withMethod(http.MethodGet, makeCoreStart(s))))
	mux.Handle(apc.CoreFrame, core(withMethod(http.MethodPut, makeCoreFrame(s))))
	mux.Handle(apc.CoreCheckpoint, core(withMethod(http.MethodPut, makeCoreCheckpoint(s))))
	mux.Handle(apc.CoreStop, core(withMethod(http.MethodPut, makeCoreStop(s))))
	mux.Handle(apc.CoreHeartbeat, core(withMethod(http.MethodPost, makeCoreHeartbeat(s))))

	return instrument(mw.CORS(mux), st)
}

func instrument(next http.Handler, st *stats.Stats) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if st != nil {
			st.ObserveRequest(r.URL.Path, statusClass(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

//
// helpers
//

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case cos.IsErrNotFound(err):
		code = http.StatusBadRequest
	case cos.IsErrExists(err):
		code = http.StatusBadRequest
	case cos.IsErrPrecondition(err):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// pathSuffix returns the remainder of r.URL.Path after prefix.
func pathSuffix(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

// withMethod rejects requests whose method isn't method with 405 before
// reaching next — spec.md §6 documents one verb per route.
func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

//
// liveness
//

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

//
// router-authenticated
//

func makeActivate(s *shard.Shard) http.HandlerFunc {
	type req struct {
		TargetID string `json:"target_id"`
		DonorID  string `json:"donor_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
			return
		}
		token, err := s.Activate(body.TargetID, body.DonorID)
		if err != nil {
			if err == shard.ErrQueueEmpty {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue empty"})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

//
// manager-authenticated
//

// authorizeTarget checks the caller owns targetID via the target catalog.
func authorizeTarget(w http.ResponseWriter, r *http.Request, s *shard.Shard, targetID string) bool {
	userID, _ := mw.UserID(r.Context())
	if err := s.AuthorizeOwner(r.Context(), userID, targetID); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// authorizeStream resolves streamID's target and checks ownership.
func authorizeStream(w http.ResponseWriter, r *http.Request, s *shard.Shard, streamID string) bool {
	targetID, err := s.TargetOf(streamID)
	if err != nil {
		writeError(w, err)
		return false
	}
	return authorizeTarget(w, r, s, targetID)
}

func makeCreateStream(s *shard.Shard) http.HandlerFunc {
	type req struct {
		TargetID string            `json:"target_id"`
		Files    map[string]string `json:"files"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
			return
		}
		if !authorizeTarget(w, r, s, body.TargetID) {
			return
		}
		streamID, err := s.CreateStream(r.Context(), body.TargetID, body.Files)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stream_id": streamID})
	}
}

func makeStreamOp(s *shard.Shard, op func(*shard.Shard, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := lastSegment(r)
		if !authorizeStream(w, r, s, sid) {
			return
		}
		if err := op(s, sid); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func makeReplace(s *shard.Shard) http.HandlerFunc {
	type req struct {
		Files map[string]string `json:"files"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid := pathSuffix(r, apc.StreamsReplace)
		if !authorizeStream(w, r, s, sid) {
			return
		}
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
			return
		}
		if err := s.ReplaceFiles(sid, body.Files); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func makeDownload(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := pathSuffix(r, apc.StreamsDownload)
		sid, filename, ok := strings.Cut(rest, "/")
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing filename"})
			return
		}
		if !authorizeStream(w, r, s, sid) {
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		found, err := s.Download(w, sid, filename)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			w.WriteHeader(http.StatusOK)
		}
	}
}

func makeDeleteTarget(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tid := lastSegment(r)
		if !authorizeTarget(w, r, s, tid) {
			return
		}
		if err := s.DeleteTarget(tid); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

//
// public
//

func makeStreamInfo(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := pathSuffix(r, apc.StreamsInfo)
		info, err := s.StreamInfo(sid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func makeTargetStreams(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tid := pathSuffix(r, apc.TargetsStreams)
		streams, err := s.TargetStreams(tid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, streams)
	}
}

func makeActiveStreams(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := s.ActiveStreams()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, active)
	}
}

//
// core-authenticated
//

func makeCoreStart(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := mw.StreamID(r.Context())
		targetID, files, err := s.CoreStart(sid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stream_id": sid,
			"target_id": targetID,
			"files":     files,
		})
	}
}

func makeCoreFrame(s *shard.Shard) http.HandlerFunc {
	type req struct {
		Files  map[string]string `json:"files"`
		Frames int               `json:"frames"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := mw.StreamID(r.Context())
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		var body req
		if err := json.Unmarshal(raw, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
			return
		}
		if body.Frames == 0 {
			body.Frames = 1
		}
		if err := s.CoreFrame(sid, raw, body.Files, body.Frames); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func makeCoreCheckpoint(s *shard.Shard) http.HandlerFunc {
	type req struct {
		Files map[string]string `json:"files"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := mw.StreamID(r.Context())
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
			return
		}
		if err := s.CoreCheckpoint(sid, body.Files); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func makeCoreStop(s *shard.Shard) http.HandlerFunc {
	type req struct {
		Error string `json:"error"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := mw.StreamID(r.Context())
		var body req
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
				return
			}
		}
		if err := s.CoreStop(sid, body.Error); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func makeCoreHeartbeat(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := mw.StreamID(r.Context())
		if err := s.CoreHeartbeat(sid); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func lastSegment(r *http.Request) string {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	return parts[len(parts)-1]
}
