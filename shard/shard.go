// Package shard ties the local KV store, the entity layer, the stream
// directory, the lease manager, and the two external collaborators into
// the single orchestration type the HTTP surface calls into — spec.md
// §2's "leaf-first composition inside one shard".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/siegetank/scv/cmn/cos"
	"github.com/siegetank/scv/cmn/nlog"
	"github.com/siegetank/scv/collab"
	"github.com/siegetank/scv/entity"
	"github.com/siegetank/scv/kv"
	"github.com/siegetank/scv/lease"
	"github.com/siegetank/scv/streamdir"
)

var ErrQueueEmpty = errors.New("shard: queue empty")

// Shard is the per-process handle on one shard's state: everything spec.md
// §2 lists (KV store, entity schema, stream directory, lease manager) plus
// the two read-only external collaborators (spec.md §1).
type Shard struct {
	Name          string
	StreamsDir    string
	DB            *kv.Store
	Auth          collab.AuthStore
	Catalog       collab.TargetCatalog
	H             time.Duration
	MaxErrorCount int

	// Reaper is the lease-expiry tick, set by main on the designated
	// Config.TickOwner process. Nil elsewhere; Shutdown no-ops on nil.
	Reaper *lease.Reaper
}

func New(name, streamsDir string, db *kv.Store, auth collab.AuthStore, catalog collab.TargetCatalog, h time.Duration, maxErrorCount int) *Shard {
	return &Shard{
		Name:          name,
		StreamsDir:    streamsDir,
		DB:            db,
		Auth:          auth,
		Catalog:       catalog,
		H:             h,
		MaxErrorCount: maxErrorCount,
	}
}

// Shutdown stops the lease tick (if this process owns it) and drains
// in-flight HTTP handlers via srv.Shutdown, bounded by ctx's deadline —
// spec.md §2 item 6's "shutdown hook: stops the tick and drains the event
// loop". The KV store and log flush happen in the caller's own
// post-ListenAndServe cleanup, since they must run whether ListenAndServe
// exits via this shutdown or on its own.
func (s *Shard) Shutdown(ctx context.Context, srv *http.Server) error {
	if s.Reaper != nil {
		s.Reaper.Stop()
	}
	return srv.Shutdown(ctx)
}

func (s *Shard) dir(streamID string) string { return streamdir.Dir(s.StreamsDir, streamID) }

//
// manager-facing: authorization
//

// AuthenticateManager resolves token to a user id via the auth collaborator.
func (s *Shard) AuthenticateManager(ctx context.Context, token string) (string, bool) {
	return s.Auth.Authenticate(ctx, token)
}

// AuthorizeOwner checks that userID owns targetID per the target catalog
// collaborator (spec.md §4.4: "resource-level check requires that the
// stream's target's owner equals the user").
func (s *Shard) AuthorizeOwner(ctx context.Context, userID, targetID string) error {
	owner, ok := s.Catalog.Owner(ctx, targetID)
	if !ok || owner != userID {
		return errors.Errorf("shard: %s is not authorized for target %s", userID, targetID)
	}
	return nil
}

// TargetOf resolves a stream's owning target id, for handlers that only
// have a stream id and must authorize against its target.
func (s *Shard) TargetOf(streamID string) (string, error) {
	var targetID string
	err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		targetID = entity.Stream{ID: streamID}.TargetID(tx)
		return nil
	})
	return targetID, err
}

//
// core-facing: token -> stream id
//

func (s *Shard) ResolveCoreToken(token string) (string, bool) {
	var streamID string
	var ok bool
	_ = s.DB.View(func(tx *kv.Tx) error {
		streamID, ok = entity.LookupByToken(tx, token)
		return nil
	})
	return streamID, ok
}

//
// stream creation (manager, spec.md §4.2 "POST /streams")
//

// CreateStream creates a Stream under targetID with the given initial
// files, lazily creating the Target if this shard has not seen it before
// (spec.md §9 Open Question, decided in DESIGN.md).
func (s *Shard) CreateStream(ctx context.Context, targetID string, files map[string]string) (string, error) {
	var isNewTarget bool
	if err := s.DB.View(func(tx *kv.Tx) error {
		isNewTarget = !entity.TargetExists(tx, targetID)
		return nil
	}); err != nil {
		return "", err
	}
	if isNewTarget {
		if err := s.Catalog.RegisterShard(ctx, targetID, s.Name); err != nil {
			return "", errors.Wrap(err, "shard: register with target catalog")
		}
	}

	streamID := cos.GenUUID() + ":" + s.Name
	dir := s.dir(streamID)
	if err := streamdir.WriteInitialFiles(dir, files); err != nil {
		return "", err
	}

	err := s.DB.Update(func(tx *kv.Tx) error {
		if err := entity.EnsureTarget(tx, targetID); err != nil {
			return err
		}
		if err := entity.CreateStream(tx, streamID); err != nil {
			return err
		}
		if err := entity.AttachStream(tx, targetID, streamID); err != nil {
			return err
		}
		return entity.Target{ID: targetID}.QueueAdd(tx, streamID, 0)
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return streamID, nil
}

//
// lifecycle (manager, spec.md §4.2 transitions table)
//

func (s *Shard) StartStream(streamID string) error {
	return s.DB.Update(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		st := entity.Stream{ID: streamID}
		if st.Status(tx) != entity.StatusStopped {
			return cos.NewErrPrecondition("stream %s is not stopped", streamID)
		}
		if err := st.SetStatus(tx, entity.StatusOK); err != nil {
			return err
		}
		if err := st.SetErrorCount(tx, 0); err != nil {
			return err
		}
		targetID := st.TargetID(tx)
		return entity.Target{ID: targetID}.QueueAdd(tx, streamID, st.Frames(tx))
	})
}

func (s *Shard) StopStream(streamID string) error {
	var bufferFiles []string
	err := s.DB.Update(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		st := entity.Stream{ID: streamID}
		if entity.ActiveStreamExists(tx, streamID) {
			bf, err := deactivateTx(tx, streamID, false)
			if err != nil {
				return err
			}
			bufferFiles = bf
		} else {
			if st.Status(tx) != entity.StatusOK {
				return cos.NewErrPrecondition("stream %s is not OK", streamID)
			}
			if targetID := st.TargetID(tx); targetID != "" {
				if err := (entity.Target{ID: targetID}).QueueRem(tx, streamID); err != nil {
					return err
				}
			}
		}
		return st.SetStatus(tx, entity.StatusStopped)
	})
	if err != nil {
		return err
	}
	return streamdir.DeleteBufferFiles(s.dir(streamID), bufferFiles)
}

func (s *Shard) DeleteStream(streamID string) error {
	var bufferFiles []string
	err := s.DB.Update(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		bf, err := deactivateTx(tx, streamID, false)
		if err != nil {
			return err
		}
		bufferFiles = bf

		targetID := entity.Stream{ID: streamID}.TargetID(tx)
		if targetID != "" {
			t := entity.Target{ID: targetID}
			if err := t.QueueRem(tx, streamID); err != nil {
				return err
			}
			if err := entity.DetachStream(tx, targetID, streamID); err != nil {
				return err
			}
		}
		if err := entity.DeleteStream(tx, streamID); err != nil {
			return err
		}
		if targetID == "" {
			return nil
		}
		t := entity.Target{ID: targetID}
		if t.StreamCount(tx) == 0 {
			return entity.DeleteTarget(tx, targetID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := streamdir.DeleteBufferFiles(s.dir(streamID), bufferFiles); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(streamID)); err != nil {
		return errors.Wrapf(err, "shard: remove stream dir %s", streamID)
	}
	return nil
}

// ReplaceFiles overwrites already-present initial files; the stream must
// be STOPPED (spec.md §6 /streams/replace).
func (s *Shard) ReplaceFiles(streamID string, files map[string]string) error {
	err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		if (entity.Stream{ID: streamID}).Status(tx) != entity.StatusStopped {
			return cos.NewErrPrecondition("stream %s is not stopped", streamID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return streamdir.ReplaceFiles(s.dir(streamID), files)
}

// DeleteTarget deactivates and removes every stream the target owns on
// this shard (spec.md §6 /targets/delete).
func (s *Shard) DeleteTarget(targetID string) error {
	var streamIDs []string
	err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.TargetExists(tx, targetID) {
			return cos.NewErrNotFound("target %s", targetID)
		}
		streamIDs = entity.Target{ID: targetID}.Streams(tx)
		return nil
	})
	if err != nil {
		return err
	}
	for _, sid := range streamIDs {
		if err := s.DeleteStream(sid); err != nil {
			return err
		}
	}
	return nil
}

//
// activation (router, spec.md §4.2, tightened atomicity per §5)
//

func (s *Shard) Activate(targetID, donorID string) (string, error) {
	token := cos.GenToken()
	err := s.DB.Update(func(tx *kv.Tx) error {
		if !entity.TargetExists(tx, targetID) {
			return cos.NewErrNotFound("target %s", targetID)
		}
		streamID, ok := (entity.Target{ID: targetID}).QueuePopMax(tx)
		if !ok {
			return ErrQueueEmpty
		}
		now := time.Now()
		fields := entity.ActiveStreamFields{
			AuthToken: token,
			Donor:     donorID,
			StartTime: float64(now.UnixNano()) / 1e9,
		}
		if err := entity.CreateActiveStream(tx, streamID, fields); err != nil {
			return err
		}
		return lease.Insert(tx, streamID, now.Add(s.H).Unix())
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

//
// deactivation (spec.md §4.5) — shared by core stop, manager stop/delete,
// and the lease reaper.
//

func deactivateTx(tx *kv.Tx, streamID string, requeue bool) ([]string, error) {
	if !entity.ActiveStreamExists(tx, streamID) {
		return nil, nil
	}
	as := entity.ActiveStream{ID: streamID}
	bufferFiles := as.BufferFiles(tx)
	if err := entity.DeleteActiveStream(tx, streamID); err != nil {
		return nil, err
	}
	if err := lease.Remove(tx, streamID); err != nil {
		return nil, err
	}
	if requeue {
		st := entity.Stream{ID: streamID}
		if targetID := st.TargetID(tx); targetID != "" {
			if err := (entity.Target{ID: targetID}).QueueAdd(tx, streamID, st.Frames(tx)); err != nil {
				return nil, err
			}
		}
	}
	return bufferFiles, nil
}

// Deactivate is the standalone entry point deactivation callers outside a
// lifecycle op use: the core's own /core/stop and the lease reaper.
func (s *Shard) Deactivate(streamID string, requeue bool) error {
	var bufferFiles []string
	err := s.DB.Update(func(tx *kv.Tx) error {
		bf, err := deactivateTx(tx, streamID, requeue)
		bufferFiles = bf
		return err
	})
	if err != nil {
		return err
	}
	return streamdir.DeleteBufferFiles(s.dir(streamID), bufferFiles)
}

//
// core-facing operations (spec.md §6 Core-authenticated, §4.3)
//

// CoreStart returns the stream's target id and its files/ contents verbatim.
func (s *Shard) CoreStart(streamID string) (targetID string, files map[string]string, err error) {
	err = s.DB.View(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		targetID = entity.Stream{ID: streamID}.TargetID(tx)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	files, err = streamdir.ReadInitialFiles(s.dir(streamID))
	return targetID, files, err
}

// CoreFrame implements the frame-append protocol (spec.md §4.3): hash-dedup,
// decode+append to buffer, advance buffer_frames.
func (s *Shard) CoreFrame(streamID string, rawBody []byte, files map[string]string, frames int) error {
	if frames < 1 {
		return cos.NewErrPrecondition("frames must be >= 1")
	}
	sum := md5.Sum(rawBody)
	newHash := fmt.Sprintf("%x", sum)

	dup := false
	err := s.DB.Update(func(tx *kv.Tx) error {
		if !entity.ActiveStreamExists(tx, streamID) {
			return cos.NewErrNotFound("active stream %s", streamID)
		}
		as := entity.ActiveStream{ID: streamID}
		if as.FrameHash(tx) == newHash {
			dup = true
			return nil
		}
		return as.SetFrameHash(tx, newHash)
	})
	if err != nil || dup {
		return err
	}

	if err := s.DB.Update(func(tx *kv.Tx) error {
		_, err := entity.ActiveStream{ID: streamID}.ClearBufferFiles(tx)
		return err
	}); err != nil {
		return err
	}

	names, err := streamdir.AppendFrame(s.dir(streamID), files)
	if err != nil {
		return err
	}

	return s.DB.Update(func(tx *kv.Tx) error {
		as := entity.ActiveStream{ID: streamID}
		for _, name := range names {
			if err := as.BufferFilesAdd(tx, name); err != nil {
				return err
			}
		}
		_, err := as.IncrBufferFrames(tx, frames)
		return err
	})
}

// CoreCheckpoint implements the four-step ACID swap (spec.md §4.3).
func (s *Shard) CoreCheckpoint(streamID string, checkpointFiles map[string]string) error {
	var preFrames, buffer int
	var bufferNames []string
	if err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.ActiveStreamExists(tx, streamID) {
			return cos.NewErrNotFound("active stream %s", streamID)
		}
		as := entity.ActiveStream{ID: streamID}
		st := entity.Stream{ID: streamID}
		preFrames = st.Frames(tx)
		buffer = as.BufferFrames(tx)
		bufferNames = as.BufferFiles(tx)
		return nil
	}); err != nil {
		return err
	}
	if buffer == 0 {
		return nil
	}
	total := preFrames + buffer

	if err := streamdir.Checkpoint(s.dir(streamID), checkpointFiles, bufferNames, preFrames, total); err != nil {
		return err
	}

	return s.DB.Update(func(tx *kv.Tx) error {
		st := entity.Stream{ID: streamID}
		as := entity.ActiveStream{ID: streamID}
		if _, err := st.IncrFrames(tx, buffer); err != nil {
			return err
		}
		if _, err := as.IncrTotalFrames(tx, buffer); err != nil {
			return err
		}
		if err := as.SetBufferFrames(tx, 0); err != nil {
			return err
		}
		_, err := as.ClearBufferFiles(tx)
		return err
	})
}

// CoreStop optionally records an error and deactivates without re-queuing
// only if error_count has just reached MaxErrorCount (spec.md §7, §9 error-count
// policy, decided in DESIGN.md).
func (s *Shard) CoreStop(streamID, errB64 string) error {
	requeue := true
	if errB64 != "" {
		msg, err := base64.StdEncoding.DecodeString(errB64)
		if err != nil {
			return cos.NewErrPrecondition("invalid base64 error payload")
		}
		if err := s.appendErrorLog(streamID, msg); err != nil {
			return err
		}
		stopped := false
		if err := s.DB.Update(func(tx *kv.Tx) error {
			n, err := (entity.Stream{ID: streamID}).IncrErrorCount(tx, 1)
			if err != nil {
				return err
			}
			if s.MaxErrorCount > 0 && n >= s.MaxErrorCount {
				stopped = true
				return (entity.Stream{ID: streamID}).SetStatus(tx, entity.StatusStopped)
			}
			return nil
		}); err != nil {
			return err
		}
		if stopped {
			requeue = false
			nlog.Warningf("stream %s stopped: error_count reached max_error_count", streamID)
		}
	}
	return s.Deactivate(streamID, requeue)
}

func (s *Shard) appendErrorLog(streamID string, msg []byte) error {
	path := s.dir(streamID) + "/error_log.txt"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "shard: open error log for %s", streamID)
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	_, err = f.WriteString(line)
	return err
}

func (s *Shard) CoreHeartbeat(streamID string) error {
	return s.DB.Update(func(tx *kv.Tx) error {
		if !entity.ActiveStreamExists(tx, streamID) {
			return cos.NewErrNotFound("active stream %s", streamID)
		}
		return lease.Insert(tx, streamID, time.Now().Add(s.H).Unix())
	})
}

//
// downloads and info (spec.md §4.7, §6 Public)
//

func (s *Shard) Download(w io.Writer, streamID, filename string) (bool, error) {
	return streamdir.Download(w, s.dir(streamID), filename)
}

type StreamInfo struct {
	Status     string `json:"status"`
	Frames     int    `json:"frames"`
	ErrorCount int    `json:"error_count"`
	Active     bool   `json:"active"`
}

func (s *Shard) StreamInfo(streamID string) (StreamInfo, error) {
	var info StreamInfo
	err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.StreamExists(tx, streamID) {
			return cos.NewErrNotFound("stream %s", streamID)
		}
		st := entity.Stream{ID: streamID}
		info = StreamInfo{
			Status:     st.Status(tx),
			Frames:     st.Frames(tx),
			ErrorCount: st.ErrorCount(tx),
			Active:     entity.ActiveStreamExists(tx, streamID),
		}
		return nil
	})
	return info, err
}

type TargetStreamInfo struct {
	Status string `json:"status"`
	Frames int    `json:"frames"`
}

func (s *Shard) TargetStreams(targetID string) (map[string]TargetStreamInfo, error) {
	out := make(map[string]TargetStreamInfo)
	err := s.DB.View(func(tx *kv.Tx) error {
		if !entity.TargetExists(tx, targetID) {
			return cos.NewErrNotFound("target %s", targetID)
		}
		for _, sid := range (entity.Target{ID: targetID}).Streams(tx) {
			st := entity.Stream{ID: sid}
			out[sid] = TargetStreamInfo{Status: st.Status(tx), Frames: st.Frames(tx)}
		}
		return nil
	})
	return out, err
}

type ActiveStreamInfo struct {
	Donor        string  `json:"donor"`
	StartTime    float64 `json:"start_time"`
	ActiveFrames int     `json:"active_frames"`
	BufferFrames int     `json:"buffer_frames"`
}

func (s *Shard) ActiveStreams() (map[string]map[string]ActiveStreamInfo, error) {
	out := make(map[string]map[string]ActiveStreamInfo)
	err := s.DB.View(func(tx *kv.Tx) error {
		for _, tid := range entity.Targets(tx) {
			t := entity.Target{ID: tid}
			for _, sid := range t.Streams(tx) {
				if !entity.ActiveStreamExists(tx, sid) {
					continue
				}
				as := entity.ActiveStream{ID: sid}
				if _, ok := out[tid]; !ok {
					out[tid] = make(map[string]ActiveStreamInfo)
				}
				out[tid][sid] = ActiveStreamInfo{
					Donor:        as.Donor(tx),
					StartTime:    as.StartTime(tx),
					ActiveFrames: as.TotalFrames(tx),
					BufferFrames: as.BufferFrames(tx),
				}
			}
		}
		return nil
	})
	return out, err
}

// RecoverOnStartup runs the crash-recovery scan over every stream
// directory (spec.md §4.3 "Startup recovery").
func (s *Shard) RecoverOnStartup() error {
	return streamdir.Recover(s.StreamsDir)
}
