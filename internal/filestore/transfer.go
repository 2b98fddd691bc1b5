// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/wire"
)

const (
	// DefaultChunkSize is what a fetcher asks for per chunk.
	DefaultChunkSize = 64 << 10

	// maxChunkSize caps what a requester may ask for, leaving room
	// inside the frame limit for the envelope.
	maxChunkSize = 512 << 10

	// Window bounds chunks queued ahead of the transport writer so a
	// slow link does not buffer the whole file in memory.
	Window = 16

	// chunkTimeout aborts a fetch when no chunk arrives for this long.
	chunkTimeout = 30 * time.Second

	// progressInterval throttles transfer progress events.
	progressInterval = 100 * time.Millisecond

	windowPoll = 5 * time.Millisecond
)

// ErrTransferFailed wraps the peer-reported or local reason a fetch
// did not complete.
var ErrTransferFailed = errors.New("filestore: transfer failed")

// Service moves blobs between peers over transient file streams. The
// accepting side serves chunk requests out of the blob store; the
// dialing side fetches, resumes, and verifies downloads.
type Service struct {
	blobs    *Blobs
	store    *store.Store
	sessions *session.Manager
	bus      *event.Bus
	logger   *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.Mutex
	inflight map[string]*fetch
}

// fetch is one in-progress download, shared by every caller waiting
// on the same hash.
type fetch struct {
	done chan struct{}
	err  error
}

// NewService wires the transfer service. Register it with the session
// manager for the file protocol.
func NewService(blobs *Blobs, st *store.Store, sessions *session.Manager, bus *event.Bus, logger *slog.Logger) (*Service, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("filestore: creating compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("filestore: creating decompressor: %w", err)
	}
	return &Service{
		blobs:    blobs,
		store:    st,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With("component", "filestore"),
		enc:      enc,
		dec:      dec,
		inflight: make(map[string]*fetch),
	}, nil
}

// Blobs exposes the underlying blob store.
func (s *Service) Blobs() *Blobs { return s.blobs }

// Import copies a local file into the blob store and records it as a
// complete local blob.
func (s *Service) Import(ctx context.Context, path string) (store.FileRecord, error) {
	hash, size, mimeHint, err := s.blobs.Import(path)
	if err != nil {
		return store.FileRecord{}, err
	}
	rec := store.FileRecord{
		Hash:       hash,
		SizeBytes:  size,
		MimeHint:   mimeHint,
		LocalPath:  s.blobs.Path(hash),
		FirstSeen:  time.Now().Unix(),
		Origin:     store.OriginLocal,
		IsComplete: true,
	}
	if err := s.store.UpsertFile(ctx, rec); err != nil {
		return store.FileRecord{}, err
	}
	return rec, nil
}

// Fetch downloads the blob from the peer, resuming any partial bytes
// already on disk. Concurrent calls for the same hash share one
// download. Returns once the blob is verified and promoted.
func (s *Service) Fetch(ctx context.Context, peer identity.PeerID, hash string) error {
	if rec, err := s.store.GetFile(ctx, hash); err == nil {
		if rec.Quarantined {
			return fmt.Errorf("%w: %s is quarantined", ErrTransferFailed, hash)
		}
		if rec.IsComplete {
			return nil
		}
	}

	s.mu.Lock()
	if f, ok := s.inflight[hash]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &fetch{done: make(chan struct{})}
	s.inflight[hash] = f
	s.mu.Unlock()

	f.err = s.download(ctx, peer, hash)

	s.mu.Lock()
	delete(s.inflight, hash)
	s.mu.Unlock()
	close(f.done)
	return f.err
}

func (s *Service) download(ctx context.Context, peer identity.PeerID, hash string) error {
	var total int64
	if rec, err := s.store.GetFile(ctx, hash); err == nil {
		total = rec.SizeBytes
	}

	offset := s.blobs.PartialSize(hash)
	partial := s.blobs.PartialPath(hash)
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("filestore: opening partial for %s: %w", hash, err)
	}
	if err := out.Truncate(offset); err != nil {
		out.Close()
		return fmt.Errorf("filestore: truncating partial for %s: %w", hash, err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return fmt.Errorf("filestore: seeking partial for %s: %w", hash, err)
	}

	sess, err := s.sessions.Open(ctx, peer, wire.ProtocolFile)
	if err != nil {
		out.Close()
		return err
	}

	err = s.receive(ctx, sess, out, hash, offset, total)
	out.Close()
	sess.Close()
	if err != nil {
		s.bus.Publish(event.FileTransferFailed{FileHash: hash, Reason: err.Error()})
		return err
	}
	return s.finalize(ctx, hash)
}

// receive drives the chunk stream into the partial file. The watchdog
// tears the session down when the peer stalls.
func (s *Service) receive(ctx context.Context, sess *session.Session, out *os.File, hash string, offset, total int64) error {
	if err := sess.Send(wire.KindFileRequest, wire.FileRequest{
		Hash:       hash,
		Offset:     offset,
		ChunkSize:  DefaultChunkSize,
		AcceptZstd: true,
	}); err != nil {
		return err
	}

	watchdog := time.AfterFunc(chunkTimeout, sess.Close)
	defer watchdog.Stop()

	expected := offset
	var lastProgress time.Time
	result := make(chan error, 1)

	handler := func(ctx context.Context, sess *session.Session, frame wire.Frame) error {
		watchdog.Reset(chunkTimeout)
		switch frame.Kind {
		case wire.KindFileChunk:
			var chunk wire.FileChunk
			if err := wire.DecodePayload(frame, &chunk); err != nil {
				return err
			}
			if chunk.Hash != hash {
				return fmt.Errorf("filestore: chunk for wrong blob %s", chunk.Hash)
			}
			data := chunk.Data
			if chunk.Zstd {
				var err error
				data, err = s.dec.DecodeAll(chunk.Data, nil)
				if err != nil {
					return fmt.Errorf("filestore: decompressing chunk at %d: %w", chunk.Offset, err)
				}
			}
			if chunk.Offset != expected {
				return fmt.Errorf("filestore: chunk at %d, expected %d", chunk.Offset, expected)
			}
			if _, err := out.Write(data); err != nil {
				return fmt.Errorf("filestore: writing chunk at %d: %w", chunk.Offset, err)
			}
			expected += int64(len(data))
			if now := time.Now(); now.Sub(lastProgress) >= progressInterval {
				lastProgress = now
				s.bus.Publish(event.FileTransferProgress{
					FileHash:  hash,
					BytesDone: expected,
					Total:     total,
				})
			}
			return nil
		case wire.KindFileDone:
			result <- nil
			sess.Close()
			return nil
		case wire.KindFileFail:
			var fail wire.FileFail
			if err := wire.DecodePayload(frame, &fail); err != nil {
				return err
			}
			result <- fmt.Errorf("%w: %s", ErrTransferFailed, fail.Reason)
			sess.Close()
			return nil
		default:
			return fmt.Errorf("filestore: unexpected %s frame", frame.Kind)
		}
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- sess.Run(ctx, handler)
	}()

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		if total != 0 && expected != total {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTransferFailed, expected, total)
		}
		s.bus.Publish(event.FileTransferProgress{
			FileHash:  hash,
			BytesDone: expected,
			Total:     total,
		})
		return nil
	case err := <-runErr:
		select {
		case res := <-result:
			if res != nil {
				return res
			}
			if total != 0 && expected != total {
				return fmt.Errorf("%w: got %d of %d bytes", ErrTransferFailed, expected, total)
			}
			return nil
		default:
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return fmt.Errorf("%w: stream closed before done", ErrTransferFailed)
	case <-ctx.Done():
		sess.Close()
		<-runErr
		return ctx.Err()
	}
}

// finalize verifies the completed partial against its claimed hash.
// A match promotes the blob; a mismatch quarantines it so the bytes
// are never served or displayed.
func (s *Service) finalize(ctx context.Context, hash string) error {
	got, size, err := HashFile(s.blobs.PartialPath(hash))
	if err != nil {
		return err
	}
	if got != hash {
		s.logger.Warn("downloaded blob failed verification", "want", hash, "got", got)
		s.blobs.DiscardPartial(hash)
		if err := s.store.QuarantineFile(ctx, hash); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("quarantining blob", "hash", hash, "error", err)
		}
		s.bus.Publish(event.FileTransferFailed{FileHash: hash, Reason: "content hash mismatch"})
		return fmt.Errorf("%w: content hash mismatch", ErrTransferFailed)
	}
	if err := s.blobs.Promote(hash); err != nil {
		return err
	}
	rec := store.FileRecord{
		Hash:       hash,
		SizeBytes:  size,
		LocalPath:  s.blobs.Path(hash),
		FirstSeen:  time.Now().Unix(),
		Origin:     store.OriginRemote,
		IsComplete: true,
	}
	if existing, err := s.store.GetFile(ctx, hash); err == nil {
		rec.MimeHint = existing.MimeHint
		rec.FirstSeen = existing.FirstSeen
		rec.Origin = existing.Origin
	}
	if err := s.store.UpsertFile(ctx, rec); err != nil {
		return err
	}
	s.bus.Publish(event.FileTransferComplete{FileHash: hash})
	return nil
}

// HandleFrame serves chunk requests on accepted file streams.
func (s *Service) HandleFrame(ctx context.Context, sess *session.Session, frame wire.Frame) error {
	if frame.Kind != wire.KindFileRequest {
		return fmt.Errorf("filestore: unexpected %s frame", frame.Kind)
	}
	var req wire.FileRequest
	if err := wire.DecodePayload(frame, &req); err != nil {
		return err
	}
	return s.serve(ctx, sess, req)
}

// SessionOpened implements session.Handler.
func (s *Service) SessionOpened(ctx context.Context, sess *session.Session) {}

// SessionClosed implements session.Handler.
func (s *Service) SessionClosed(sess *session.Session) {}

// serve streams one blob to the requester, honoring the offset for
// resumes and compressing chunks when the requester accepts it and it
// actually shrinks the bytes.
func (s *Service) serve(ctx context.Context, sess *session.Session, req wire.FileRequest) error {
	rec, err := s.store.GetFile(ctx, req.Hash)
	if err != nil || !rec.IsComplete || rec.Quarantined {
		return s.sendFrame(ctx, sess, wire.KindFileFail, wire.FileFail{
			Hash:   req.Hash,
			Reason: "file not available",
		})
	}

	f, err := os.Open(s.blobs.Path(req.Hash))
	if err != nil {
		s.logger.Warn("blob missing on disk", "hash", req.Hash, "error", err)
		return s.sendFrame(ctx, sess, wire.KindFileFail, wire.FileFail{
			Hash:   req.Hash,
			Reason: "file not available",
		})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("filestore: stat %s: %w", req.Hash, err)
	}
	if req.Offset < 0 || req.Offset > info.Size() {
		return s.sendFrame(ctx, sess, wire.KindFileFail, wire.FileFail{
			Hash:   req.Hash,
			Reason: "offset out of range",
		})
	}

	chunkSize := int(req.ChunkSize)
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		chunkSize = DefaultChunkSize
	}

	buf := make([]byte, chunkSize)
	offset := req.Offset
	for offset < info.Size() {
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("filestore: reading %s at %d: %w", req.Hash, offset, err)
		}
		if n == 0 {
			break
		}

		chunk := wire.FileChunk{Hash: req.Hash, Offset: offset, Data: buf[:n]}
		if req.AcceptZstd {
			if packed := s.enc.EncodeAll(buf[:n], nil); len(packed) < n {
				chunk.Data = packed
				chunk.Zstd = true
			}
		}

		if err := s.waitWindow(ctx, sess); err != nil {
			return err
		}
		if err := s.sendFrame(ctx, sess, wire.KindFileChunk, chunk); err != nil {
			return err
		}
		offset += int64(n)
	}

	return s.sendFrame(ctx, sess, wire.KindFileDone, wire.FileDone{Hash: req.Hash})
}

// waitWindow holds the sender back until fewer than Window chunks are
// queued ahead of the transport writer.
func (s *Service) waitWindow(ctx context.Context, sess *session.Session) error {
	for sess.QueueLen() >= Window {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return session.ErrClosed
		case <-time.After(windowPoll):
		}
	}
	return nil
}

// sendFrame queues a frame, waiting out backpressure instead of
// surfacing it.
func (s *Service) sendFrame(ctx context.Context, sess *session.Session, kind string, payload any) error {
	for {
		err := sess.Send(kind, payload)
		if !errors.Is(err, session.ErrBackpressure) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return session.ErrClosed
		case <-time.After(windowPoll):
		}
	}
}

var _ session.Handler = (*Service)(nil)
