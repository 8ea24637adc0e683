// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package filetransfer receives files from the platform, either chunk by
// chunk over MQTT or by fetching a URL, and maintains the file inventory the
// platform sees. Chunked transfers are hash chained; a broken chain or a
// silent platform causes per-chunk retries before the transfer is abandoned.
package filetransfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/edgegate/edgegate/lib/channel"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/files"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
)

const (
	// packetTimeout is how long a requested chunk may take to arrive before
	// the request is treated as failed.
	packetTimeout = 6 * time.Second
	// maxChunkRetries is the number of failed attempts after which a
	// transfer is abandoned with RETRY_COUNT_EXCEEDED.
	maxChunkRetries = 3

	scanInterval = 500 * time.Millisecond
)

// Outbound queues a message for publication on one side of the gateway.
type Outbound interface {
	AddMessage(msg protocol.Message)
}

// transfer is the state of one chunked download.
type transfer struct {
	name       string
	size       int64
	fileHash   []byte // expected SHA-256 over the complete file
	packets    int64
	packetSize int64
	next       int64     // index of the chunk requested next
	prevHash   []byte    // chain hash the next chunk must carry
	data       []byte    // accumulated so far
	retries    int       // failed attempts for the current chunk
	deadline   time.Time // when the outstanding request expires
	done       bool      // finished, awaiting collection
}

// Service coordinates file transfers. One chunked download is active at a
// time; URL downloads run concurrently in their own goroutines. Message
// handlers run on the platform router worker.
type Service struct {
	proto       *protocol.FileProtocol
	repo        files.Repository
	platform    Outbound
	downloader  Downloader // nil disables URL downloads
	downloadDir string
	maxFileSize int64
	maxPacket   int64
	evLogger    *events.Logger

	now func() time.Time

	mut        sync.Mutex
	active     string // name of the running chunked download, empty if none
	sessions   *xsync.MapOf[string, *transfer]
	urlCancels map[string]context.CancelFunc
	ctx        context.Context // set by Serve, parents URL downloads

	// The janitor sleeps on gcCond until a transfer is flagged done, then
	// sweeps the session map.
	gcMut  stdsync.Mutex
	gcCond *stdsync.Cond
	gcRun  bool
	gcStop bool
}

func NewService(proto *protocol.FileProtocol, repo files.Repository, platform Outbound, downloader Downloader, downloadDir string, maxFileSize, maxPacketSize int64, evLogger *events.Logger) *Service {
	s := &Service{
		proto:       proto,
		repo:        repo,
		platform:    platform,
		downloader:  downloader,
		downloadDir: downloadDir,
		maxFileSize: maxFileSize,
		maxPacket:   maxPacketSize,
		evLogger:    evLogger,
		now:         time.Now,
		mut:         sync.NewMutex(),
		sessions:    xsync.NewMapOf[string, *transfer](),
		urlCancels:  make(map[string]context.CancelFunc),
		ctx:         context.Background(),
	}
	s.gcCond = stdsync.NewCond(&s.gcMut)
	return s
}

// PlatformChannels are the platform broker patterns this service consumes.
func (s *Service) PlatformChannels() []string {
	return s.proto.PlatformInboundChannels()
}

// HandlePlatformMessage dispatches one file family message by its operation
// segment.
func (s *Service) HandlePlatformMessage(msg protocol.Message) {
	switch s.proto.Operation(msg.Channel) {
	case channel.FileUploadInitiate:
		s.handleInitiate(msg)
	case channel.FileUploadAbort:
		s.handleAbort(msg)
	case channel.FileBinary:
		s.handleChunk(msg)
	case channel.FileURLInitiate:
		s.handleURLInitiate(msg)
	case channel.FileURLAbort:
		s.handleURLAbort(msg)
	case channel.FileDelete:
		s.handleDelete(msg)
	case channel.FilePurge:
		s.handlePurge()
	case channel.FileListRequest:
		s.PublishFileList()
	case channel.FileListConfirm:
		l.Debugln("platform confirmed the file list")
	default:
		l.Debugln("unexpected platform message on", msg.Channel)
	}
}

func (s *Service) handleInitiate(msg protocol.Message) {
	init, err := s.proto.ParseUploadInitiate(msg)
	if err != nil {
		l.Debugf("dropping transfer initiation: %v", err)
		return
	}
	if err := files.CheckName(init.Name); err != nil {
		l.Warnf("Rejecting transfer: %v", err)
		s.sendError(init.Name, protocol.ErrorFileSystemError)
		return
	}
	if init.Size > s.maxFileSize {
		l.Warnf("Rejecting transfer of %s: %d bytes exceeds the %d byte limit", init.Name, init.Size, s.maxFileSize)
		s.sendError(init.Name, protocol.ErrorUnsupportedFileSize)
		return
	}
	wantHash, err := init.DecodedHash()
	if err != nil {
		l.Debugf("dropping transfer initiation for %s: %v", init.Name, err)
		return
	}

	if info, ok, err := s.repo.GetInfo(init.Name); err != nil {
		l.Warnln("Checking the file repository:", err)
		s.sendError(init.Name, protocol.ErrorFileSystemError)
		return
	} else if ok {
		if info.Hash == hex.EncodeToString(wantHash) {
			l.Infof("File %s is already present, no transfer needed", init.Name)
			s.sendStatus(init.Name, protocol.TransferFileReady, nil)
		} else {
			l.Warnf("File %s is already present with different contents", init.Name)
			s.sendStatus(init.Name, protocol.TransferFileHashMismatch, nil)
		}
		return
	}

	s.mut.Lock()
	if s.active != "" {
		// Newest transfer wins; the platform has moved on.
		if prev, ok := s.sessions.Load(s.active); ok && !prev.done {
			l.Warnf("Transfer of %s supersedes the unfinished transfer of %s", init.Name, prev.name)
			s.finishLocked(prev)
			s.sendStatus(prev.name, protocol.TransferAborted, nil)
		}
		s.active = ""
	}
	t := &transfer{
		name:       init.Name,
		size:       init.Size,
		fileHash:   wantHash,
		packets:    protocol.PacketCount(init.Size, s.maxPacket),
		packetSize: protocol.PacketSize(init.Size, s.maxPacket),
		prevHash:   protocol.ZeroHash(),
		data:       make([]byte, 0, init.Size),
	}
	s.sessions.Store(t.name, t)
	s.active = t.name
	s.sendStatus(t.name, protocol.TransferFileTransfer, nil)
	s.requestChunkLocked(t)
	s.mut.Unlock()

	metricTransfersStarted.Inc()
	l.Infof("Receiving %s: %d bytes in %d chunks", t.name, t.size, t.packets)
	s.evLogger.Log(events.FileTransferStarted, map[string]interface{}{
		"file": t.name,
		"size": t.size,
	})
}

func (s *Service) handleChunk(msg protocol.Message) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.active == "" {
		l.Debugln("binary chunk with no transfer in progress")
		return
	}
	t, ok := s.sessions.Load(s.active)
	if !ok || t.done {
		return
	}

	chunk, err := protocol.ParseChunk(msg.Payload)
	if err != nil {
		l.Debugf("chunk %d of %s: %v", t.next, t.name, err)
		s.chunkFailureLocked(t)
		return
	}
	if !chunk.Valid() {
		l.Debugf("chunk %d of %s carries a corrupt payload", t.next, t.name)
		s.chunkFailureLocked(t)
		return
	}
	if !chunk.InChain(t.prevHash) {
		l.Debugf("chunk %d of %s does not continue the hash chain", t.next, t.name)
		s.chunkFailureLocked(t)
		return
	}

	t.data = append(t.data, chunk.Data...)
	t.prevHash = chunk.Hash
	t.next++
	t.retries = 0

	if t.next < t.packets {
		s.requestChunkLocked(t)
		return
	}
	s.completeLocked(t)
}

// requestChunkLocked asks the platform for the next chunk and arms the
// timeout.
func (s *Service) requestChunkLocked(t *transfer) {
	t.deadline = s.now().Add(packetTimeout)
	msg, err := s.proto.PacketRequestMessage(t.name, t.next, t.packetSize)
	if err != nil {
		l.Warnf("Encoding chunk request for %s: %v", t.name, err)
		return
	}
	s.platform.AddMessage(msg)
}

// chunkFailureLocked counts one failed attempt at the current chunk,
// re-requesting it or abandoning the transfer.
func (s *Service) chunkFailureLocked(t *transfer) {
	t.retries++
	if t.retries >= maxChunkRetries {
		l.Warnf("Abandoning transfer of %s: chunk %d failed %d times", t.name, t.next, t.retries)
		s.finishLocked(t)
		s.sendError(t.name, protocol.ErrorRetryCountExceeded)
		metricTransfersFailed.Inc()
		s.evLogger.Log(events.FileTransferFailed, map[string]string{
			"file":   t.name,
			"reason": protocol.ErrorRetryCountExceeded.String(),
		})
		return
	}
	l.Debugf("re-requesting chunk %d of %s, %d attempts failed", t.next, t.name, t.retries)
	metricChunksRetried.Inc()
	s.requestChunkLocked(t)
}

// completeLocked verifies the assembled file, writes it out and records it.
func (s *Service) completeLocked(t *transfer) {
	sum := sha256.Sum256(t.data)
	if !bytes.Equal(sum[:], t.fileHash) {
		l.Warnf("Transfer of %s produced the wrong file hash", t.name)
		s.finishLocked(t)
		s.sendStatus(t.name, protocol.TransferFileHashMismatch, nil)
		metricTransfersFailed.Inc()
		s.evLogger.Log(events.FileTransferFailed, map[string]string{
			"file":   t.name,
			"reason": "file hash mismatch",
		})
		return
	}

	path := filepath.Join(s.downloadDir, t.name)
	if err := os.WriteFile(path, t.data, 0o644); err != nil {
		l.Warnf("Storing %s: %v", t.name, err)
		s.failFileSystemLocked(t)
		return
	}
	info := files.FileInfo{Name: t.name, Size: int64(len(t.data)), Hash: hex.EncodeToString(sum[:])}
	if err := s.repo.Store(info); err != nil {
		l.Warnf("Recording %s: %v", t.name, err)
		s.failFileSystemLocked(t)
		return
	}

	s.finishLocked(t)
	s.sendStatus(t.name, protocol.TransferFileReady, nil)
	s.PublishFileList()
	metricTransfersCompleted.Inc()
	l.Infof("Received %s (%d bytes)", t.name, len(t.data))
	s.evLogger.Log(events.FileTransferCompleted, map[string]interface{}{
		"file": t.name,
		"size": int64(len(t.data)),
	})
}

func (s *Service) failFileSystemLocked(t *transfer) {
	s.finishLocked(t)
	s.sendError(t.name, protocol.ErrorFileSystemError)
	metricTransfersFailed.Inc()
	s.evLogger.Log(events.FileTransferFailed, map[string]string{
		"file":   t.name,
		"reason": protocol.ErrorFileSystemError.String(),
	})
}

// finishLocked flags the transfer for collection and frees the active slot.
func (s *Service) finishLocked(t *transfer) {
	t.done = true
	t.deadline = time.Time{}
	if s.active == t.name {
		s.active = ""
	}
	s.gcMut.Lock()
	s.gcRun = true
	s.gcMut.Unlock()
	s.gcCond.Broadcast()
}

func (s *Service) handleAbort(msg protocol.Message) {
	name, err := s.proto.ParseUploadAbort(msg)
	if err != nil {
		l.Debugf("dropping transfer abort: %v", err)
		return
	}

	s.mut.Lock()
	if t, ok := s.sessions.Load(name); ok && !t.done {
		l.Infof("Transfer of %s aborted by the platform", name)
		s.finishLocked(t)
	} else {
		l.Debugf("abort for unknown transfer %s", name)
	}
	s.mut.Unlock()

	s.sendStatus(name, protocol.TransferAborted, nil)
}

func (s *Service) handleURLInitiate(msg protocol.Message) {
	rawURL, err := s.proto.ParseURLInitiate(msg)
	if err != nil {
		l.Debugf("dropping download initiation: %v", err)
		return
	}

	if s.downloader == nil {
		l.Infoln("URL download requested but no downloader is configured")
		s.sendURLStatus(rawURL, "", protocol.TransferProtocolDisabled, nil)
		return
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		l.Warnf("Malformed download URL %q: %v", rawURL, err)
		s.sendURLError(rawURL, "", protocol.ErrorMalformedURL)
		return
	}

	s.mut.Lock()
	if _, busy := s.urlCancels[rawURL]; busy {
		s.mut.Unlock()
		l.Debugf("download of %s is already running", rawURL)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.urlCancels[rawURL] = cancel
	s.mut.Unlock()

	s.sendURLStatus(rawURL, "", protocol.TransferFileTransfer, nil)
	l.Infoln("Downloading", rawURL)
	s.evLogger.Log(events.FileTransferStarted, map[string]interface{}{"url": rawURL})
	go s.runDownload(ctx, rawURL)
}

func (s *Service) runDownload(ctx context.Context, rawURL string) {
	defer func() {
		s.mut.Lock()
		if cancel, ok := s.urlCancels[rawURL]; ok {
			delete(s.urlCancels, rawURL)
			cancel()
		}
		s.mut.Unlock()
	}()

	name, err := s.downloader.Download(ctx, rawURL, s.downloadDir)
	switch {
	case errors.Is(err, context.Canceled):
		l.Infof("Download of %s aborted", rawURL)
		s.sendURLStatus(rawURL, "", protocol.TransferAborted, nil)
		return
	case err != nil:
		l.Warnf("Downloading %s: %v", rawURL, err)
		s.sendURLError(rawURL, "", protocol.ErrorUnspecified)
		metricTransfersFailed.Inc()
		s.evLogger.Log(events.FileTransferFailed, map[string]string{
			"url":    rawURL,
			"reason": err.Error(),
		})
		return
	}

	path := filepath.Join(s.downloadDir, name)
	hash, err := files.HashFile(path)
	if err != nil {
		l.Warnf("Hashing %s: %v", name, err)
		s.sendURLError(rawURL, name, protocol.ErrorFileSystemError)
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		l.Warnf("Inspecting %s: %v", name, err)
		s.sendURLError(rawURL, name, protocol.ErrorFileSystemError)
		return
	}
	if err := s.repo.Store(files.FileInfo{Name: name, Size: fi.Size(), Hash: hash}); err != nil {
		l.Warnf("Recording %s: %v", name, err)
		s.sendURLError(rawURL, name, protocol.ErrorFileSystemError)
		return
	}

	s.sendURLStatus(rawURL, name, protocol.TransferFileReady, nil)
	s.PublishFileList()
	metricTransfersCompleted.Inc()
	l.Infof("Downloaded %s to %s (%d bytes)", rawURL, name, fi.Size())
	s.evLogger.Log(events.FileTransferCompleted, map[string]interface{}{
		"file": name,
		"size": fi.Size(),
	})
}

func (s *Service) handleURLAbort(msg protocol.Message) {
	rawURL, err := s.proto.ParseURLAbort(msg)
	if err != nil {
		l.Debugf("dropping download abort: %v", err)
		return
	}

	s.mut.Lock()
	cancel, ok := s.urlCancels[rawURL]
	s.mut.Unlock()
	if !ok {
		l.Debugf("abort for unknown download %s", rawURL)
		s.sendURLStatus(rawURL, "", protocol.TransferAborted, nil)
		return
	}
	// The download goroutine observes the cancellation and reports ABORTED.
	cancel()
}

func (s *Service) handleDelete(msg protocol.Message) {
	name, err := s.proto.ParseDelete(msg)
	if err != nil {
		l.Debugf("dropping file deletion: %v", err)
		return
	}
	if err := s.repo.Remove(name); err != nil {
		l.Warnf("Deleting %s: %v", name, err)
	} else {
		l.Infof("Deleted %s", name)
	}
	s.PublishFileList()
}

func (s *Service) handlePurge() {
	if err := s.repo.RemoveAll(); err != nil {
		l.Warnln("Purging files:", err)
	} else {
		l.Infoln("Purged all files")
	}
	s.PublishFileList()
}

// PublishFileList sends the current inventory to the platform. Called after
// every mutation and on the platform's request.
func (s *Service) PublishFileList() {
	names, err := s.repo.ListNames()
	if err != nil {
		l.Warnln("Listing files:", err)
		return
	}
	entries := make([]protocol.FileEntry, 0, len(names))
	for _, name := range names {
		info, ok, err := s.repo.GetInfo(name)
		if err != nil {
			l.Warnf("Listing %s: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		entries = append(entries, protocol.FileEntry{Name: info.Name, Size: info.Size, Hash: info.Hash})
	}
	msg, err := s.proto.FileListMessage(entries)
	if err != nil {
		l.Warnln("Encoding file list:", err)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) sendStatus(name string, status protocol.TransferStatus, code *protocol.UpdateErrorCode) {
	msg, err := s.proto.UploadStatusMessage(name, status, code)
	if err != nil {
		l.Warnf("Encoding transfer status for %s: %v", name, err)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) sendError(name string, code protocol.UpdateErrorCode) {
	s.sendStatus(name, protocol.TransferError, &code)
}

func (s *Service) sendURLStatus(url, name string, status protocol.TransferStatus, code *protocol.UpdateErrorCode) {
	msg, err := s.proto.URLStatusMessage(url, name, status, code)
	if err != nil {
		l.Warnf("Encoding download status for %s: %v", url, err)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) sendURLError(url, name string, code protocol.UpdateErrorCode) {
	s.sendURLStatus(url, name, protocol.TransferError, &code)
}

// checkTimeout fails the outstanding chunk request when its deadline has
// passed.
func (s *Service) checkTimeout() {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.active == "" {
		return
	}
	t, ok := s.sessions.Load(s.active)
	if !ok || t.done || t.deadline.IsZero() || s.now().Before(t.deadline) {
		return
	}
	l.Debugf("chunk %d of %s timed out", t.next, t.name)
	s.chunkFailureLocked(t)
}

// janitor sweeps finished transfers out of the session map whenever one is
// flagged done.
func (s *Service) janitor() {
	s.gcMut.Lock()
	for {
		for !s.gcStop && !s.gcRun {
			s.gcCond.Wait()
		}
		if s.gcStop {
			s.gcMut.Unlock()
			return
		}
		s.gcRun = false
		s.gcMut.Unlock()

		s.collect()

		s.gcMut.Lock()
	}
}

func (s *Service) collect() {
	s.sessions.Range(func(name string, t *transfer) bool {
		s.mut.Lock()
		done := t.done
		s.mut.Unlock()
		if done {
			s.sessions.Delete(name)
			l.Debugln("collected finished transfer of", name)
		}
		return true
	})
}

func (s *Service) transfersInFlight() int {
	return s.sessions.Size()
}

// Serve runs the chunk timeout timer and the session janitor until the
// context is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	s.mut.Lock()
	s.ctx = ctx
	s.mut.Unlock()

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.janitor()
	}()

	timer := time.NewTimer(scanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.gcMut.Lock()
			s.gcStop = true
			s.gcMut.Unlock()
			s.gcCond.Broadcast()
			wg.Wait()
			return ctx.Err()
		case <-timer.C:
			s.checkTimeout()
			timer.Reset(scanInterval)
		}
	}
}

func (*Service) String() string {
	return "filetransfer.Service"
}
