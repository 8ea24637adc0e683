// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/edgegate/edgegate/lib/channel"
)

// TransferStatus is the file transfer state reported to the platform.
type TransferStatus string

const (
	TransferFileTransfer     TransferStatus = "FILE_TRANSFER"
	TransferFileReady        TransferStatus = "FILE_READY"
	TransferFileHashMismatch TransferStatus = "FILE_HASH_MISMATCH"
	TransferAborted          TransferStatus = "ABORTED"
	TransferError            TransferStatus = "ERROR"
	TransferProtocolDisabled TransferStatus = "TRANSFER_PROTOCOL_DISABLED"
)

// HashSize is the length of the SHA-256 hashes framing a binary chunk.
const HashSize = sha256.Size

// ChunkOverhead is the framing added around the data of every binary chunk:
// the previous chunk hash in front, this chunk's hash behind.
const ChunkOverhead = 2 * HashSize

// ZeroHash returns the chain hash expected by the first chunk of a transfer.
func ZeroHash() []byte {
	return make([]byte, HashSize)
}

// PacketCount returns the number of chunks a transfer of size bytes needs
// when each packet may carry at most maxPacket bytes including framing.
func PacketCount(size, maxPacket int64) int64 {
	data := maxPacket - ChunkOverhead
	return (size + data - 1) / data
}

// PacketSize returns the packet size to request: the configured maximum, or
// the whole file plus framing when that is smaller.
func PacketSize(size, maxPacket int64) int64 {
	if size+ChunkOverhead < maxPacket {
		return size + ChunkOverhead
	}
	return maxPacket
}

// Chunk is one decoded binary packet of a file transfer.
type Chunk struct {
	Previous []byte // hash of the preceding chunk, zero for the first
	Data     []byte
	Hash     []byte // SHA-256 over Data
}

// MakeChunk frames data into the wire form, hashing it and chaining it onto
// the previous chunk hash.
func MakeChunk(previous, data []byte) []byte {
	sum := sha256.Sum256(data)
	out := make([]byte, 0, len(data)+ChunkOverhead)
	out = append(out, previous...)
	out = append(out, data...)
	out = append(out, sum[:]...)
	return out
}

// ParseChunk splits a raw binary packet into its framing and data.
func ParseChunk(payload []byte) (Chunk, error) {
	if len(payload) <= ChunkOverhead {
		return Chunk{}, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedPayload, len(payload))
	}
	return Chunk{
		Previous: payload[:HashSize],
		Data:     payload[HashSize : len(payload)-HashSize],
		Hash:     payload[len(payload)-HashSize:],
	}, nil
}

// Valid reports whether the chunk's hash field matches its data.
func (c Chunk) Valid() bool {
	sum := sha256.Sum256(c.Data)
	return bytes.Equal(c.Hash, sum[:])
}

// InChain reports whether the chunk continues the chain ending in previous.
func (c Chunk) InChain(previous []byte) bool {
	return bytes.Equal(c.Previous, previous)
}

// UploadInitiate announces a platform initiated file transfer. The hash is
// base64 encoded SHA-256 over the complete file.
type UploadInitiate struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// DecodedHash returns the raw file hash announced by the initiation.
func (u UploadInitiate) DecodedHash() ([]byte, error) {
	bs, err := base64.StdEncoding.DecodeString(u.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrMalformedPayload, err)
	}
	if len(bs) != HashSize {
		return nil, fmt.Errorf("%w: hash of %d bytes", ErrMalformedPayload, len(bs))
	}
	return bs, nil
}

// PacketRequest asks the platform for one chunk of the named file.
type PacketRequest struct {
	FileName   string `json:"fileName"`
	ChunkIndex int64  `json:"chunkIndex"`
	ChunkSize  int64  `json:"chunkSize"`
}

// FileEntry is one row of the published file list. The hash is hex encoded.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// FileProtocol translates the file management family. All of its channels
// are addressed to the gateway; subdevices take no part in file transfer.
type FileProtocol struct {
	gatewayKey string
}

func NewFileProtocol(gatewayKey string) *FileProtocol {
	return &FileProtocol{gatewayKey: gatewayKey}
}

func (p *FileProtocol) inbound(operation string) string {
	return channel.Join(channel.PlatformToDevice, channel.File, operation, channel.GatewayPrefix, p.gatewayKey)
}

func (p *FileProtocol) outbound(operation string) string {
	return channel.Join(channel.DeviceToPlatform, channel.File, operation, channel.GatewayPrefix, p.gatewayKey)
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family. They are concrete channels, not patterns.
func (p *FileProtocol) PlatformInboundChannels() []string {
	ops := []string{
		channel.FileUploadInitiate,
		channel.FileUploadAbort,
		channel.FileBinary,
		channel.FileURLInitiate,
		channel.FileURLAbort,
		channel.FileDelete,
		channel.FilePurge,
		channel.FileListRequest,
		channel.FileListConfirm,
	}
	chs := make([]string, len(ops))
	for i, op := range ops {
		chs[i] = p.inbound(op)
	}
	return chs
}

// Operation returns the file family operation segment of a channel, or the
// empty string when the channel belongs to another family.
func (*FileProtocol) Operation(ch string) string {
	parts := channel.Split(ch)
	if len(parts) > 2 && parts[1] == channel.File {
		return parts[2]
	}
	return ""
}

// IsBinary reports whether the channel carries a raw binary chunk. Binary
// payloads are not JSON and must not be logged.
func (p *FileProtocol) IsBinary(ch string) bool {
	return p.Operation(ch) == channel.FileBinary
}

// UploadStatusMessage encodes a transfer status for the platform. The error
// code is only carried for ERROR statuses.
func (p *FileProtocol) UploadStatusMessage(fileName string, status TransferStatus, code *UpdateErrorCode) (Message, error) {
	body := map[string]interface{}{
		"fileName": fileName,
		"status":   string(status),
	}
	if code != nil {
		body["error"] = int(*code)
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(p.outbound(channel.FileUploadStatus), bs), nil
}

// PacketRequestMessage encodes a chunk request for the platform.
func (p *FileProtocol) PacketRequestMessage(fileName string, chunkIndex, chunkSize int64) (Message, error) {
	bs, err := json.Marshal(PacketRequest{FileName: fileName, ChunkIndex: chunkIndex, ChunkSize: chunkSize})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(p.outbound(channel.FileBinaryRequest), bs), nil
}

// URLStatusMessage encodes a URL download status for the platform. The file
// name is carried once the download has produced one, the error code only
// for ERROR statuses.
func (p *FileProtocol) URLStatusMessage(url, fileName string, status TransferStatus, code *UpdateErrorCode) (Message, error) {
	body := map[string]interface{}{
		"url":    url,
		"status": string(status),
	}
	if fileName != "" {
		body["fileName"] = fileName
	}
	if code != nil {
		body["error"] = int(*code)
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(p.outbound(channel.FileURLStatus), bs), nil
}

// FileListMessage encodes the current file inventory for the platform.
func (p *FileProtocol) FileListMessage(entries []FileEntry) (Message, error) {
	if entries == nil {
		entries = []FileEntry{}
	}
	bs, err := json.Marshal(entries)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(p.outbound(channel.FileList), bs), nil
}

// ParseUploadInitiate decodes a transfer initiation. Size limits are for the
// caller to enforce.
func (*FileProtocol) ParseUploadInitiate(m Message) (UploadInitiate, error) {
	var init UploadInitiate
	if err := json.Unmarshal(m.Payload, &init); err != nil {
		return init, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if init.Name == "" || init.Hash == "" {
		return init, fmt.Errorf("%w: name or hash missing", ErrMalformedPayload)
	}
	if init.Size <= 0 {
		return init, fmt.Errorf("%w: size %d", ErrMalformedPayload, init.Size)
	}
	return init, nil
}

// ParseUploadAbort decodes a transfer abort, returning the file name.
func (*FileProtocol) ParseUploadAbort(m Message) (string, error) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Name == "" {
		return "", fmt.Errorf("%w: name missing", ErrMalformedPayload)
	}
	return body.Name, nil
}

// ParseChunkMessage decodes a binary chunk message.
func (*FileProtocol) ParseChunkMessage(m Message) (Chunk, error) {
	return ParseChunk(m.Payload)
}

// ParseURLInitiate decodes a URL download initiation, returning the URL.
func (*FileProtocol) ParseURLInitiate(m Message) (string, error) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("%w: url missing", ErrMalformedPayload)
	}
	return body.URL, nil
}

// ParseURLAbort decodes a URL download abort, returning the URL.
func (p *FileProtocol) ParseURLAbort(m Message) (string, error) {
	return p.ParseURLInitiate(m)
}

// ParseDelete decodes a file deletion, returning the file name.
func (p *FileProtocol) ParseDelete(m Message) (string, error) {
	return p.ParseUploadAbort(m)
}
