// Package synthesis ships an overlay to a remote cloudlet, has it reconstruct the
// modified VM against a local base, and reports the outcome on the same connection.
//
// Every message is a JSON document behind a 4-byte big-endian length prefix. A
// request is one header message followed by exactly diskimg_size bytes of disk
// delta and memory_snapshot_size bytes of memory delta; the server answers with a
// single response message. One request is carried per connection.
package synthesis

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	CommandSynthesis = 33
	ProtocolVersion  = "1.0"

	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"

	// MaxFrameSize bounds a single JSON message. Payload bytes are not framed.
	MaxFrameSize = 1024 * 1024

	frameHeaderSize = 4
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrSynthesisFailed   = errors.New("synthesis failed")
	ErrTimeout           = errors.New("timeout")
	ErrInvalidRequest    = errors.New("invalid request")
)

type VMEntry struct {
	OverlayName        string `json:"overlay_name"`
	MemorySnapshotPath string `json:"memory_snapshot_path"`
	MemorySnapshotSize int64  `json:"memory_snapshot_size"`
	DiskImagePath      string `json:"diskimg_path"`
	DiskImageSize      int64  `json:"diskimg_size"`
	BaseName           string `json:"base_name"`
}

// Header is the first message of a request. Field names are the wire contract.
type Header struct {
	Command         int       `json:"command"`
	ProtocolVersion string    `json:"protocol-version"`
	VM              []VMEntry `json:"VM"`
	RequestedCores  string    `json:"Request_synthesis_core"`
}

type Response struct {
	Return string `json:"return"`
	Reason string `json:"reason,omitempty"`
}

func (r Response) Succeeded() bool {
	return r.Return == StatusSuccess
}

// Request is the decoded form of a synthesis header.
type Request struct {
	ProtocolVersion    string
	OverlayName        string
	BaseName           string
	DiskDeltaPath      string
	DiskDeltaSize      int64
	MemoryDeltaPath    string
	MemoryDeltaSize    int64
	RequestedCoreCount int
}

func (r Request) Header() Header {
	version := r.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}

	return Header{
		Command:         CommandSynthesis,
		ProtocolVersion: version,
		VM: []VMEntry{
			{
				OverlayName:        r.OverlayName,
				MemorySnapshotPath: r.MemoryDeltaPath,
				MemorySnapshotSize: r.MemoryDeltaSize,
				DiskImagePath:      r.DiskDeltaPath,
				DiskImageSize:      r.DiskDeltaSize,
				BaseName:           r.BaseName,
			},
		},
		RequestedCores: strconv.Itoa(r.RequestedCoreCount),
	}
}

// Request validates the header's shape and decodes it. The command and protocol
// version are left to the caller.
func (h Header) Request() (Request, error) {
	if len(h.VM) != 1 {
		return Request{}, errors.Join(ErrInvalidRequest, fmt.Errorf("expected exactly one VM entry, got %d", len(h.VM)))
	}

	vm := h.VM[0]
	if vm.DiskImageSize < 0 || vm.MemorySnapshotSize < 0 {
		return Request{}, errors.Join(ErrInvalidRequest, fmt.Errorf("negative payload size: disk %d, memory %d", vm.DiskImageSize, vm.MemorySnapshotSize))
	}

	cores := 0
	if h.RequestedCores != "" {
		var err error
		cores, err = strconv.Atoi(h.RequestedCores)
		if err != nil {
			return Request{}, errors.Join(ErrInvalidRequest, err)
		}
	}

	return Request{
		ProtocolVersion:    h.ProtocolVersion,
		OverlayName:        vm.OverlayName,
		BaseName:           vm.BaseName,
		DiskDeltaPath:      vm.DiskImagePath,
		DiskDeltaSize:      vm.DiskImageSize,
		MemoryDeltaPath:    vm.MemorySnapshotPath,
		MemoryDeltaSize:    vm.MemorySnapshotSize,
		RequestedCoreCount: cores,
	}, nil
}

// WriteFrame writes body behind its length prefix in a single write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return errors.Join(ErrProtocolViolation, fmt.Errorf("frame of %d bytes exceeds %d", len(body), MaxFrameSize))
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeaderSize:], body)

	if _, err := w.Write(frame); err != nil {
		return classify(ErrConnectionFailed, err)
	}

	return nil
}

// ReadFrame reads one length-prefixed body. Short reads and oversized lengths are
// protocol violations.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [frameHeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, classify(ErrProtocolViolation, err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, errors.Join(ErrProtocolViolation, fmt.Errorf("frame length %d exceeds %d", length, MaxFrameSize))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, classify(ErrProtocolViolation, err)
	}

	return body, nil
}

func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return WriteFrame(w, body)
}

func ReadMessage(r io.Reader, v any) error {
	body, err := ReadFrame(r)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrProtocolViolation, err)
	}

	return nil
}

// classify joins err with ErrTimeout when it is a deadline expiry, else with sentinel.
func classify(sentinel, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}

	return errors.Join(sentinel, err)
}
