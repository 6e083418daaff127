package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
)

// VersionPolicy decides which protocol-version values a server accepts.
type VersionPolicy int

const (
	// VersionPolicyStrict accepts only ProtocolVersion.
	VersionPolicyStrict VersionPolicy = iota
	// VersionPolicyAcceptAny accepts any version string.
	VersionPolicyAcceptAny
)

const (
	DefaultMaxPayloadSize = 16 * 1024 * 1024 * 1024
)

var (
	ErrUnsupportedCommand         = errors.New("unsupported command")
	ErrUnsupportedVersion         = errors.New("unsupported protocol version")
	ErrPayloadTooLarge            = errors.New("payload too large")
	ErrCouldNotCreateSessionDir   = errors.New("could not create session directory")
	ErrCouldNotReceivePayload     = errors.New("could not receive payload")
	ErrCouldNotSendResponse       = errors.New("could not send response")
	ErrCouldNotAcceptConnection   = errors.New("could not accept connection")
	ErrCouldNotRemoveSessionDelta = errors.New("could not remove received delta")
)

type ServerConfiguration struct {
	// WorkDir holds one directory per session.
	WorkDir       string
	VersionPolicy VersionPolicy
	// IOTimeout bounds every single read and write on a connection.
	IOTimeout time.Duration
	// MaxPayloadSize bounds the sum of both declared delta sizes.
	MaxPayloadSize int64
}

type ServerHooks struct {
	// OnSynthesized runs after the SUCCESS response was sent. The reconstructed
	// snapshot is owned by the hook from then on.
	OnSynthesized func(sessionID string, req Request, reconstructed snapshot.Snapshot)
}

// Server is the receiving side of the synthesis protocol. Each connection gets its own
// session directory, so concurrent sessions never share output paths.
type Server struct {
	registry BaseRegistry
	merger   *overlay.Merger
	conf     ServerConfiguration
	hooks    ServerHooks
	metrics  *common.SynthesisMetrics
	log      loggingtypes.Logger
}

func NewServer(
	log loggingtypes.Logger,

	registry BaseRegistry,
	merger *overlay.Merger,

	conf ServerConfiguration,
	hooks ServerHooks,

	metrics *common.SynthesisMetrics,
) *Server {
	if conf.IOTimeout <= 0 {
		conf.IOTimeout = DefaultIOTimeout
	}

	if conf.MaxPayloadSize <= 0 {
		conf.MaxPayloadSize = DefaultMaxPayloadSize
	}

	return &Server{
		registry: registry,
		merger:   merger,
		conf:     conf,
		hooks:    hooks,
		metrics:  metrics,
		log:      log,
	}
}

// Serve handles connections from l until ctx is cancelled, then waits for the
// sessions in flight.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Join(ErrCouldNotAcceptConnection, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := s.Handle(ctx, conn); err != nil && s.log != nil {
				s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("synthesis session failed")
			}
		}()
	}
}

// Handle serves exactly one request on conn and closes it.
func (s *Server) Handle(ctx context.Context, rawConn net.Conn) (errs error) {
	start := time.Now()
	baseName := ""

	defer func() {
		s.metrics.ObserveSynthesis(baseName, time.Since(start), errs)
	}()

	conn := newDeadlineConn(ctx, rawConn, s.conf.IOTimeout)
	defer conn.Close()

	body, err := ReadFrame(conn)
	if err != nil {
		return err
	}

	var header Header
	if err := json.Unmarshal(body, &header); err != nil {
		err = errors.Join(ErrProtocolViolation, err)
		s.respondFailure(conn, err)

		return err
	}

	if len(header.VM) > 0 {
		baseName = header.VM[0].BaseName
	}

	req, base, err := s.validate(ctx, header)
	if err != nil {
		if drainErr := drainPayload(conn, req); drainErr != nil {
			return errors.Join(err, drainErr)
		}

		s.respondFailure(conn, err)

		return err
	}

	sessionID := shortuuid.New()
	sessionDir := filepath.Join(s.conf.WorkDir, sessionID)
	if err := os.MkdirAll(sessionDir, os.ModePerm); err != nil {
		err = errors.Join(ErrCouldNotCreateSessionDir, err)
		if drainErr := drainPayload(conn, req); drainErr != nil {
			return errors.Join(err, drainErr)
		}

		s.respondFailure(conn, err)

		return err
	}

	reconstructed, err := s.synthesize(ctx, conn, sessionDir, req, base)
	if err != nil {
		if removeErr := os.RemoveAll(sessionDir); removeErr != nil && s.log != nil {
			s.log.Warn().Err(removeErr).Str("session", sessionID).Msg("could not remove session directory")
		}

		s.respondFailure(conn, err)

		return err
	}

	if err := WriteMessage(conn, Response{Return: StatusSuccess}); err != nil {
		_ = os.RemoveAll(sessionDir)

		return errors.Join(ErrCouldNotSendResponse, err)
	}

	if s.log != nil {
		s.log.Info().
			Str("session", sessionID).
			Str("overlay", req.OverlayName).
			Str("base", base.Name).
			Str("disk", reconstructed.DiskPath).
			Str("memory", reconstructed.MemoryPath).
			Int64("ms", time.Since(start).Milliseconds()).
			Msg("synthesis succeeded")
	}

	if hook := s.hooks.OnSynthesized; hook != nil {
		hook(sessionID, req, reconstructed)
	}

	return nil
}

// validate returns the decoded request even on failure so the caller knows how many
// payload bytes to consume. The request is zero when its sizes are unknown or not
// acceptable.
func (s *Server) validate(ctx context.Context, header Header) (Request, snapshot.BaseSnapshot, error) {
	req, err := header.Request()
	if err != nil {
		return Request{}, snapshot.BaseSnapshot{}, err
	}

	if req.DiskDeltaSize+req.MemoryDeltaSize > s.conf.MaxPayloadSize || req.DiskDeltaSize+req.MemoryDeltaSize < 0 {
		return Request{}, snapshot.BaseSnapshot{}, errors.Join(ErrPayloadTooLarge, fmt.Errorf("%d bytes declared, at most %d accepted", req.DiskDeltaSize+req.MemoryDeltaSize, s.conf.MaxPayloadSize))
	}

	if header.Command != CommandSynthesis {
		return req, snapshot.BaseSnapshot{}, errors.Join(ErrUnsupportedCommand, fmt.Errorf("%d", header.Command))
	}

	if s.conf.VersionPolicy == VersionPolicyStrict && header.ProtocolVersion != ProtocolVersion {
		return req, snapshot.BaseSnapshot{}, errors.Join(ErrUnsupportedVersion, fmt.Errorf("%q", header.ProtocolVersion))
	}

	base, err := s.registry.Resolve(ctx, req.BaseName)
	if err != nil {
		return req, snapshot.BaseSnapshot{}, err
	}

	return req, base, nil
}

func (s *Server) synthesize(ctx context.Context, conn io.Reader, sessionDir string, req Request, base snapshot.BaseSnapshot) (snapshot.Snapshot, error) {
	layout := snapshot.Layout{WorkDir: sessionDir}

	received := layout.Overlay(base.Name)
	pkg := overlay.Package{
		DiskDelta:   received.DiskPath,
		MemoryDelta: received.MemoryPath,
	}

	if err := receivePayload(conn, pkg.DiskDelta, req.DiskDeltaSize); err != nil {
		return snapshot.Snapshot{}, err
	}

	if err := receivePayload(conn, pkg.MemoryDelta, req.MemoryDeltaSize); err != nil {
		return snapshot.Snapshot{}, err
	}

	if s.log != nil {
		s.log.Debug().Str("overlay", req.OverlayName).Int64("disk", req.DiskDeltaSize).Int64("memory", req.MemoryDeltaSize).Msg("received overlay")
	}

	reconstructed, err := s.merger.Merge(ctx, base, pkg, layout.Recover(base.Name))
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	for _, path := range []string{pkg.DiskDelta, pkg.MemoryDelta} {
		if err := os.Remove(path); err != nil {
			return snapshot.Snapshot{}, errors.Join(ErrCouldNotRemoveSessionDelta, err)
		}
	}

	return reconstructed, nil
}

// drainPayload consumes the payload declared by req so a rejected client, still
// sending, gets to read the failure response.
func drainPayload(conn io.Reader, req Request) error {
	if _, err := io.CopyN(io.Discard, conn, req.DiskDeltaSize+req.MemoryDeltaSize); err != nil {
		return errors.Join(ErrCouldNotReceivePayload, classify(ErrProtocolViolation, err))
	}

	return nil
}

func receivePayload(conn io.Reader, path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Join(ErrCouldNotReceivePayload, err)
	}
	defer f.Close()

	if _, err := io.CopyN(f, conn, size); err != nil {
		return errors.Join(ErrCouldNotReceivePayload, classify(ErrProtocolViolation, err))
	}

	return nil
}

func (s *Server) respondFailure(conn io.Writer, cause error) {
	err := WriteMessage(conn, Response{Return: StatusFailure, Reason: cause.Error()})
	if err == nil || s.log == nil {
		return
	}

	if utils.IsClosedErr(err) {
		s.log.Debug().Err(err).Msg("client went away before the failure response")

		return
	}

	s.log.Warn().Err(err).Msg("could not send failure response")
}
