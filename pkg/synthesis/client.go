package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/cloudlet/pkg/common"
	loggingtypes "github.com/loopholelabs/logging/types"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultIOTimeout   = 5 * time.Minute
)

var (
	ErrCouldNotOpenPayload = errors.New("could not open payload file")
	ErrPayloadSizeChanged  = errors.New("payload size changed since header was built")
	ErrCouldNotSendHeader  = errors.New("could not send header")
	ErrCouldNotSendPayload = errors.New("could not send payload")
)

type ClientConfiguration struct {
	DialTimeout time.Duration
	// IOTimeout bounds every single read and write on the connection.
	IOTimeout time.Duration
}

type Client struct {
	address string
	conf    ClientConfiguration
	metrics *common.SynthesisMetrics
	log     loggingtypes.Logger
}

func NewClient(log loggingtypes.Logger, address string, conf ClientConfiguration, metrics *common.SynthesisMetrics) *Client {
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = DefaultDialTimeout
	}

	if conf.IOTimeout <= 0 {
		conf.IOTimeout = DefaultIOTimeout
	}

	return &Client{
		address: address,
		conf:    conf,
		metrics: metrics,
		log:     log,
	}
}

// Synthesize sends req and its payload over a fresh connection and waits for the
// remote outcome. A response other than SUCCESS is returned with ErrSynthesisFailed.
// Failed attempts are not retried.
func (c *Client) Synthesize(ctx context.Context, req Request) (resp Response, errs error) {
	start := time.Now()
	attempt := uuid.NewString()

	defer func() {
		c.metrics.ObserveSynthesis(req.BaseName, time.Since(start), errs)

		if c.log != nil {
			if errs != nil {
				c.log.Error().Err(errs).Str("attempt", attempt).Str("address", c.address).Msg("synthesis failed")
			} else {
				c.log.Info().Str("attempt", attempt).Str("address", c.address).Int64("ms", time.Since(start).Milliseconds()).Msg("synthesis succeeded")
			}
		}
	}()

	disk, err := openPayload(req.DiskDeltaPath, req.DiskDeltaSize)
	if err != nil {
		return Response{}, err
	}
	defer disk.Close()

	memory, err := openPayload(req.MemoryDeltaPath, req.MemoryDeltaSize)
	if err != nil {
		return Response{}, err
	}
	defer memory.Close()

	if c.log != nil {
		c.log.Info().
			Str("attempt", attempt).
			Str("address", c.address).
			Str("overlay", req.OverlayName).
			Str("base", req.BaseName).
			Int64("disk", req.DiskDeltaSize).
			Int64("memory", req.MemoryDeltaSize).
			Msg("connecting to synthesis server")
	}

	dialer := net.Dialer{Timeout: c.conf.DialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Response{}, errors.Join(ErrConnectionFailed, ErrTimeout, err)
		}

		return Response{}, errors.Join(ErrConnectionFailed, err)
	}

	conn := newDeadlineConn(ctx, rawConn, c.conf.IOTimeout)
	defer conn.Close()

	if err := WriteMessage(conn, req.Header()); err != nil {
		if ctx.Err() != nil {
			return Response{}, errors.Join(ErrCouldNotSendHeader, ctx.Err(), err)
		}

		return Response{}, errors.Join(ErrCouldNotSendHeader, err)
	}

	for _, payload := range []struct {
		file *os.File
		size int64
	}{
		{disk, req.DiskDeltaSize},
		{memory, req.MemoryDeltaSize},
	} {
		n, err := io.CopyN(conn, payload.file, payload.size)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Response{}, errors.Join(ErrCouldNotSendPayload, ErrPayloadSizeChanged, fmt.Errorf("%s: sent %d of %d bytes", payload.file.Name(), n, payload.size))
			}

			if ctx.Err() != nil {
				return Response{}, errors.Join(ErrCouldNotSendPayload, ctx.Err(), err)
			}

			return Response{}, errors.Join(ErrCouldNotSendPayload, classify(ErrConnectionFailed, err))
		}
	}

	if c.log != nil {
		c.log.Debug().Str("attempt", attempt).Msg("payload sent, waiting for response")
	}

	if err := ReadMessage(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, errors.Join(ctx.Err(), err)
		}

		return Response{}, err
	}

	if !resp.Succeeded() {
		return resp, errors.Join(ErrSynthesisFailed, fmt.Errorf("server returned %q: %s", resp.Return, resp.Reason))
	}

	return resp, nil
}

func openPayload(path string, size int64) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenPayload, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, errors.Join(ErrCouldNotOpenPayload, err)
	}

	if info.Size() != size {
		_ = f.Close()

		return nil, errors.Join(ErrPayloadSizeChanged, fmt.Errorf("%s is %d bytes, header declares %d", path, info.Size(), size))
	}

	return f, nil
}
