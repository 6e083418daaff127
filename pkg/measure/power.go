// Package measure samples a power meter while a VM is delivered or an application runs.
package measure

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	loggingtypes "github.com/loopholelabs/logging/types"
)

const (
	MinWatts = 1.0
	MaxWatts = 30.0
)

var (
	ErrOutOfRange          = errors.New("power sample out of range")
	ErrInvalidSample       = errors.New("invalid power sample")
	ErrNoSamples           = errors.New("no power samples")
	ErrCouldNotReadSource  = errors.New("could not read power source")
	ErrCouldNotWriteSample = errors.New("could not write power sample")
)

type Result struct {
	Average  float64
	Sum      float64
	Count    int
	Duration time.Duration
	Err      error
}

// Joules is the energy used over the measured duration at the average power.
func (r Result) Joules() float64 {
	return r.Average * r.Duration.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%s\t%f\t(%f/%d)", r.Duration, r.Average, r.Sum, r.Count)
}

// ParseSample reads the wattage from a "watts,..." meter line. ok is false for zero
// readings, which the meter emits while it settles.
func ParseSample(line string) (watts float64, ok bool, err error) {
	field, _, _ := strings.Cut(strings.TrimSpace(line), ",")

	watts, err = strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, false, errors.Join(ErrInvalidSample, err)
	}

	if watts == 0 {
		return 0, false, nil
	}

	if watts < MinWatts || watts > MaxWatts {
		return 0, false, errors.Join(ErrOutOfRange, fmt.Errorf("%f watts", watts))
	}

	return watts, true, nil
}

// Measure accumulates samples from source until ctx is cancelled, then delivers exactly
// one Result. An invalid sample ends the measurement early with Result.Err set. Every
// accepted sample is copied to logw with a timestamp when logw is not nil.
//
// source should be bound to ctx (see CommandSource) so the reader unblocks on cancel.
func Measure(ctx context.Context, log loggingtypes.Logger, source io.Reader, logw io.Writer) <-chan Result {
	out := make(chan Result, 1)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(source)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
	}()

	go func() {
		start := time.Now()
		var res Result

		finish := func(err error) {
			res.Duration = time.Since(start)
			if res.Count > 0 {
				res.Average = res.Sum / float64(res.Count)
			} else if err == nil {
				err = ErrNoSamples
			}
			res.Err = err

			if log != nil {
				if err != nil {
					log.Warn().Err(err).Int("samples", res.Count).Msg("power measurement ended")
				} else {
					log.Info().Str("result", res.String()).Msg("power measurement finished")
				}
			}

			out <- res
		}

		for {
			select {
			case <-ctx.Done():
				finish(nil)

				return

			case err := <-readErr:
				if err != nil {
					finish(errors.Join(ErrCouldNotReadSource, err))

					return
				}

				// The meter went away; keep the samples until the caller stops measuring
				readErr = nil

			case line := <-lines:
				if strings.TrimSpace(line) == "" {
					continue
				}

				watts, ok, err := ParseSample(line)
				if err != nil {
					finish(err)

					return
				}

				if !ok {
					continue
				}

				if logw != nil {
					if _, err := fmt.Fprintf(logw, "%s\t%s\n", time.Now().Format(time.RFC3339Nano), line); err != nil {
						finish(errors.Join(ErrCouldNotWriteSample, err))

						return
					}
				}

				res.Sum += watts
				res.Count++
			}
		}
	}()

	return out
}
