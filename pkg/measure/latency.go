package measure

import (
	"bufio"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
)

// LatencySummary condenses an application client's per-request log.
type LatencySummary struct {
	P1     float64
	P50    float64
	P99    float64
	Jitter float64
	// Total is the time between the first request's start and the last request's end.
	Total float64
	Count int
}

// ParseLatencyLog reads tab separated request records of the form
// id, start, end, rtt, jitter[, extra]. Malformed records and records without an end
// time are skipped.
func ParseLatencyLog(r io.Reader) (LatencySummary, error) {
	var (
		rtts       []float64
		jitterSum  float64
		start, end float64
	)

	scanner := bufio.NewScanner(r)
	for index := 0; scanner.Scan(); index++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 5 && len(fields) != 6 {
			continue
		}

		values := make([]float64, 4)
		valid := true
		for i := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
			if err != nil {
				valid = false

				break
			}

			values[i] = v
		}

		if !valid || values[1] == 0 {
			continue
		}

		rtts = append(rtts, values[2])

		// The first record's jitter is its own latency
		if index != 0 {
			jitterSum += values[3]
		}

		if start == 0 {
			start = values[0]
		}
		end = values[1]
	}

	if err := scanner.Err(); err != nil {
		return LatencySummary{}, errors.Join(ErrCouldNotReadSource, err)
	}

	if len(rtts) == 0 {
		return LatencySummary{}, ErrNoSamples
	}

	sort.Float64s(rtts)
	n := len(rtts)

	return LatencySummary{
		P1:     rtts[n*1/100],
		P50:    rtts[n*50/100],
		P99:    rtts[n*99/100],
		Jitter: jitterSum / float64(n),
		Total:  end - start,
		Count:  n,
	}, nil
}
