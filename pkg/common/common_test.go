package common

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapExitError(t *testing.T) {
	err := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, err)

	wrapped := WrapExitError("sh", err)

	var exitErr *ExitError
	require.ErrorAs(t, wrapped, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "sh exited with status 3", wrapped.Error())

	// Joined with a sentinel the code is still found
	assert.Equal(t, 3, ExitCode(errors.Join(errors.New("codec failed"), wrapped), 1))
}

func TestWrapExitErrorPassesOtherErrors(t *testing.T) {
	err := errors.New("not an exit")

	assert.Same(t, err, WrapExitError("sh", err))
	assert.Equal(t, 1, ExitCode(err, 1))
	assert.Equal(t, 1, ExitCode(nil, 1))
}

func TestSynthesisMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sm := NewSynthesisMetrics(reg)

	sm.ObserveSynthesis("base", time.Second, nil)
	sm.ObserveSynthesis("base", time.Second, errors.New("failed"))
	sm.ObserveSynthesis("base", time.Second, errors.New("failed"))

	assert.Equal(t, float64(1), promtestutil.ToFloat64(sm.MetricSynthesisResult.WithLabelValues("base", StatusSuccess)))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(sm.MetricSynthesisResult.WithLabelValues("base", StatusFailure)))

	var nilMetrics *SynthesisMetrics
	assert.NotPanics(t, func() {
		nilMetrics.ObserveBuild("base", time.Second, 10)
		nilMetrics.ObserveMerge("base", time.Second)
		nilMetrics.ObserveSynthesis("base", time.Second, nil)
	})
}
