package launcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopholelabs/cloudlet/pkg/catalog"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	dir := t.TempDir()

	disk := filepath.Join(dir, "face.qcow2")
	memory := filepath.Join(dir, "face.mem")
	require.NoError(t, os.WriteFile(disk, []byte("disk"), 0644))
	require.NoError(t, os.WriteFile(memory, []byte("memory"), 0644))

	return &catalog.Catalog{
		Entries: map[catalog.Application]catalog.Entry{
			catalog.Face: {BaseName: "window7", Disk: disk, Memory: memory},
		},
	}
}

func TestDecode(t *testing.T) {
	cat := testCatalog(t)
	targets := Targets{
		SynthesisAddress: "cloudlet:8021",
		HTTPBase:         "http://cloudlet:9091/",
		Cores:            4,
	}

	l, err := Decode("synthesis_cloud", catalog.Face, targets, cat)
	require.NoError(t, err)
	assert.Equal(t, SynthesisFromCloud{URL: "http://cloudlet:9091/cloudlet", App: catalog.Face}, l)

	l, err = Decode("isr_cloud", catalog.Face, targets, cat)
	require.NoError(t, err)
	assert.Equal(t, ISRLaunch{URL: "http://cloudlet:9091/isr", Device: DeviceCloud, App: catalog.Face}, l)

	l, err = Decode("isr_mobile", catalog.Face, targets, cat)
	require.NoError(t, err)
	assert.Equal(t, ISRLaunch{URL: "http://cloudlet:9091/isr", Device: DeviceMobile, App: catalog.Face}, l)

	l, err = Decode("synthesis_mobile", catalog.Face, targets, cat)
	require.NoError(t, err)
	mobile, ok := l.(SynthesisFromMobile)
	require.True(t, ok)
	assert.Equal(t, "cloudlet:8021", mobile.Address)
	assert.Equal(t, "window7", mobile.Request.BaseName)
	assert.Equal(t, "face", mobile.Request.OverlayName)
	assert.EqualValues(t, 4, mobile.Request.DiskDeltaSize)
	assert.Equal(t, 4, mobile.Request.RequestedCoreCount)
}

func TestDecodeErrors(t *testing.T) {
	cat := testCatalog(t)

	_, err := Decode("teleport", catalog.Face, Targets{HTTPBase: "http://x"}, cat)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Decode("synthesis_mobile", catalog.Face, Targets{}, cat)
	assert.ErrorIs(t, err, ErrMissingSynthesisAddr)

	_, err = Decode("synthesis_mobile", catalog.Moped, Targets{SynthesisAddress: "x:1"}, cat)
	assert.ErrorIs(t, err, catalog.ErrMissingEntry)

	_, err = Decode("isr_cloud", catalog.Face, Targets{}, cat)
	assert.ErrorIs(t, err, ErrMissingHTTPBase)
}

func TestLaunchHTTP(t *testing.T) {
	type call struct {
		path string
		info map[string]string
	}
	calls := make(chan call, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())

		var info map[string]string
		assert.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("info")), &info))

		calls <- call{r.URL.Path, info}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	l := NewLauncher(nil, server.Client(), nil)

	require.NoError(t, l.Launch(context.Background(), SynthesisFromCloud{URL: server.URL + "/cloudlet", App: catalog.Moped}))
	c := <-calls
	assert.Equal(t, "/cloudlet", c.path)
	assert.Equal(t, map[string]string{"run-type": "test", "application": "moped"}, c.info)

	require.NoError(t, l.Launch(context.Background(), ISRLaunch{URL: server.URL + "/isr", Device: DeviceMobile, App: catalog.Speech}))
	c = <-calls
	assert.Equal(t, "/isr", c.path)
	assert.Equal(t, map[string]string{"run-type": "mobile", "application": "speech"}, c.info)
}

func TestLaunchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such application", http.StatusNotFound)
	}))
	defer server.Close()

	err := NewLauncher(nil, server.Client(), nil).Launch(context.Background(), SynthesisFromCloud{URL: server.URL + "/cloudlet", App: catalog.Null})
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.ErrorContains(t, err, "no such application")
}

func TestLaunchSynthesisConnectionFailed(t *testing.T) {
	cat := testCatalog(t)

	req, err := cat.Request(catalog.Face, 4)
	require.NoError(t, err)

	l := NewLauncher(nil, nil, func(address string) *synthesis.Client {
		return synthesis.NewClient(nil, address, synthesis.ClientConfiguration{}, nil)
	})

	// Port 1 on loopback refuses connections
	err = l.Launch(context.Background(), SynthesisFromMobile{Address: "127.0.0.1:1", Request: req})
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.ErrorIs(t, err, synthesis.ErrConnectionFailed)
}
