// Package catalog maps the known applications to their prebuilt overlays.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loopholelabs/cloudlet/pkg/synthesis"
)

type Application string

const (
	Moped    Application = "moped"
	Face     Application = "face"
	Graphics Application = "graphics"
	Speech   Application = "speech"
	MAR      Application = "mar"
	Null     Application = "null"
)

var (
	Applications = []Application{
		Moped,
		Face,
		Graphics,
		Speech,
		MAR,
		Null,
	}
)

var (
	ErrUnknownApplication    = errors.New("unknown application")
	ErrMissingEntry          = errors.New("application has no catalog entry")
	ErrCouldNotOpenCatalog   = errors.New("could not open catalog")
	ErrCouldNotDecodeCatalog = errors.New("could not decode catalog")
	ErrCouldNotStatOverlay   = errors.New("could not stat overlay file")
)

func ParseApplication(s string) (Application, error) {
	for _, app := range Applications {
		if string(app) == s {
			return app, nil
		}
	}

	names := make([]string, len(Applications))
	for i, app := range Applications {
		names[i] = string(app)
	}

	return "", errors.Join(ErrUnknownApplication, fmt.Errorf("%q is not one of %s", s, strings.Join(names, ", ")))
}

func (a Application) MarshalText() ([]byte, error) {
	if _, err := ParseApplication(string(a)); err != nil {
		return nil, err
	}

	return []byte(a), nil
}

func (a *Application) UnmarshalText(text []byte) error {
	app, err := ParseApplication(string(text))
	if err != nil {
		return err
	}

	*a = app

	return nil
}

// Entry is the overlay prebuilt for an application against a named base.
type Entry struct {
	BaseName string `json:"base_name"`
	Disk     string `json:"disk"`
	Memory   string `json:"memory"`

	// ClientCommand is run against the synthesized VM to exercise the application.
	ClientCommand []string `json:"client_command,omitempty"`
}

type Catalog struct {
	Entries map[Application]Entry `json:"applications"`
}

func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenCatalog, err)
	}
	defer f.Close()

	var c Catalog
	decoder := json.NewDecoder(f)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&c); err != nil {
		return nil, errors.Join(ErrCouldNotDecodeCatalog, err)
	}

	return &c, nil
}

func (c *Catalog) Entry(app Application) (Entry, error) {
	entry, ok := c.Entries[app]
	if !ok {
		return Entry{}, errors.Join(ErrMissingEntry, fmt.Errorf("%s", app))
	}

	return entry, nil
}

// Request builds the synthesis request for app, sizing the payload from the overlay files.
func (c *Catalog) Request(app Application, cores int) (synthesis.Request, error) {
	entry, err := c.Entry(app)
	if err != nil {
		return synthesis.Request{}, err
	}

	disk, err := os.Stat(entry.Disk)
	if err != nil {
		return synthesis.Request{}, errors.Join(ErrCouldNotStatOverlay, err)
	}

	memory, err := os.Stat(entry.Memory)
	if err != nil {
		return synthesis.Request{}, errors.Join(ErrCouldNotStatOverlay, err)
	}

	return synthesis.Request{
		ProtocolVersion:    synthesis.ProtocolVersion,
		OverlayName:        string(app),
		BaseName:           entry.BaseName,
		DiskDeltaPath:      entry.Disk,
		DiskDeltaSize:      disk.Size(),
		MemoryDeltaPath:    entry.Memory,
		MemoryDeltaSize:    memory.Size(),
		RequestedCoreCount: cores,
	}, nil
}
