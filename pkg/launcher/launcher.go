// Package launcher delivers an application's VM to a cloudlet, either by shipping the
// overlay over the synthesis protocol or by asking an HTTP front end to do it.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loopholelabs/cloudlet/pkg/catalog"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	loggingtypes "github.com/loopholelabs/logging/types"
)

type Command string

const (
	CommandSynthesisCloud  Command = "synthesis_cloud"
	CommandSynthesisMobile Command = "synthesis_mobile"
	CommandISRCloud        Command = "isr_cloud"
	CommandISRMobile       Command = "isr_mobile"

	DeviceCloud  = "cloud"
	DeviceMobile = "mobile"

	runTypeTest = "test"

	cloudletPath = "/cloudlet"
	isrPath      = "/isr"

	maxResponseBody = 64 * 1024
)

var (
	Commands = []Command{
		CommandSynthesisCloud,
		CommandSynthesisMobile,
		CommandISRCloud,
		CommandISRMobile,
	}
)

var (
	ErrUnknownCommand        = errors.New("unknown command")
	ErrMissingSynthesisAddr  = errors.New("synthesis address required")
	ErrMissingHTTPBase       = errors.New("http base url required")
	ErrCouldNotCreateRequest = errors.New("could not create launch request")
	ErrLaunchFailed          = errors.New("launch failed")
)

// Launch is one of SynthesisFromCloud, SynthesisFromMobile or ISRLaunch.
type Launch interface {
	launch()
}

// SynthesisFromCloud asks the cloudlet's HTTP front end to synthesize App from overlays it already holds.
type SynthesisFromCloud struct {
	URL string
	App catalog.Application
}

// SynthesisFromMobile ships the overlay itself over the synthesis protocol.
type SynthesisFromMobile struct {
	Address string
	Request synthesis.Request
}

// ISRLaunch fetches the whole VM through ISR on behalf of Device.
type ISRLaunch struct {
	URL    string
	Device string
	App    catalog.Application
}

func (SynthesisFromCloud) launch()  {}
func (SynthesisFromMobile) launch() {}
func (ISRLaunch) launch()           {}

type Targets struct {
	// SynthesisAddress is the host:port of the synthesis server.
	SynthesisAddress string
	// HTTPBase is the scheme://host:port of the HTTP front end.
	HTTPBase string
	Cores    int
}

func ParseCommand(s string) (Command, error) {
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}

	return "", errors.Join(ErrUnknownCommand, fmt.Errorf("%q", s))
}

// Decode turns a command and application into a launch variant. Everything that can
// be wrong with the pair is reported here, before anything is sent.
func Decode(command string, app catalog.Application, targets Targets, cat *catalog.Catalog) (Launch, error) {
	c, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}

	if c == CommandSynthesisMobile {
		if targets.SynthesisAddress == "" {
			return nil, ErrMissingSynthesisAddr
		}

		req, err := cat.Request(app, targets.Cores)
		if err != nil {
			return nil, err
		}

		return SynthesisFromMobile{
			Address: targets.SynthesisAddress,
			Request: req,
		}, nil
	}

	if targets.HTTPBase == "" {
		return nil, ErrMissingHTTPBase
	}
	base := strings.TrimSuffix(targets.HTTPBase, "/")

	switch c {
	case CommandSynthesisCloud:
		return SynthesisFromCloud{URL: base + cloudletPath, App: app}, nil
	case CommandISRCloud:
		return ISRLaunch{URL: base + isrPath, Device: DeviceCloud, App: app}, nil
	default:
		return ISRLaunch{URL: base + isrPath, Device: DeviceMobile, App: app}, nil
	}
}

type Launcher struct {
	HTTP            *http.Client
	SynthesisClient func(address string) *synthesis.Client

	log loggingtypes.Logger
}

func NewLauncher(log loggingtypes.Logger, httpClient *http.Client, synthesisClient func(address string) *synthesis.Client) *Launcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Launcher{
		HTTP:            httpClient,
		SynthesisClient: synthesisClient,

		log: log,
	}
}

func (l *Launcher) Launch(ctx context.Context, launch Launch) error {
	switch v := launch.(type) {
	case SynthesisFromCloud:
		return l.post(ctx, v.URL, map[string]string{
			"run-type":    runTypeTest,
			"application": string(v.App),
		})

	case ISRLaunch:
		return l.post(ctx, v.URL, map[string]string{
			"run-type":    v.Device,
			"application": string(v.App),
		})

	case SynthesisFromMobile:
		if _, err := l.SynthesisClient(v.Address).Synthesize(ctx, v.Request); err != nil {
			return errors.Join(ErrLaunchFailed, err)
		}

		return nil

	default:
		return errors.Join(ErrUnknownCommand, fmt.Errorf("%T", launch))
	}
}

// post sends info as the url-encoded "info" form field.
func (l *Launcher) post(ctx context.Context, target string, info map[string]string) error {
	rawInfo, err := json.Marshal(info)
	if err != nil {
		return errors.Join(ErrCouldNotCreateRequest, err)
	}

	form := url.Values{}
	form.Set("info", string(rawInfo))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Join(ErrCouldNotCreateRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if l.log != nil {
		l.log.Info().Str("url", target).Str("info", string(rawInfo)).Msg("requesting launch")
	}

	res, err := l.HTTP.Do(req)
	if err != nil {
		return errors.Join(ErrLaunchFailed, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))

	if res.StatusCode >= http.StatusBadRequest {
		return errors.Join(ErrLaunchFailed, fmt.Errorf("%s: %s", res.Status, strings.TrimSpace(string(body))))
	}

	if l.log != nil {
		l.log.Info().Str("url", target).Int("status", res.StatusCode).Msg("launch accepted")
	}

	return nil
}
