// Package config holds the configuration of every cloudlet command. It is loaded once
// from a JSON file and handed to constructors; nothing reads it globally.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/codec"
	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	loggingtypes "github.com/loopholelabs/logging/types"
)

const (
	CodecBlock  = "block"
	CodecXDelta = "xdelta"

	VersionPolicyStrict    = "strict"
	VersionPolicyAcceptAny = "any"
)

var (
	ErrCouldNotOpenConfig   = errors.New("could not open config")
	ErrCouldNotDecodeConfig = errors.New("could not decode config")
	ErrUnknownCodec         = errors.New("unknown codec")
	ErrUnknownVersionPolicy = errors.New("unknown version policy")
)

type HypervisorConfiguration struct {
	KVMBin        string   `json:"kvm_bin"`
	ImgBin        string   `json:"img_bin"`
	BackingFormat string   `json:"backing_format,omitempty"`
	MemorySize    int      `json:"memory_size"`
	ExtraArgs     []string `json:"extra_args,omitempty"`
	MonitorDir    string   `json:"monitor_dir,omitempty"`
	SnapshotAfter Duration `json:"snapshot_after"`
	RunTimeout    Duration `json:"run_timeout"`

	EnableOutput bool `json:"enable_output"`
	EnableInput  bool `json:"enable_input"`
}

func (h HypervisorConfiguration) QEMU() *hypervisor.QEMUConfiguration {
	return &hypervisor.QEMUConfiguration{
		KVMBin:        h.KVMBin,
		ImgBin:        h.ImgBin,
		BackingFormat: h.BackingFormat,
		MemorySize:    h.MemorySize,
		ExtraArgs:     append([]string{}, h.ExtraArgs...),
		MonitorDir:    h.MonitorDir,
		SnapshotAfter: time.Duration(h.SnapshotAfter),
		RunTimeout:    time.Duration(h.RunTimeout),
		EnableOutput:  h.EnableOutput,
		EnableInput:   h.EnableInput,
	}
}

type CodecConfiguration struct {
	Kind      string `json:"kind"`
	XDeltaBin string `json:"xdelta_bin,omitempty"`
	BlockSize uint32 `json:"block_size,omitempty"`
}

func (c CodecConfiguration) Codec(log loggingtypes.Logger) (codec.DeltaCodec, error) {
	switch c.Kind {
	case CodecBlock, "":
		return codec.NewBlockCodec(log, c.BlockSize)
	case CodecXDelta:
		return codec.NewXDelta(log, c.XDeltaBin), nil
	default:
		return nil, errors.Join(ErrUnknownCodec, fmt.Errorf("%q", c.Kind))
	}
}

type ClientConfiguration struct {
	SynthesisAddress string   `json:"synthesis_address"`
	HTTPBase         string   `json:"http_base"`
	DialTimeout      Duration `json:"dial_timeout"`
	IOTimeout        Duration `json:"io_timeout"`
	Cores            int      `json:"cores"`
	CatalogPath      string   `json:"catalog"`
	PowerCommand     []string `json:"power_command,omitempty"`
	// CoolDown separates the delivery and application measurements.
	CoolDown Duration `json:"cool_down"`
}

func (c ClientConfiguration) Synthesis() synthesis.ClientConfiguration {
	return synthesis.ClientConfiguration{
		DialTimeout: time.Duration(c.DialTimeout),
		IOTimeout:   time.Duration(c.IOTimeout),
	}
}

type BaseConfiguration struct {
	Name   string `json:"name"`
	Disk   string `json:"disk"`
	Memory string `json:"memory"`
}

type ValkeyConfiguration struct {
	Address string `json:"address"`
	Prefix  string `json:"prefix,omitempty"`
}

type ServerConfiguration struct {
	Listen         string   `json:"listen"`
	MetricsListen  string   `json:"metrics_listen,omitempty"`
	WorkDir        string   `json:"work_dir"`
	VersionPolicy  string   `json:"version_policy"`
	IOTimeout      Duration `json:"io_timeout"`
	MaxPayloadSize int64    `json:"max_payload_size,omitempty"`
	// Resume boots every reconstructed snapshot once the client has its response.
	Resume bool `json:"resume"`

	Bases  []BaseConfiguration  `json:"bases,omitempty"`
	Valkey *ValkeyConfiguration `json:"valkey,omitempty"`
}

func (s ServerConfiguration) Synthesis() (synthesis.ServerConfiguration, error) {
	conf := synthesis.ServerConfiguration{
		WorkDir:        s.WorkDir,
		IOTimeout:      time.Duration(s.IOTimeout),
		MaxPayloadSize: s.MaxPayloadSize,
	}

	switch s.VersionPolicy {
	case VersionPolicyStrict, "":
		conf.VersionPolicy = synthesis.VersionPolicyStrict
	case VersionPolicyAcceptAny:
		conf.VersionPolicy = synthesis.VersionPolicyAcceptAny
	default:
		return synthesis.ServerConfiguration{}, errors.Join(ErrUnknownVersionPolicy, fmt.Errorf("%q", s.VersionPolicy))
	}

	return conf, nil
}

func (s ServerConfiguration) StaticBases() []snapshot.BaseSnapshot {
	bases := make([]snapshot.BaseSnapshot, 0, len(s.Bases))
	for _, b := range s.Bases {
		bases = append(bases, snapshot.BaseSnapshot{
			Name: b.Name,
			Snapshot: snapshot.Snapshot{
				DiskPath:   b.Disk,
				MemoryPath: b.Memory,
			},
		})
	}

	return bases
}

type Configuration struct {
	WorkDir    string                  `json:"work_dir"`
	Hypervisor HypervisorConfiguration `json:"hypervisor"`
	Codec      CodecConfiguration      `json:"codec"`
	Client     ClientConfiguration     `json:"client"`
	Server     ServerConfiguration     `json:"server"`
}

func Default() Configuration {
	return Configuration{
		WorkDir: "out",
		Hypervisor: HypervisorConfiguration{
			KVMBin:        hypervisor.DefaultKVMBin,
			ImgBin:        hypervisor.DefaultImgBin,
			MemorySize:    hypervisor.DefaultMemorySize,
			SnapshotAfter: Duration(time.Minute),
		},
		Codec: CodecConfiguration{
			Kind:      CodecBlock,
			BlockSize: codec.DefaultBlockSize,
		},
		Client: ClientConfiguration{
			SynthesisAddress: "127.0.0.1:8021",
			HTTPBase:         "http://127.0.0.1:9091",
			DialTimeout:      Duration(synthesis.DefaultDialTimeout),
			IOTimeout:        Duration(synthesis.DefaultIOTimeout),
			Cores:            4,
			CatalogPath:      "catalog.json",
			CoolDown:         Duration(10 * time.Second),
		},
		Server: ServerConfiguration{
			Listen:        ":8021",
			WorkDir:       "out/sessions",
			VersionPolicy: VersionPolicyStrict,
			IOTimeout:     Duration(synthesis.DefaultIOTimeout),
		},
	}
}

// Load reads path over Default, so a file only needs the values it changes.
func Load(path string) (Configuration, error) {
	conf := Default()

	f, err := os.Open(path)
	if err != nil {
		return Configuration{}, errors.Join(ErrCouldNotOpenConfig, err)
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&conf); err != nil {
		return Configuration{}, errors.Join(ErrCouldNotDecodeConfig, err)
	}

	return conf, nil
}
