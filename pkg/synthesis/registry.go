package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/valkey-io/valkey-go"
)

const (
	DefaultValkeyPrefix = "cloudlet:base:"

	valkeyFieldDisk   = "disk"
	valkeyFieldMemory = "memory"
)

var (
	ErrUnknownBase          = errors.New("unknown base")
	ErrCouldNotResolveBase  = errors.New("could not resolve base")
	ErrCouldNotPublishBase  = errors.New("could not publish base")
	ErrIncompleteBaseRecord = errors.New("incomplete base record")
)

// BaseRegistry resolves the base_name of a request to a locally held base snapshot.
type BaseRegistry interface {
	Resolve(ctx context.Context, name string) (snapshot.BaseSnapshot, error)
}

type StaticRegistry struct {
	lock  sync.RWMutex
	bases map[string]snapshot.BaseSnapshot
}

func NewStaticRegistry(bases ...snapshot.BaseSnapshot) *StaticRegistry {
	r := &StaticRegistry{
		bases: map[string]snapshot.BaseSnapshot{},
	}

	for _, base := range bases {
		r.Add(base)
	}

	return r
}

func (r *StaticRegistry) Add(base snapshot.BaseSnapshot) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.bases[base.Name] = base
}

func (r *StaticRegistry) Resolve(ctx context.Context, name string) (snapshot.BaseSnapshot, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	base, ok := r.bases[name]
	if !ok {
		return snapshot.BaseSnapshot{}, errors.Join(ErrUnknownBase, fmt.Errorf("%q", name))
	}

	return base, nil
}

// ValkeyRegistry keeps base snapshots in valkey hashes so a fleet of cloudlets can
// share one catalogue. Each base is a hash at <prefix><name> with disk and memory fields.
type ValkeyRegistry struct {
	client valkey.Client
	prefix string
}

func NewValkeyRegistry(client valkey.Client, prefix string) *ValkeyRegistry {
	if prefix == "" {
		prefix = DefaultValkeyPrefix
	}

	return &ValkeyRegistry{
		client: client,
		prefix: prefix,
	}
}

func (r *ValkeyRegistry) key(name string) string {
	return r.prefix + name
}

func (r *ValkeyRegistry) Resolve(ctx context.Context, name string) (snapshot.BaseSnapshot, error) {
	fields, err := r.client.Do(ctx, r.client.B().Hgetall().Key(r.key(name)).Build()).AsStrMap()
	if err != nil {
		return snapshot.BaseSnapshot{}, errors.Join(ErrCouldNotResolveBase, err)
	}

	if len(fields) == 0 {
		return snapshot.BaseSnapshot{}, errors.Join(ErrUnknownBase, fmt.Errorf("%q", name))
	}

	disk, memory := fields[valkeyFieldDisk], fields[valkeyFieldMemory]
	if disk == "" || memory == "" {
		return snapshot.BaseSnapshot{}, errors.Join(ErrIncompleteBaseRecord, fmt.Errorf("%q", name))
	}

	return snapshot.BaseSnapshot{
		Name: name,
		Snapshot: snapshot.Snapshot{
			DiskPath:   disk,
			MemoryPath: memory,
		},
	}, nil
}

func (r *ValkeyRegistry) Publish(ctx context.Context, base snapshot.BaseSnapshot) error {
	cmd := r.client.B().Hset().
		Key(r.key(base.Name)).
		FieldValue().
		FieldValue(valkeyFieldDisk, base.DiskPath).
		FieldValue(valkeyFieldMemory, base.MemoryPath).
		Build()

	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return errors.Join(ErrCouldNotPublishBase, err)
	}

	return nil
}

func (r *ValkeyRegistry) Remove(ctx context.Context, name string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(r.key(name)).Build()).Error(); err != nil {
		return errors.Join(ErrCouldNotPublishBase, err)
	}

	return nil
}
