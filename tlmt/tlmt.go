// Package tlmt defines anonymous usage reporting. Events carry a stable
// instance hash, never user ids, tokens or synced content.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	once  sync.Once
	ident instanceIdentifier
)

// Event is one usage event.
type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

// NewEvent builds an event carrying the instance metadata plus the given
// properties.
func NewEvent(name string, props map[string]any) Event {
	id := instanceID()

	ev := Event{
		AnonymousID: id.id,
		Name:        name,
		Properties:  make(map[string]any, len(id.meta)+len(props)),
	}

	for k, v := range id.meta {
		ev.Properties[k] = v
	}

	for k, v := range props {
		ev.Properties[k] = v
	}

	return ev
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type instanceIdentifier struct {
	id   string
	meta map[string]any
}

// instanceID derives a stable anonymous id from the machine id and build
// platform. When the machine id is unavailable the id is random per process.
func instanceID() instanceIdentifier {
	once.Do(func() {
		seed, err := host.HostID()
		if err != nil || seed == "" {
			seed = uuid.New().String()
		}

		hash := sha256.New()
		hash.Write([]byte(seed))
		hash.Write([]byte(runtime.GOOS))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.Version()))

		meta := map[string]any{
			"go_version": runtime.Version(),
		}

		info, err := host.Info()
		if err == nil {
			meta["os"] = info.OS
			meta["platform"] = info.Platform
			meta["platform_version"] = info.PlatformVersion
		}

		ident.id = fmt.Sprintf("%x", hash.Sum(nil))
		ident.meta = meta
	})

	return ident
}
