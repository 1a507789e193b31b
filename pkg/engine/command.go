package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/classify"
)

// Command types accepted by Engine.Command.
const (
	CmdSkipWaiting  = "SKIP_WAITING"
	CmdGetVersion   = "GET_VERSION"
	CmdCacheContent = "CACHE_CONTENT"
	CmdClearCache   = "CLEAR_CACHE"
	CmdSyncNow      = "SYNC_NOW"
)

// Command is a control message from a client.
type Command struct {
	Type    string         `json:"type" yaml:"type"`
	Payload CommandPayload `json:"payload" yaml:"payload"`
}

type CommandPayload struct {
	// URLs for CACHE_CONTENT.
	URLs []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	// CacheName for CLEAR_CACHE. Either a physical namespace such as
	// "content-v1" or a logical one, meaning its current version.
	CacheName string `json:"cacheName,omitempty" yaml:"cache_name,omitempty"`
}

type CommandResult struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Waiting string `json:"waiting,omitempty" yaml:"waiting,omitempty"`
	Cached  int    `json:"cached,omitempty" yaml:"cached,omitempty"`
	Cleared string `json:"cleared,omitempty" yaml:"cleared,omitempty"`
}

// Command runs a control command. An unknown type returns an error wrapping
// ErrUnknownCommand.
func (e *Engine) Command(ctx context.Context, cmd Command) (*CommandResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	switch strings.ToUpper(cmd.Type) {
	case CmdSkipWaiting:
		if err := e.life.Activate(); err != nil {
			return nil, err
		}
		return &CommandResult{Version: e.life.Version()}, nil

	case CmdGetVersion:
		return &CommandResult{Version: e.life.Version(), Waiting: e.life.Waiting()}, nil

	case CmdCacheContent:
		n, err := e.life.CacheContent(ctx, cmd.Payload.URLs)
		return &CommandResult{Cached: n}, err

	case CmdClearCache:
		name := cmd.Payload.CacheName
		if name == "" {
			return nil, fmt.Errorf("%s: cache name is empty", CmdClearCache)
		}
		phys := name
		if v, ok := e.opts.Store.Current(name); ok && isLogical(name) {
			phys = cachestore.PhysicalName(name, v)
		}
		if err := e.opts.Store.Clear(phys); err != nil {
			return nil, err
		}
		e.logger.Info("cache cleared", zap.String("namespace", phys))
		return &CommandResult{Cleared: phys}, nil

	case CmdSyncNow:
		e.coord.SyncNow()
		return &CommandResult{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func isLogical(name string) bool {
	for _, n := range classify.Namespaces() {
		if n == name {
			return true
		}
	}
	return false
}
