// Package deleteengine applies the configured delete policy against the
// dataset root once a client has confirmed which paths it no longer has.
package deleteengine

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/filemirrorsync/internal/diffengine"
	"github.com/openmined/filemirrorsync/internal/pathguard"
)

// ErrDeletedAtRequired is returned when policy is LwwDelete and the request
// omits deletedAtUtc.
var ErrDeletedAtRequired = errors.New("deletedAtUtc is required under LwwDelete")

// Engine applies DeletePolicy to a set of candidate paths under one
// dataset root.
type Engine struct {
	InboundRoot string
	Policy      diffengine.DeletePolicy
}

func New(inboundRoot string, policy diffengine.DeletePolicy) *Engine {
	return &Engine{InboundRoot: inboundRoot, Policy: policy}
}

// Apply deletes the given paths under dataset according to policy. All
// paths are PathGuard-validated before any deletion happens: a single bad
// path fails the whole request.
func (e *Engine) Apply(dataset string, paths []string, deletedAtUTC *time.Time) error {
	if e.Policy == diffengine.Disabled {
		return nil
	}

	if deletedAtUTC == nil {
		return ErrDeletedAtRequired
	}

	resolved := make([]string, 0, len(paths))
	datasetRoot := filepath.Join(e.InboundRoot, dataset)
	for _, p := range paths {
		abs, err := pathguard.ResolveUnder(datasetRoot, p)
		if err != nil {
			return err
		}
		resolved = append(resolved, abs)
	}

	for _, abs := range resolved {
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue // deletes of nonexistent files are not errors
			}
			return err
		}
		if deletedAtUTC.After(info.ModTime()) {
			if err := os.Remove(abs); err != nil {
				return err
			}
		}
		// else: server wins, skip silently
	}

	return nil
}
