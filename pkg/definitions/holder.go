package definitions

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/utils/filewatch"
)

// Holder holds the current Registry, and replaces it as a whole on reload.
//
// Readers always see a complete Registry, either before or after a reload.
type Holder struct {
	current atomic.Pointer[Registry]
	logger  *log.Logger

	// called after each reload attempt, with nil on success.
	OnReload func(error)
}

var _ Resolver = &Holder{}

func NewHolder(reg *Registry) *Holder {
	h := &Holder{logger: log.New("kjobs/definitions")}
	h.current.Store(reg)
	return h
}

// Registry returns the current Registry.
func (h *Holder) Registry() *Registry {
	return h.current.Load()
}

// Swap replaces the current Registry.
func (h *Holder) Swap(reg *Registry) {
	h.current.Store(reg)
}

func (h *Holder) Resolve(name string) (Definition, error) {
	return h.Registry().Resolve(name)
}

func (h *Holder) Definitions() []string {
	return h.Registry().Definitions()
}

// Reload builds a new Registry with reload, and swaps to it.
//
// When reload fails, the current Registry is kept.
func (h *Holder) Reload(ctx context.Context, reload func(context.Context) (*Registry, error)) error {
	reg, err := reload(ctx)
	if err == nil {
		h.Swap(reg)
	}
	if h.OnReload != nil {
		h.OnReload(err)
	}
	return err
}

// Watch reloads definitions whenever one of paths is modified, until ctx is done.
//
// Reload failures are logged, and the previous Registry is kept.
func (h *Holder) Watch(ctx context.Context, reload func(context.Context) (*Registry, error), paths ...string) error {
	return filewatch.Each(ctx, 500*time.Millisecond, func(ctx context.Context, cause error) {
		h.logger.Infof("reloading definitions: %v", cause)
		if err := h.Reload(ctx, reload); err != nil {
			h.logger.Errorf("failed to reload definitions, keep using current ones: %v", err)
			return
		}
		h.logger.Infof("definitions are reloaded: %v", h.Definitions())
	}, paths...)
}
