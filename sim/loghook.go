package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// A Fielder can describe itself as structured log fields.
type Fielder interface {
	Fields() logrus.Fields
}

// A LogHook is a hook that records the hook contexts it receives
type LogHook interface {
	Hook
}

// LogHookBase provides the common logic for all LogHooks
type LogHookBase struct {
	*logrus.Logger
}

// NewLogHook creates a hook that writes every hook context it receives to the
// logger at the given level.
func NewLogHook(logger *logrus.Logger, level logrus.Level) LogHook {
	return &levelLogHook{
		LogHookBase: LogHookBase{Logger: logger},
		level:       level,
	}
}

type levelLogHook struct {
	LogHookBase
	level logrus.Level
}

func (h *levelLogHook) Func(ctx HookCtx) {
	if !h.IsLevelEnabled(h.level) {
		return
	}

	fields := logrus.Fields{}
	if ctx.Pos != nil {
		fields["pos"] = ctx.Pos.Name
	}

	if n, ok := ctx.Domain.(Named); ok {
		fields["where"] = n.Name()
	}

	if f, ok := ctx.Item.(Fielder); ok {
		for k, v := range f.Fields() {
			fields[k] = v
		}
	} else if ctx.Item != nil {
		fields["item"] = fmt.Sprintf("%v", ctx.Item)
	}

	msg := "hook"
	if ctx.Pos != nil {
		msg = ctx.Pos.Name
	}

	h.WithFields(fields).Log(h.level, msg)
}

// Named is an object that has a name.
type Named interface {
	Name() string
}
