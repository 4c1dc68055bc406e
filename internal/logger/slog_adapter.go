package logger

import (
	"context"
	"log"
	"log/slog"
	"strconv"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
// If l is nil, it returns nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

// NewStdLogger returns a *log.Logger whose output lands in l at the given
// level. Useful for net/http.Server.ErrorLog.
func NewStdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogAdapter struct {
	log    *Logger
	groups []string
	attrs  []boundAttr
}

// boundAttr remembers the groups that were open when the attr was added.
type boundAttr struct {
	groups []string
	attr   slog.Attr
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return slogLevelToLoggerLevel(level) >= h.log.GetLevel()
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)

	for _, bound := range h.attrs {
		writeAttr(&b, bound.attr, bound.groups)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, attr, h.groups)
		return true
	})

	message := strings.TrimPrefix(b.String(), " ")
	switch slogLevelToLoggerLevel(record.Level) {
	case LevelError:
		h.log.Error("%s", message)
	case LevelWarn:
		h.log.Warn("%s", message)
	case LevelInfo:
		h.log.Info("%s", message)
	default:
		h.log.Debug("%s", message)
	}
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	groups := append([]string(nil), h.groups...)
	combined := make([]boundAttr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	for _, attr := range attrs {
		combined = append(combined, boundAttr{groups: groups, attr: attr})
	}
	return &slogAdapter{
		log:    h.log,
		groups: groups,
		attrs:  combined,
	}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	groups := append([]string(nil), h.groups...)
	if name != "" {
		groups = append(groups, name)
	}
	return &slogAdapter{
		log:    h.log,
		groups: groups,
		attrs:  append([]boundAttr(nil), h.attrs...),
	}
}

func slogLevelToLoggerLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// writeAttr renders attr as " group.key=value", flattening groups.
func writeAttr(b *strings.Builder, attr slog.Attr, groups []string) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, a := range attr.Value.Group() {
			writeAttr(b, a, nested)
		}
		return
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	value := attr.Value.String()
	if strings.ContainsAny(value, " \t\"=") {
		value = strconv.Quote(value)
	}

	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
}
