package logbuf

import (
	"go.uber.org/zap/zapcore"
)

type core struct {
	zapcore.LevelEnabler
	buf    *Buffer
	fields []zapcore.Field
}

// NewCore returns a zapcore.Core that mirrors log entries into buf so they
// show up on /logs/live. A string field named "kind" becomes the entry kind;
// any remaining fields land in extra.
func NewCore(buf *Buffer, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, buf: buf}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{LevelEnabler: c.LevelEnabler, buf: c.buf}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	kind := "app"
	if v, ok := enc.Fields["kind"].(string); ok && v != "" {
		kind = v
		delete(enc.Fields, "kind")
	}
	var extra map[string]any
	if len(enc.Fields) > 0 {
		extra = enc.Fields
	}
	c.buf.Append(ent.Level.CapitalString(), kind, ent.Message, extra)
	return nil
}

func (c *core) Sync() error { return nil }
