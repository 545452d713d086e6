package wbp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/machinefabric/wbp-go/cbor"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap/zapcore"
)

// loggerName prefixes every logger the session creates. The LOG event
// core skips these entries so a failed send cannot log itself into a loop.
const loggerName = "wbp"

// DefaultInfoSchema accepts any JSON object
const DefaultInfoSchema = `{"type": "object"}`

// InfoValidationError reports an INFO document rejected by its schema
type InfoValidationError struct {
	Details []string
}

func (e *InfoValidationError) Error() string {
	return fmt.Sprintf("invalid info document: %s", strings.Join(e.Details, "; "))
}

// compileInfoSchema prepares the schema INFO documents are checked against
func compileInfoSchema(schema string) (*gojsonschema.Schema, error) {
	if schema == "" {
		schema = DefaultInfoSchema
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile info schema: %w", err)
	}
	return compiled, nil
}

// Notify sends an INFO event carrying doc, a JSON document. The document
// is validated first. With no authenticated client nothing is sent and
// ErrNotAuthenticated is returned.
func (s *Session) Notify(doc string) error {
	result, err := s.infoSchema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return &InfoValidationError{Details: []string{err.Error()}}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &InfoValidationError{Details: details}
	}
	if !s.sendAuthenticated(cbor.NewInfo(doc)) {
		return ErrNotAuthenticated
	}
	return nil
}

// Log sends a LOG event. ts and source are optional. Events for a
// missing or unauthenticated client are dropped.
func (s *Session) Log(level uint8, message string, ts *int64, source *string) {
	if level > cbor.LogError {
		level = cbor.LogError
	}
	s.sendAuthenticated(cbor.NewLog(level, message, ts, source))
}

// MapLogLevel converts a numeric level in the 10/20/30/40 convention to a
// LOG event level.
func MapLogLevel(n int) uint8 {
	switch {
	case n <= 10:
		return cbor.LogDebug
	case n <= 20:
		return cbor.LogInfo
	case n <= 30:
		return cbor.LogWarn
	default:
		return cbor.LogError
	}
}

func zapLevelToLog(l zapcore.Level) uint8 {
	switch {
	case l <= zapcore.DebugLevel:
		return cbor.LogDebug
	case l == zapcore.InfoLevel:
		return cbor.LogInfo
	case l == zapcore.WarnLevel:
		return cbor.LogWarn
	default:
		return cbor.LogError
	}
}

// logCore is a zapcore.Core that forwards entries to the connected
// client as LOG events.
type logCore struct {
	zapcore.LevelEnabler
	s      *Session
	fields []zapcore.Field
}

// NewLogCore returns a core that streams log entries at or above level to
// the session's authenticated client. Tee it with a regular core to keep
// local output.
func NewLogCore(s *Session, level zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: level, s: s}
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logCore{LevelEnabler: c.LevelEnabler, s: c.s}
	clone.fields = append(append(clone.fields, c.fields...), fields...)
	return clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	if ent.LoggerName == loggerName || strings.HasPrefix(ent.LoggerName, loggerName+".") {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	message := ent.Message
	if all := append(append([]zapcore.Field{}, c.fields...), fields...); len(all) > 0 {
		message += " " + renderFields(all)
	}
	ts := ent.Time.Unix()
	var source *string
	if ent.LoggerName != "" {
		name := ent.LoggerName
		source = &name
	}
	c.s.Log(zapLevelToLog(ent.Level), message, &ts, source)
	return nil
}

func (c *logCore) Sync() error {
	return nil
}

// renderFields formats structured fields as sorted key=value pairs
func renderFields(fields []zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, enc.Fields[k]))
	}
	return strings.Join(parts, " ")
}

var _ zapcore.Core = (*logCore)(nil)

