package cdpcontrol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
)

// consoleMessage joins stringified console arguments with spaces.
func consoleMessage(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, remoteObjectString(arg))
	}
	return strings.Join(parts, " ")
}

func remoteObjectString(obj *runtime.RemoteObject) string {
	if obj == nil {
		return "undefined"
	}
	if len(obj.Value) > 0 {
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	if obj.Type == runtime.TypeUndefined {
		return "undefined"
	}
	return string(obj.Type)
}

// formatConsoleLine renders a console call as "<type>: <args>".
func formatConsoleLine(ev *runtime.EventConsoleAPICalled) string {
	return string(ev.Type) + ": " + consoleMessage(ev.Args)
}

func consoleEntry(ev *runtime.EventConsoleAPICalled) consolelog.Entry {
	ts := time.Now().UTC()
	if ev.Timestamp != nil {
		ts = ev.Timestamp.Time().UTC()
	}
	return consolelog.Entry{
		Type:      string(ev.Type),
		Message:   consoleMessage(ev.Args),
		Timestamp: ts,
	}
}

func toRemoteValue(obj *runtime.RemoteObject) RemoteValue {
	if obj == nil {
		return RemoteValue{Type: string(runtime.TypeUndefined)}
	}
	v := RemoteValue{
		Type:                string(obj.Type),
		Subtype:             string(obj.Subtype),
		ClassName:           obj.ClassName,
		UnserializableValue: string(obj.UnserializableValue),
		Description:         obj.Description,
		ObjectID:            string(obj.ObjectID),
	}
	if len(obj.Value) > 0 {
		v.Value = json.RawMessage(append([]byte(nil), obj.Value...))
	}
	return v
}

func exceptionMessage(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}
