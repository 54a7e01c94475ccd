package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/smallnest/flowpost/bus"
	"github.com/tidwall/gjson"
)

// eventRenderer 把运行事件写到终端
type eventRenderer struct {
	out   io.Writer
	json  bool
	color bool
	enc   *json.Encoder
}

func newEventRenderer(out io.Writer, asJSON bool) *eventRenderer {
	return &eventRenderer{
		out:   out,
		json:  asJSON,
		color: !asJSON && shouldColorize(out),
		enc:   json.NewEncoder(out),
	}
}

func (r *eventRenderer) paint(colors text.Colors, s string) string {
	if !r.color {
		return s
	}
	return colors.Sprint(s)
}

func (r *eventRenderer) render(ev *bus.RunEvent) error {
	if r.json {
		return r.enc.Encode(ev)
	}

	var err error
	switch ev.Kind {
	case bus.EventConnect:
		_, err = fmt.Fprintln(r.out, r.paint(text.Colors{text.FgGreen}, "● connected, following run "+ev.RunID))
	case bus.EventLog:
		for _, entry := range ev.Entries {
			if _, err = fmt.Fprintln(r.out, formatEntry(entry)); err != nil {
				return err
			}
		}
	case bus.EventDone:
		_, err = fmt.Fprintln(r.out, r.paint(text.Colors{text.FgGreen, text.Bold}, "✔ run "+ev.RunID+" completed: "+ev.Message))
	case bus.EventError:
		_, err = fmt.Fprintln(r.out, r.paint(text.Colors{text.FgRed}, "! "+ev.ErrorKind+": "+ev.Error))
	case bus.EventDisconnect:
		_, err = fmt.Fprintln(r.out, r.paint(text.Colors{text.FgYellow}, "○ disconnected: "+ev.Reason))
	}
	return err
}

// formatEntry renders a log entry. Entries are opaque; strings print as is,
// objects with a message get a short "time LEVEL message" form, anything
// else prints as JSON.
func formatEntry(entry json.RawMessage) string {
	res := gjson.ParseBytes(entry)
	switch {
	case res.Type == gjson.String:
		return res.String()
	case res.IsObject():
		msg := firstString(res, "message", "msg")
		if msg == "" {
			return string(entry)
		}
		var b strings.Builder
		if ts := firstString(res, "timestamp", "time", "ts"); ts != "" {
			b.WriteString(ts)
			b.WriteByte(' ')
		}
		if level := firstString(res, "level", "lvl"); level != "" {
			b.WriteString(strings.ToUpper(level))
			b.WriteByte(' ')
		}
		b.WriteString(msg)
		return b.String()
	default:
		return string(entry)
	}
}

func firstString(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
