package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"duration": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s logic.State) string {
		switch s {
		case logic.StateOpen, logic.StateOpening:
			return "open"
		case logic.StateFault:
			return "fault"
		case "":
			return "unknown"
		}
		return "closed"
	},
	"clock": func(t time.Time) string {
		return t.UTC().Format("15:04:05.000")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>{{.Config.Name}} valve</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.open { color: green; font-weight: bold; }
.closed { color: #888; }
.fault { color: red; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>{{.Config.Name}} valve</h1>

<h2>State</h2>
<table>
<tr><th>State</th><td class="{{stateClass .State}}">{{if .State}}{{.State}}{{else}}UNKNOWN{{end}}</td></tr>
<tr><th>For</th><td>{{duration .InState}}</td></tr>
<tr><th>Presence</th><td>{{if .Presence}}detected{{else}}none{{end}}</td></tr>
{{if .LastFault}}<tr><th>Fault</th><td class="fault">{{.LastFault}}</td></tr>
<tr><th></th><td><form method="post" action="/reset"><button type="submit">Reset</button></form></td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Opens</th><td>{{.Counts.Opens}}</td></tr>
<tr><th>Closes</th><td>{{.Counts.Closes}}</td></tr>
<tr><th>Forced closes</th><td>{{.Counts.ForceCloses}}</td></tr>
<tr><th>Faults</th><td>{{.Counts.Faults}}</td></tr>
<tr><th>Resets</th><td>{{.Counts.Resets}}</td></tr>
<tr><th>Presence events</th><td>{{.Counts.PresenceEvents}}</td></tr>
</table>

<h2>Parameters</h2>
<table>
<tr><th>Debounce</th><td>{{.Params.DebounceWindow}}</td></tr>
<tr><th>Min open</th><td>{{.Params.MinOpenTime}}</td></tr>
<tr><th>Max open</th><td>{{.Params.MaxOpenTime}}</td></tr>
<tr><th>Cooldown</th><td>{{.Params.MinCooldownTime}}</td></tr>
<tr><th>Sensor timeout</th><td>{{.Params.SensorTimeout}}</td></tr>
<tr><th>Ack timeout</th><td>{{.Params.EffectiveAckTimeout}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Dropped events</th><td>{{.SinkDropped}}</td></tr>
</table>

{{if .Events}}<h2>Recent Events</h2>
<table>
{{range .Events}}<tr><td>{{clock .Timestamp}}</td><td>{{.Kind}}</td><td>{{if .From}}{{.From}} &rarr; {{.To}}{{end}}</td><td>{{.Reason}}</td></tr>
{{end}}</table>{{end}}

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{duration .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Sensors</th><td>{{range $i, $s := .Config.Sensors}}{{if $i}}, {{end}}{{$s}}{{end}} ({{.Config.Fusion}})</td></tr>
<tr><th>Actuator</th><td>{{.Config.Actuator}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/events">Events</a> · <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, events []logic.Event) {
	// Snapshot has Uptime() and InState() methods but the template needs fields.
	data := struct {
		status.Snapshot
		Uptime  time.Duration
		InState time.Duration
		Events  []logic.Event
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		InState:  snap.InState(),
		Events:   events,
	}
	indexTmpl.Execute(w, data)
}
