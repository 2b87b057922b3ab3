package quiesce

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HttpHandler returns a handler serving a status page for the library:
// listener state, interrupt policy and profiler controls.
func HttpHandler() http.Handler {
	return httpHandler{}
}

type httpHandler struct{}

func (h httpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// GETs render the current state.
	if req.Method == http.MethodGet {
		h.handleGet(w)
		return
	}

	// POSTs control the profiler.
	if err := req.ParseForm(); err != nil {
		singletonProc.logError(fmt.Errorf("failed to parse form: %w", err))
		return
	}

	if _, ok := req.Form["stop"]; ok {
		StopProfiling()
		h.handleGet(w)
		return
	}

	if _, ok := req.Form["start"]; !ok {
		singletonProc.logError(fmt.Errorf("invalid POST: missing start/stop"))
		return
	}

	periodStr := "10ms"
	if p, ok := req.Form["period"]; ok && p[0] != "" {
		periodStr = p[0]
	}
	period, err := time.ParseDuration(periodStr)
	if err != nil {
		singletonProc.logError(fmt.Errorf("invalid profiling period %q: %w", periodStr, err))
		h.handleGet(w)
		return
	}
	if err := StartProfiling(period); err != nil {
		singletonProc.logError(fmt.Errorf("failed to start profiling: %w", err))
	}
	h.handleGet(w)
}

func (h httpHandler) handleGet(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)

	manager, registry, lst := singletonProc.current()

	var statusStr, color string
	if lst != nil {
		statusStr = "running"
		color = "green"
	} else {
		statusStr = "stopped"
		color = "red"
	}

	sb := strings.Builder{}
	sb.WriteString(`<html>
<head>
	<title>Quiesce status</title>
	<style>
	.circle {
		height: 21px;
		width: 21px;
		border-radius: 50%;
		display: inline-block;
	}
	</style>
</head>
<body>
<h1>Quiesce status</h1>
<form action="" method="POST">
<div style="
	display:grid;
	gap:3px;
	grid-template-columns: 12em 24em;
	margin-bottom: 10px;"
	>
`)
	sb.WriteString(fmt.Sprintf(`
<div>Listener:</div>
<div style="display:flex; flex-direction:row; align-items:center; gap:3px">
	<div class="circle" style="background-color:%s;"></div>
	<span>%s</span>
</div>`, color, statusStr))

	if lst != nil {
		sb.WriteString("<div>Run fingerprint:</div>")
		sb.WriteString(fmt.Sprintf("<div>%s</div>", lst.Fingerprint()))
		sb.WriteString("<div>Workers:</div>")
		sb.WriteString(fmt.Sprintf("<div>%d</div>", registry.NumWorkers()))
		sb.WriteString("<div>GC running:</div>")
		sb.WriteString(fmt.Sprintf("<div>%t</div>", manager.GCRunning()))
		sb.WriteString("<div>Interrupt pending:</div>")
		sb.WriteString(fmt.Sprintf("<div>%d</div>", manager.Pending()))

		profStr := "off"
		if lst.ProfileRunning() {
			profStr = "on"
		}
		sb.WriteString("<div>Profiler:</div>")
		sb.WriteString(fmt.Sprintf("<div>%s</div>", profStr))
		if b := lst.ProfileBuffer(); b != nil {
			sb.WriteString("<div>Sample buffer:</div>")
			sb.WriteString(fmt.Sprintf("<div>%d / %d words, %d distinct stacks</div>",
				b.Len(), b.Capacity(), b.NumStacks()))
		}
	}

	sb.WriteString(`<div>Sample period:</div>`)
	sb.WriteString(`<input type="text" name="period" value="10ms"/>`)

	sb.WriteString(`
</div>
<input type="submit" value="Start profiling" name="start"/>
<input type="submit" value="Stop profiling" name="stop"/>
</form>
</body>
</html>`)

	if _, err := w.Write([]byte(sb.String())); err != nil {
		singletonProc.logError(fmt.Errorf("failed to write response: %w", err))
	}
}
