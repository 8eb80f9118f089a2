package api

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/upgrader"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

// upgradeLogName is the logger name of the upgrade log.
const upgradeLogName = "upgrader"

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.}}</title></head><body>{{end}}

{{define "helper"}}{{template "head" "Database Update Required"}}
<h1>Database Update Required</h1>
<p>The subscription store must be updated from version {{.Data.ActiveVersion}} to {{.Data.CurrentVersion}}.</p>
{{if .Data.ReallyOldVersion}}<p>The store was last updated by a very old version. The number of subscriptions is not known until its data has been moved.</p>
{{else}}<p>{{.Data.SubscriptionCount}} subscriptions will be updated{{if .Data.EstimatedMinutes}}, which is expected to take about {{.Data.EstimatedMinutes}} minutes{{end}}.</p>{{end}}
<p>Do not close this page until the update completes.</p>
<button id="start">Update Database</button>
<ol id="log"></ol>
<script>
const data = {{.Data}};
const log = document.getElementById("log");

function report(msg) {
	const li = document.createElement("li");
	li.innerHTML = msg;
	log.appendChild(li);
}

async function step(stage) {
	const start = Date.now();
	const resp = await fetch("/upgrade/step", {
		method: "POST",
		headers: { "Content-Type": "application/json" },
		body: JSON.stringify({ upgrade_step: stage, nonce: data.nonce }),
	});
	if (!resp.ok) {
		throw new Error(await resp.text());
	}
	const res = await resp.json();
	const elapsed = ((Date.now() - start) / 1000).toFixed(1);
	report(res.message.replace("{execution_time}", elapsed));
	return res;
}

async function run() {
	document.getElementById("start").disabled = true;
	try {
		for (const stage of data.stages) {
			for (;;) {
				const res = await step(stage);
				if (res.status === "error") {
					return;
				} else if (res.completed) {
					report('Update complete. <a href="/upgrade">Continue</a>');
					return;
				} else if (!res.remaining_count) {
					break;
				}
			}
		}
	} catch (e) {
		report("Update failed: " + e.message);
	}
}

document.getElementById("start").addEventListener("click", run);
</script>
</body></html>{{end}}

{{define "in-progress"}}{{template "head" "Update in Progress"}}
<h1>Update in Progress</h1>
<p>The subscription store is being updated by another request{{if .CurrentStep}} (step {{.CurrentStep}}){{end}}.</p>
<p>To avoid running the update twice, wait {{.RetryAfter}} seconds before <a href="/upgrade">trying again</a>.</p>
</body></html>{{end}}

{{define "about"}}{{template "head" "About"}}
<h1>{{.Name}} {{.Version}}</h1>
{{if .Updated}}<p>Your subscription store has been updated to version {{.Version}}.</p>{{end}}
</body></html>{{end}}
`))

func (a *api) renderPage(c jape.Context, name string, data any) {
	c.ResponseWriter.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(c.ResponseWriter, name, data); err != nil {
		a.log.Error("failed to render page", zap.String("page", name), zap.Error(err))
	}
}

func (a *api) redirectAbout(c jape.Context) {
	taken, err := a.welcome.Take()
	if err != nil {
		a.log.Warn("failed to check welcome redirect", zap.Error(err))
	}
	target := "/about"
	if taken {
		target += "?updated=true"
	}
	http.Redirect(c.ResponseWriter, c.Request, target, http.StatusSeeOther)
}

// handleGETUpgrade claims the upgrade lease and renders the helper page that
// drives the step requests. A request that finds the lease held is shown the
// in-progress view instead.
func (a *api) handleGETUpgrade(c jape.Context) {
	if taken, err := a.welcome.Take(); err != nil {
		a.log.Warn("failed to check welcome redirect", zap.Error(err))
	} else if taken {
		http.Redirect(c.ResponseWriter, c.Request, "/about?updated=true", http.StatusSeeOther)
		return
	}

	data, err := a.upgrader.Begin(c.Request.Context())
	switch {
	case errors.Is(err, upgrader.ErrUpToDate):
		http.Redirect(c.ResponseWriter, c.Request, "/about", http.StatusSeeOther)
		return
	case errors.Is(err, upgrader.ErrUpgradeInProgress):
		progress, err := a.upgrader.InProgress()
		if !a.checkServerError(c, "failed to get upgrade progress", err) {
			return
		}
		c.ResponseWriter.Header().Set("Retry-After", strconv.Itoa(progress.RetryAfter))
		a.renderPage(c, "in-progress", progress)
		return
	case !a.checkServerError(c, "failed to begin upgrade", err):
		return
	case data.Completed:
		a.redirectAbout(c)
		return
	}
	a.renderPage(c, "helper", struct{ Data upgrader.HelperData }{data})
}

func (a *api) handleGETUpgradeState(c jape.Context) {
	needsUpgrade, err := a.upgrader.NeedsUpgrade()
	if !a.checkServerError(c, "failed to check upgrade", err) {
		return
	}
	sess, err := a.upgrader.Session()
	if !a.checkServerError(c, "failed to get upgrade session", err) {
		return
	}
	state := UpgradeState{
		NeedsUpgrade:   needsUpgrade,
		CurrentVersion: a.version,
		Session:        sess,
	}
	if needsUpgrade {
		helper, err := a.upgrader.Helper()
		if !a.checkServerError(c, "failed to get upgrade helper", err) {
			return
		}
		state.Helper = &helper
	}
	c.Encode(state)
}

// checkUpgradeError writes the status matching an upgrader error.
func (a *api) checkUpgradeError(c jape.Context, context string, err error) bool {
	switch {
	case errors.Is(err, upgrader.ErrInvalidNonce):
		c.Error(err, http.StatusForbidden)
	case errors.Is(err, upgrader.ErrUpgradeInProgress), errors.Is(err, upgrader.ErrStageOutOfOrder):
		c.Error(err, http.StatusConflict)
	case errors.Is(err, upgrader.ErrUpToDate), errors.Is(err, upgrader.ErrUnknownStage):
		c.Error(err, http.StatusBadRequest)
	default:
		return a.checkServerError(c, context, err)
	}
	return false
}

func (a *api) handlePOSTUpgradeStep(c jape.Context) {
	var req UpgradeStepRequest
	if err := c.Decode(&req); err != nil {
		return
	}
	res, err := a.upgrader.Step(c.Request.Context(), req.Step, req.Nonce)
	if !a.checkUpgradeError(c, "failed to run upgrade step", err) {
		return
	}
	c.Encode(res)
}

func (a *api) handlePOSTUpgradeComplete(c jape.Context) {
	var req UpgradeCompleteRequest
	if err := c.Decode(&req); err != nil {
		return
	}
	err := a.upgrader.ForceComplete(req.Nonce)
	a.checkUpgradeError(c, "failed to complete upgrade", err)
}

func (a *api) handleGETUpgradeLog(c jape.Context) {
	limit, offset, ok := parseLimitParams(c, 100, 1000)
	if !ok {
		return
	}
	entries, count, err := a.logs.LogEntries(logging.Filter{
		Names:  []string{upgradeLogName},
		Limit:  limit,
		Offset: offset,
	})
	if !a.checkServerError(c, "failed to get upgrade log", err) {
		return
	} else if entries == nil {
		entries = []logging.Entry{}
	}
	c.Encode(LogResponse{
		Entries: entries,
		Count:   count,
	})
}

func (a *api) handleGETAbout(c jape.Context) {
	a.renderPage(c, "about", struct {
		Name    string
		Version string
		Updated bool
	}{a.name, a.version, c.Request.FormValue("updated") == "true"})
}
