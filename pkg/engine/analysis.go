package engine

import (
	"encoding/json"
	"path/filepath"
	"time"

	"statsengine/pkg/proto"
	"statsengine/pkg/rt"
)

// analysisTask is the single in-flight analysis. There is never more than one;
// a new analysis request for a different id simply overwrites it.
type analysisTask struct {
	id       int
	revision int
	name     string
	title    string

	rFile      string
	moduleCall string

	requiresInit bool

	// selfReporting analyses deliver their own result messages through the
	// hooks and poll for aborts themselves instead of using the progress
	// callback.
	selfReporting bool

	dataKey     string // raw JSON
	resultsMeta string // raw JSON
	stateKey    string // raw JSON
	options     string // raw JSON, column names already encoded

	imageOptions map[string]any
}

// receiveAnalysisMessage is the analysis admission policy. A message for the
// analysis currently running is a change or an abort; anything else replaces
// whatever task the engine holds.
func (e *Engine) receiveAnalysisMessage(msg proto.Message) {
	if e.state != proto.StateIdle && e.state != proto.StateAnalysis {
		e.protocolViolation("analysis request arrived in state %s", e.state)
	}

	id := msg.Int("id", -1)
	perform, performErr := proto.ParsePerformType(msg.String("perform", ""))

	if id == e.task.id && e.status == proto.StatusRunning {
		// An update for the run in progress. Only an init, or a run against a
		// self-reporting analysis, can be absorbed as a change; everything
		// else means the run must be thrown away.
		if perform == proto.PerformInit || (e.task.selfReporting && perform == proto.PerformRun) {
			e.status = proto.StatusChanged
		} else {
			e.status = proto.StatusAborted
		}
	} else {
		e.task.id = id
		switch perform {
		case proto.PerformInit:
			e.status = proto.StatusToInit
		case proto.PerformRun:
			e.status = proto.StatusToRun
		case proto.PerformSaveImg:
			e.status = proto.StatusSaveImg
		case proto.PerformEditImg:
			e.status = proto.StatusEditImg
		case proto.PerformRewriteImgs:
			e.status = proto.StatusRewriteImgs
		case proto.PerformAbort:
			e.status = proto.StatusAborted
		default:
			e.log.Warn("analysis %d failed: %v", id, performErr)
			e.status = proto.StatusError
		}
	}

	e.log.Debug("analysis %d status is now %s", id, e.status)

	switch e.status {
	case proto.StatusToInit, proto.StatusToRun, proto.StatusChanged,
		proto.StatusSaveImg, proto.StatusEditImg, proto.StatusRewriteImgs:
		e.task.name = msg.String("name", "")
		e.task.title = msg.String("title", "")
		e.task.dataKey = msg.RawValue("dataKey")
		e.task.resultsMeta = msg.RawValue("resultsMeta")
		e.task.stateKey = msg.RawValue("stateKey")
		e.task.revision = msg.Int("revision", -1)
		e.task.imageOptions = msg.Object("image")
		e.task.rFile = msg.String("rfile", "")
		e.task.moduleCall = msg.String("dynamicModuleCall", "")
		e.task.requiresInit = msg.Bool("requiresInit", true)
		e.task.selfReporting = e.task.moduleCall != "" || msg.Bool("jaspResults", false)

		options := msg.Object("options")
		if options != nil {
			options = e.enc.EncodeOptions(options)
		}
		e.task.options = rawJSON(options)

		e.transition(proto.StateAnalysis)
	}
}

// runAnalysis performs the one in-flight analysis, whatever phase it is in.
// It is called from the main loop only, but the runtime call inside it
// re-enters the dispatcher through the callback, so the status on return may
// have nothing to do with the status on entry.
func (e *Engine) runAnalysis() {
	switch e.status {
	case proto.StatusSaveImg:
		e.saveImage()
		return
	case proto.StatusEditImg:
		e.editImage()
		return
	case proto.StatusRewriteImgs:
		e.rewriteImages()
		return
	case proto.StatusEmpty, proto.StatusAborted, proto.StatusError:
		// Nothing runnable. Aborts are acknowledged by silence.
		if e.status == proto.StatusAborted {
			e.rec.AnalysisFinished("aborted")
		}
		e.status = proto.StatusEmpty
		e.transition(proto.StateIdle)
		return
	}

	e.log.Info("running analysis %q (%d) revision %d", e.task.title, e.task.id, e.task.revision)

	if e.status == proto.StatusToInit && !e.task.selfReporting {
		e.status = proto.StatusIniting
	} else {
		e.status = proto.StatusRunning
	}

	perform := proto.PerformRun
	if e.status == proto.StatusIniting {
		perform = proto.PerformInit
	}

	e.taskKnowsAboutChange = false
	job := e.job(perform)

	start := time.Now()
	if e.task.moduleCall != "" {
		e.resultsRaw = e.rt.RunModuleCall(job)
		e.rec.RuntimeCall("moduleCall", time.Since(start))
	} else {
		e.resultsRaw = e.rt.RunAnalysis(job, e.callback)
		e.rec.RuntimeCall("analysis", time.Since(start))
	}

	// Classic runtimes may have skipped their final callback; drain once more
	// so a change or abort that raced the finish line is not missed.
	if !e.task.selfReporting && (e.status == proto.StatusIniting || e.status == proto.StatusRunning) {
		e.ReceiveMessages(0)
	}

	switch {
	case e.status == proto.StatusToInit || e.status == proto.StatusToRun || e.status == proto.StatusAborted:
		// Superseded or aborted mid-run. The results are garbage; the next
		// loop iteration deals with whatever replaced this run.
		e.rec.AnalysisFinished("discarded")

	case e.status == proto.StatusChanged && (!e.taskKnowsAboutChange || e.resultsRaw == "null"):
		// The run finished without ever acknowledging the change, so its
		// output reflects stale options. Rewind to a fresh init and throw the
		// on-disk artifacts away with it.
		e.log.Info("analysis %d finished without acknowledging its change, reverting", e.task.id)
		rels := e.tmp.RetrieveList(e.task.id)
		e.tmp.DeleteList(rels)
		e.rec.TempFilesDeleted(len(rels))
		e.status = proto.StatusToInit
		e.rec.AnalysisFinished("reverted")

	default:
		e.parseResults()

		if e.status == proto.StatusIniting {
			e.status = proto.StatusInited
		} else {
			e.status = proto.StatusComplete
		}
		// Self-reporting analyses delivered their results through the send
		// hook already; only the terminal status bookkeeping remains.
		if !e.task.selfReporting {
			e.progress = -1
			e.sendAnalysisResults()
		}

		e.rec.AnalysisFinished(e.status.String())
		e.removeNonKeepFiles()

		e.status = proto.StatusEmpty
		e.transition(proto.StateIdle)
	}
}

// job assembles the runtime invocation for the current task.
func (e *Engine) job(perform proto.PerformType) rt.Job {
	s := e.cfg.Snapshot()
	return rt.Job{
		ID:              e.task.id,
		Revision:        e.task.revision,
		Name:            e.task.name,
		Title:           e.task.title,
		RFile:           e.task.rFile,
		ModuleCall:      e.task.moduleCall,
		RequiresInit:    e.task.requiresInit,
		SelfReporting:   e.task.selfReporting,
		DataKey:         e.task.dataKey,
		Options:         e.task.options,
		ResultsMeta:     e.task.resultsMeta,
		StateKey:        e.task.stateKey,
		Perform:         perform.String(),
		PPI:             s.PPI,
		ImageBackground: s.ImageBackground,
		DeveloperMode:   s.DeveloperMode,
	}
}

// callback is handed to the runtime for every classic analysis run. Each
// invocation drains the channel once and answers with a directive; this is
// the cooperative cancellation point for long computations.
func (e *Engine) callback(results string, progress int) rt.Directive {
	e.ReceiveMessages(0)

	if e.status == proto.StatusAborted || e.status == proto.StatusToInit || e.status == proto.StatusToRun {
		return rt.Aborted()
	}

	// The runtime already restarted for the previous change directive, so a
	// still-standing changed status means this invocation reflects the fresh
	// options. Flip back to running until the next change arrives.
	if e.status == proto.StatusChanged && e.taskKnowsAboutChange {
		e.status = proto.StatusRunning
		e.taskKnowsAboutChange = false
	}

	if results != "" && results != "null" {
		e.resultsRaw = results
		e.parseResults()
		e.progress = progress
		e.sendAnalysisResults()
	} else if progress >= 0 && e.status == proto.StatusRunning {
		// Progress-only tick: no payload, just the percentage.
		e.resultsRaw = ""
		e.results = nil
		e.progress = progress
		e.sendAnalysisResults()
	}

	switch e.status {
	case proto.StatusChanged:
		e.taskKnowsAboutChange = true
		return rt.Changed(e.task.options)
	case proto.StatusAborted:
		return rt.Aborted()
	default:
		return rt.OK()
	}
}

// parseResults decodes the raw runtime result payload. Undecodable payloads
// leave a nil document; the emitter then reports a fatalError status.
func (e *Engine) parseResults() {
	e.results = nil
	if e.resultsRaw == "" || e.resultsRaw == "null" {
		return
	}
	var doc any
	if err := json.Unmarshal([]byte(e.resultsRaw), &doc); err != nil {
		e.log.Warn("analysis %d produced undecodable results: %v", e.task.id, err)
		return
	}
	e.results = doc
}

// ---------------------------------------------------------------------------
// image operations

// saveImage re-renders one plot at the requested size and format. The input
// options are echoed back inside the results so the controller can match the
// response to its request.
func (e *Engine) saveImage() {
	s := e.cfg.Snapshot()

	start := time.Now()
	e.resultsRaw = e.rt.SaveImage(rawJSON(e.task.imageOptions), s.PPI, s.ImageBackground)
	e.rec.RuntimeCall("saveImg", time.Since(start))

	e.parseResults()
	e.embedImageInputOptions()
	e.finishImageOperation("saveImg")
}

func (e *Engine) editImage() {
	s := e.cfg.Snapshot()

	start := time.Now()
	e.resultsRaw = e.rt.EditImage(rawJSON(e.task.imageOptions), s.PPI, s.ImageBackground)
	e.rec.RuntimeCall("editImg", time.Since(start))

	e.parseResults()
	e.finishImageOperation("editImg")
}

// rewriteImages re-renders every plot of the analysis, used after a global
// ppi or background change. The runtime reports nothing back, so the result
// document is synthesized here.
func (e *Engine) rewriteImages() {
	s := e.cfg.Snapshot()

	start := time.Now()
	e.rt.RewriteImages(s.PPI, s.ImageBackground)
	e.rec.RuntimeCall("rewriteImgs", time.Since(start))

	e.resultsRaw = ""
	e.results = map[string]any{"status": proto.ResultImagesRewritten.String()}
	e.finishImageOperation("rewriteImgs")
}

func (e *Engine) finishImageOperation(outcome string) {
	e.status = proto.StatusComplete
	e.progress = -1
	e.sendAnalysisResults()
	e.rec.AnalysisFinished(outcome)
	e.status = proto.StatusEmpty
	e.transition(proto.StateIdle)
}

// embedImageInputOptions copies the requested image options into
// results.results.inputOptions, creating the path as needed.
func (e *Engine) embedImageInputOptions() {
	doc, ok := e.results.(map[string]any)
	if !ok {
		doc = map[string]any{}
		e.results = doc
	}
	inner, ok := doc["results"].(map[string]any)
	if !ok {
		inner = map[string]any{}
		doc["results"] = inner
	}
	inner["inputOptions"] = e.task.imageOptions
}

// ---------------------------------------------------------------------------
// temp file cleanup

// removeNonKeepFiles deletes every temp file of the finished analysis that its
// results do not explicitly claim via the keep member. A keep entry matches a
// file by relative path or by base name.
func (e *Engine) removeNonKeepFiles() {
	var keep []string
	if doc, ok := e.results.(map[string]any); ok {
		switch v := doc["keep"].(type) {
		case string:
			keep = append(keep, v)
		case []any:
			for _, item := range v {
				if name, ok := item.(string); ok {
					keep = append(keep, name)
				}
			}
		}
	}

	var doomed []string
	for _, rel := range e.tmp.RetrieveList(e.task.id) {
		if !keepMatches(rel, keep) {
			doomed = append(doomed, rel)
		}
	}
	if len(doomed) == 0 {
		return
	}
	e.tmp.DeleteList(doomed)
	e.rec.TempFilesDeleted(len(doomed))
}

func keepMatches(rel string, keep []string) bool {
	base := filepath.Base(rel)
	for _, k := range keep {
		if k == rel || k == base {
			return true
		}
	}
	return false
}

// rawJSON encodes v, with "null" for nil or unencodable values, matching the
// sentinel the computation runtime uses for missing documents.
func rawJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
