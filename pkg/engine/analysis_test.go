package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statsengine/pkg/proto"
	"statsengine/pkg/rt"
	"statsengine/pkg/rt/rttest"
	"statsengine/pkg/tempfiles"
)

func pushAnalysis(ch *scriptChannel, fields map[string]any) {
	ch.push(proto.StateAnalysis, fields)
}

func TestAnalysisRunToComplete(t *testing.T) {
	env := newTestEnv(t)
	var job rt.Job
	env.fake.AnalysisFn = func(j rt.Job, _ rt.Callback) string {
		job = j
		return `{"results":{"t":2.31,"p":0.027},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{
		"id":       1,
		"name":     "TTestOneSample",
		"title":    "One Sample T-Test",
		"revision": 2,
		"perform":  "run",
		"options":  map[string]any{"alpha": 0.05},
	})
	require.True(t, env.engine.ReceiveMessages(0))
	assert.Equal(t, proto.StateAnalysis, env.engine.State())
	assert.Equal(t, proto.StatusToRun, env.engine.Status())

	env.engine.runAnalysis()

	assert.Equal(t, "run", job.Perform)
	assert.Equal(t, "TTestOneSample", job.Name)
	assert.JSONEq(t, `{"alpha":0.05}`, job.Options)

	resp := env.ch.lastSent(t)
	assert.Equal(t, proto.StateAnalysis.String(), resp.TypeRequest())
	assert.Equal(t, 1, resp.Int("id", -1))
	assert.Equal(t, 2, resp.Int("revision", -1))
	assert.Equal(t, "complete", resp.String("status", ""))
	assert.Equal(t, -1, resp.Int("progress", 0))
	results, ok := resp.Value("results").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.31, results["t"])

	assert.Equal(t, proto.StateIdle, env.engine.State())
	assert.Equal(t, proto.StatusEmpty, env.engine.Status())
}

func TestAnalysisInitPhase(t *testing.T) {
	env := newTestEnv(t)
	var job rt.Job
	env.fake.AnalysisFn = func(j rt.Job, _ rt.Callback) string {
		job = j
		return `{"results":{"table":[]}}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 4, "perform": "init"})
	env.engine.ReceiveMessages(0)
	assert.Equal(t, proto.StatusToInit, env.engine.Status())

	env.engine.runAnalysis()

	assert.Equal(t, "init", job.Perform)
	// No status in the document, so the lifecycle supplies one.
	assert.Equal(t, "inited", env.ch.lastSent(t).String("status", ""))
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestCallbackProgressOnly(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(_ rt.Job, cb rt.Callback) string {
		d := cb("", 50)
		assert.Equal(t, rt.DirectiveOK, d.Status)
		return `{"results":{"done":true},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 2, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	require.Len(t, env.ch.sent, 2)
	tick := env.ch.sent[0]
	assert.Equal(t, 50, tick.Int("progress", -1))
	assert.Equal(t, "running", tick.String("status", ""))
	assert.Nil(t, tick.Value("results"))

	final := env.ch.sent[1]
	assert.Equal(t, "complete", final.String("status", ""))
	assert.Equal(t, -1, final.Int("progress", 0))
}

func TestCallbackDeliversIntermediateResults(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(_ rt.Job, cb rt.Callback) string {
		cb(`{"results":{"partial":1},"status":"running"}`, 30)
		return `{"results":{"partial":2},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 2, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	require.Len(t, env.ch.sent, 2)
	partial, ok := env.ch.sent[0].Value("results").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, partial["partial"])
	assert.Equal(t, "running", env.ch.sent[0].String("status", ""))
	assert.Equal(t, 30, env.ch.sent[0].Int("progress", -1))
}

func TestCallbackDrainingIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(_ rt.Job, cb rt.Callback) string {
		// With nothing inbound and nothing to report, any number of drains
		// is externally invisible.
		for i := 0; i < 5; i++ {
			d := cb("", -1)
			assert.Equal(t, rt.DirectiveOK, d.Status)
		}
		return `{"results":{},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 2, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	require.Len(t, env.ch.sent, 1, "only the final result goes out")
}

func TestMidRunChangeIssuesChangedDirective(t *testing.T) {
	env := newTestEnv(t)
	var directives []rt.Directive
	env.fake.AnalysisFn = func(_ rt.Job, cb rt.Callback) string {
		directives = append(directives, cb("", 5))

		// New options for the same analysis land mid-run.
		pushAnalysis(env.ch, map[string]any{
			"id": 1, "perform": "init",
			"options": map[string]any{"alpha": 0.01},
		})
		directives = append(directives, cb(`{"results":{"stale":true}}`, 50))

		// The next callback proves the runtime restarted with the new
		// options, flipping the analysis back to plain running.
		directives = append(directives, cb("", 60))

		return `{"results":{"fresh":true},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{
		"id": 1, "perform": "run",
		"options": map[string]any{"alpha": 0.05},
	})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	require.Len(t, directives, 3)
	assert.Equal(t, rt.DirectiveOK, directives[0].Status)
	assert.Equal(t, rt.DirectiveChanged, directives[1].Status)
	assert.JSONEq(t, `{"alpha":0.01}`, directives[1].Options)
	assert.Equal(t, rt.DirectiveOK, directives[2].Status)

	final := env.ch.lastSent(t)
	assert.Equal(t, "complete", final.String("status", ""))
	assert.Equal(t, proto.StateIdle, env.engine.State())
	assert.Equal(t, proto.StatusEmpty, env.engine.Status())
}

func TestRevertOnUnacknowledgedChange(t *testing.T) {
	env := newTestEnv(t)
	_, rel, err := env.tmp.Create("png", 1)
	require.NoError(t, err)
	require.NotEmpty(t, rel)

	runs := 0
	env.fake.AnalysisFn = func(j rt.Job, _ rt.Callback) string {
		runs++
		if runs == 1 {
			// The change arrives while the run is finishing; the runtime
			// never invokes the callback again, so it is never told.
			pushAnalysis(env.ch, map[string]any{"id": 1, "perform": "init"})
			return `{"results":{"stale":true}}`
		}
		assert.Equal(t, "init", j.Perform)
		return `{"results":{"fresh":true}}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 1, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	// The stale run was thrown away together with its files, and the
	// analysis was rewound for a fresh start.
	assert.Equal(t, proto.StatusToInit, env.engine.Status())
	assert.Equal(t, proto.StateAnalysis, env.engine.State())
	assert.Empty(t, env.tmp.RetrieveList(1))
	assert.Empty(t, env.ch.sent, "a reverted run must not leak results")

	env.engine.runAnalysis()

	assert.Equal(t, 2, runs)
	assert.Equal(t, "inited", env.ch.lastSent(t).String("status", ""))
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestSameIdRunRequestAbortsClassicAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(_ rt.Job, cb rt.Callback) string {
		// A full re-run request for a classic analysis cannot be absorbed as
		// a change; the current run has to die.
		pushAnalysis(env.ch, map[string]any{"id": 3, "perform": "run"})
		d := cb("", 10)
		assert.Equal(t, rt.DirectiveAborted, d.Status)
		return "null"
	}

	pushAnalysis(env.ch, map[string]any{"id": 3, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	assert.Equal(t, proto.StatusAborted, env.engine.Status())
	assert.Empty(t, env.ch.sent, "an aborted run is acknowledged by silence")

	// The next pass clears the wreckage.
	env.engine.runAnalysis()
	assert.Equal(t, proto.StatusEmpty, env.engine.Status())
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestNewAnalysisSupersedesRunningOne(t *testing.T) {
	env := newTestEnv(t)
	var jobs []rt.Job
	env.fake.AnalysisFn = func(j rt.Job, cb rt.Callback) string {
		jobs = append(jobs, j)
		if j.ID == 1 {
			pushAnalysis(env.ch, map[string]any{"id": 2, "perform": "run"})
			d := cb("", 10)
			assert.Equal(t, rt.DirectiveAborted, d.Status)
			return "null"
		}
		return `{"results":{},"status":"complete"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 1, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis() // id 1, superseded mid-run
	env.engine.runAnalysis() // id 2

	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].ID)
	assert.Equal(t, 2, jobs[1].ID)
	assert.Equal(t, 2, env.ch.lastSent(t).Int("id", -1))
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestKeepListSparesClaimedFiles(t *testing.T) {
	env := newTestEnv(t)
	_, kept, err := env.tmp.CreateSpecific("plot.png", 5)
	require.NoError(t, err)
	_, doomed, err := env.tmp.Create("csv", 5)
	require.NoError(t, err)

	env.fake.AnalysisFn = func(rt.Job, rt.Callback) string {
		return `{"results":{},"status":"complete","keep":"plot.png"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 5, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	remaining := env.tmp.RetrieveList(5)
	assert.Contains(t, remaining, kept)
	assert.NotContains(t, remaining, doomed)
}

func TestKeepListAcceptsArrays(t *testing.T) {
	env := newTestEnv(t)
	_, a, err := env.tmp.CreateSpecific("a.png", 6)
	require.NoError(t, err)
	_, b, err := env.tmp.CreateSpecific("b.png", 6)
	require.NoError(t, err)
	_, c, err := env.tmp.CreateSpecific("c.png", 6)
	require.NoError(t, err)

	env.fake.AnalysisFn = func(rt.Job, rt.Callback) string {
		return `{"results":{},"status":"complete","keep":["a.png","b.png"]}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 6, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	remaining := env.tmp.RetrieveList(6)
	assert.ElementsMatch(t, []string{a, b}, remaining)
	assert.NotContains(t, remaining, c)
}

func TestSelfReportingAnalysisSendsNothingItself(t *testing.T) {
	env := newTestEnv(t)
	var job rt.Job
	env.fake.AnalysisFn = func(j rt.Job, _ rt.Callback) string {
		job = j
		// Self-reporting runtimes deliver results through the send hook.
		env.fake.Hooks.Send(`{"typeRequest":"analysis","id":7,"status":"complete","results":{}}`)
		return "null"
	}

	pushAnalysis(env.ch, map[string]any{"id": 7, "perform": "init", "jaspResults": true})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	assert.True(t, job.SelfReporting)
	assert.Equal(t, "run", job.Perform, "self-reporting analyses skip the separate init phase")

	// Exactly the hook-delivered message, no lifecycle duplicate.
	require.Len(t, env.ch.sent, 1)
	assert.Equal(t, 7, env.ch.sent[0].Int("id", -1))
	assert.Equal(t, proto.StateIdle, env.engine.State())
	assert.Equal(t, proto.StatusEmpty, env.engine.Status())
}

func TestSelfReportingChangeAbsorbsRunRequest(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(_ rt.Job, _ rt.Callback) string {
		pushAnalysis(env.ch, map[string]any{"id": 8, "perform": "run", "jaspResults": true})
		stop := env.fake.Hooks.Poll()
		assert.True(t, stop, "a mid-run change must unwind the runtime")
		return "null"
	}

	pushAnalysis(env.ch, map[string]any{"id": 8, "perform": "run", "jaspResults": true})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	// Absorbed as a change, not an abort: the run is rewound so the next
	// pass reruns it with the fresh options.
	assert.Equal(t, proto.StatusToInit, env.engine.Status())
	assert.Equal(t, proto.StateAnalysis, env.engine.State())
}

func TestSelfReportingRunRecordsCompleteOutcome(t *testing.T) {
	tmp, err := tempfiles.Attach(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tmp.Close() })

	rec := &recordingMetrics{}
	fake := &rttest.Fake{}
	ch := &scriptChannel{}
	eng := New(Options{
		Channel:   ch,
		Runtime:   fake,
		TempFiles: tmp,
		Metrics:   rec,
	})
	require.NoError(t, eng.initialize())

	fake.AnalysisFn = func(_ rt.Job, _ rt.Callback) string {
		fake.Hooks.Send(`{"typeRequest":"analysis","id":11,"status":"complete","results":{}}`)
		return "null"
	}

	pushAnalysis(ch, map[string]any{"id": 11, "perform": "run", "jaspResults": true})
	eng.ReceiveMessages(0)
	eng.runAnalysis()

	// The run finished normally, so the recorded outcome is the terminal
	// status, not the transient one the run held while in flight.
	assert.Equal(t, []string{"complete"}, rec.outcomes)
}

func TestDynamicModuleCallUsesModuleRunner(t *testing.T) {
	env := newTestEnv(t)
	var job rt.Job
	env.fake.ModuleFn = func(j rt.Job) string {
		job = j
		return "null"
	}

	pushAnalysis(env.ch, map[string]any{
		"id": 9, "perform": "run",
		"dynamicModuleCall": "jaspTTests::ttestOneSample",
	})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	assert.Equal(t, 1, env.fake.CallCount("runModuleCall"))
	assert.Zero(t, env.fake.CallCount("runAnalysis"))
	assert.Equal(t, "jaspTTests::ttestOneSample", job.ModuleCall)
	assert.True(t, job.SelfReporting)
}

func TestAbortRequestForIdleAnalysisIsSilent(t *testing.T) {
	env := newTestEnv(t)

	pushAnalysis(env.ch, map[string]any{"id": 10, "perform": "abort"})
	env.engine.ReceiveMessages(0)

	// No fields are adopted and no run starts.
	assert.Equal(t, proto.StateIdle, env.engine.State())
	assert.Equal(t, proto.StatusAborted, env.engine.Status())
	assert.Empty(t, env.ch.sent)
}

func TestUnknownPerformFailsAnalysisNotProcess(t *testing.T) {
	env := newTestEnv(t)

	pushAnalysis(env.ch, map[string]any{"id": 11, "perform": "transmogrify"})
	env.engine.ReceiveMessages(0)

	assert.Equal(t, proto.StatusError, env.engine.Status())
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestSaveImageEchoesInputOptions(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SaveImageFn = func(options string, ppi int, background string) string {
		assert.JSONEq(t, `{"width":480,"height":320}`, options)
		assert.Equal(t, 96, ppi)
		assert.Equal(t, "white", background)
		return `{"results":{"name":"plot1"},"status":"imageSaved"}`
	}

	pushAnalysis(env.ch, map[string]any{
		"id": 12, "perform": "saveImg",
		"image": map[string]any{"width": 480, "height": 320},
	})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	resp := env.ch.lastSent(t)
	assert.Equal(t, "imageSaved", resp.String("status", ""))
	results, ok := resp.Value("results").(map[string]any)
	require.True(t, ok)
	input, ok := results["inputOptions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 480.0, input["width"])
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestEditImage(t *testing.T) {
	env := newTestEnv(t)
	env.fake.EditImageFn = func(string, int, string) string {
		return `{"results":{"name":"plot1"},"status":"imageEdited"}`
	}

	pushAnalysis(env.ch, map[string]any{"id": 13, "perform": "editImg", "image": map[string]any{}})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	assert.Equal(t, "imageEdited", env.ch.lastSent(t).String("status", ""))
}

func TestRewriteImagesSynthesizesResult(t *testing.T) {
	env := newTestEnv(t)

	pushAnalysis(env.ch, map[string]any{"id": 14, "perform": "rewriteImgs"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	assert.Equal(t, 1, env.fake.CallCount("rewriteImages"))
	assert.Equal(t, "imagesRewritten", env.ch.lastSent(t).String("status", ""))
	assert.Equal(t, proto.StateIdle, env.engine.State())
}

func TestUndecodableResultsStillFinishTheAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AnalysisFn = func(rt.Job, rt.Callback) string {
		return "this is not json at all {{"
	}

	pushAnalysis(env.ch, map[string]any{"id": 15, "perform": "run"})
	env.engine.ReceiveMessages(0)
	env.engine.runAnalysis()

	// The payload is unusable but the lifecycle still terminates: a null
	// result document with the lifecycle-derived status goes out and the
	// engine returns to idle.
	resp := env.ch.lastSent(t)
	assert.Equal(t, "complete", resp.String("status", ""))
	assert.Nil(t, resp.Value("results"))
	assert.Equal(t, proto.StateIdle, env.engine.State())
}
