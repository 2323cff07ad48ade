// Package rt defines the engine's boundary with the embedded computation
// runtime: the synchronous call surface, the job descriptions handed across
// it, and the directive protocol spoken by the progress callback.
//
// The runtime never outlives a single call from the engine. A callback passed
// into RunAnalysis may be invoked any number of times during that call and
// must never be stored or invoked after the call returns.
package rt

import (
	"encoding/json"
)

// Directive statuses understood by the runtime.
const (
	DirectiveOK      = "ok"
	DirectiveChanged = "changed"
	DirectiveAborted = "aborted"
)

// Directive is the engine's answer to one progress callback invocation. The
// runtime continues on ok, restarts its evaluation with the carried options
// on changed, and unwinds on aborted.
type Directive struct {
	Status  string
	Options string // raw options JSON, set only for changed
}

// OK tells the runtime to continue.
func OK() Directive { return Directive{Status: DirectiveOK} }

// Aborted tells the runtime to unwind.
func Aborted() Directive { return Directive{Status: DirectiveAborted} }

// Changed tells the runtime to restart its evaluation with fresh options,
// keeping whatever partial state it can.
func Changed(options string) Directive {
	return Directive{Status: DirectiveChanged, Options: options}
}

// JSON encodes the directive in the wire form the runtime expects.
func (d Directive) JSON() string {
	if d.Status == DirectiveChanged && d.Options != "" {
		return `{ "status" : "changed", "options" : ` + d.Options + ` }`
	}
	data, _ := json.Marshal(map[string]string{"status": d.Status})
	return string(data)
}

// Callback is invoked by the runtime zero or more times during one
// RunAnalysis call. results is the raw intermediate result payload or the
// literal "null"; progress is a percentage, negative when unknown.
type Callback func(results string, progress int) Directive

// Job describes one analysis invocation.
type Job struct {
	ID       int
	Revision int
	Name     string
	Title    string

	// Exactly one of RFile / ModuleCall identifies the code to run.
	RFile      string
	ModuleCall string

	RequiresInit bool

	// SelfReporting marks the runtime variant that delivers its own result
	// messages and polls for aborts itself, through the hooks, instead of
	// relying on the engine's progress callback.
	SelfReporting bool

	// Raw JSON payloads, handed through verbatim.
	DataKey     string
	Options     string
	ResultsMeta string
	StateKey    string

	Perform         string // "init" or "run"
	PPI             int
	ImageBackground string
	DeveloperMode   bool
}

// Hooks are the engine services a runtime may call back into during a long
// call. They are installed once at Init and remain valid for the process
// lifetime.
type Hooks struct {
	// Send emits an intermediate result message to the controller.
	Send func(msg string)
	// Poll drains the inbound channel once; true means the current run
	// should stop and unwind.
	Poll func() bool
	// TempFile allocates a fresh temp file (by extension) owned by the
	// current analysis.
	TempFile func(ext string) (root, rel string, err error)
	// SpecificFile allocates the named temp file owned by the current
	// analysis; the same name yields the same path.
	SpecificFile func(name string) (root, rel string, err error)
	// StateFile and ResultsFile locate the per-analysis state and result
	// documents.
	StateFile   func() (root, rel string, err error)
	ResultsFile func() (root, rel string, err error)
	// ColumnNames and RowCount expose the loaded dataset, if any.
	ColumnNames func() []string
	RowCount    func() int
}

// Runtime is the embedded computation runtime. Every call is synchronous and
// single-threaded; eval results are raw strings with "null" as the failure
// sentinel, and the matching error text is retrievable via LastError until
// the next call.
type Runtime interface {
	Init(hooks Hooks) error
	SetLanguage(code string)

	RunAnalysis(job Job, cb Callback) string
	RunModuleCall(job Job) string

	EvalRestricted(code string) string
	EvalUnrestricted(code string) string
	EvalConsole(code string) string
	RunScript(code string) error
	DetachEnv(name string)

	ApplyFilter(filter, generated string) ([]bool, error)

	SaveImage(imageOptions string, ppi int, background string) string
	EditImage(imageOptions string, ppi int, background string) string
	RewriteImages(ppi int, background string)

	LastError() string
}

// FilterError is a filter evaluation failure with a user-presentable message.
type FilterError struct {
	Message string
}

func (e *FilterError) Error() string {
	return e.Message
}
