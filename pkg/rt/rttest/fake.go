// Package rttest provides a scriptable in-memory Runtime for exercising the
// engine without an embedded interpreter.
package rttest

import (
	"statsengine/pkg/rt"
)

// Fake implements rt.Runtime. Behavior is scripted through the function
// fields; anything left nil degrades to the runtime's "null" failure
// sentinel with no error. Calls records the order of invocations.
type Fake struct {
	Hooks    rt.Hooks
	Language string
	Calls    []string

	AnalysisFn     func(job rt.Job, cb rt.Callback) string
	ModuleFn       func(job rt.Job) string
	RestrictedFn   func(code string) string
	UnrestrictedFn func(code string) string
	ConsoleFn      func(code string) string
	FilterFn       func(filter, generated string) ([]bool, error)
	SaveImageFn    func(options string, ppi int, background string) string
	EditImageFn    func(options string, ppi int, background string) string

	Scripts  []string
	Detached []string

	// Err is returned by LastError; callers script it per call.
	Err string
}

var _ rt.Runtime = (*Fake)(nil)

func (f *Fake) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *Fake) Init(hooks rt.Hooks) error {
	f.record("init")
	f.Hooks = hooks
	return nil
}

func (f *Fake) SetLanguage(code string) {
	f.record("setLanguage")
	f.Language = code
}

func (f *Fake) RunAnalysis(job rt.Job, cb rt.Callback) string {
	f.record("runAnalysis")
	if f.AnalysisFn == nil {
		return "null"
	}
	return f.AnalysisFn(job, cb)
}

func (f *Fake) RunModuleCall(job rt.Job) string {
	f.record("runModuleCall")
	if f.ModuleFn == nil {
		return "null"
	}
	return f.ModuleFn(job)
}

func (f *Fake) EvalRestricted(code string) string {
	f.record("evalRestricted")
	if f.RestrictedFn == nil {
		return "null"
	}
	return f.RestrictedFn(code)
}

func (f *Fake) EvalUnrestricted(code string) string {
	f.record("evalUnrestricted")
	if f.UnrestrictedFn == nil {
		return "null"
	}
	return f.UnrestrictedFn(code)
}

func (f *Fake) EvalConsole(code string) string {
	f.record("evalConsole")
	if f.ConsoleFn == nil {
		return "null"
	}
	return f.ConsoleFn(code)
}

func (f *Fake) RunScript(code string) error {
	f.record("runScript")
	f.Scripts = append(f.Scripts, code)
	return nil
}

func (f *Fake) DetachEnv(name string) {
	f.record("detachEnv")
	f.Detached = append(f.Detached, name)
}

func (f *Fake) ApplyFilter(filter, generated string) ([]bool, error) {
	f.record("applyFilter")
	if f.FilterFn == nil {
		return nil, nil
	}
	return f.FilterFn(filter, generated)
}

func (f *Fake) SaveImage(options string, ppi int, background string) string {
	f.record("saveImage")
	if f.SaveImageFn == nil {
		return "null"
	}
	return f.SaveImageFn(options, ppi, background)
}

func (f *Fake) EditImage(options string, ppi int, background string) string {
	f.record("editImage")
	if f.EditImageFn == nil {
		return "null"
	}
	return f.EditImageFn(options, ppi, background)
}

func (f *Fake) RewriteImages(ppi int, background string) {
	f.record("rewriteImages")
}

func (f *Fake) LastError() string {
	return f.Err
}

// CallCount returns how many times the named call was made.
func (f *Fake) CallCount(name string) int {
	n := 0
	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}
	return n
}
