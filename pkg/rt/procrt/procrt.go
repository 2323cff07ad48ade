// Package procrt implements rt.Runtime on top of a worker subprocess that
// hosts the actual interpreter. The engine side stays synchronous: every
// runtime call writes one request line to the worker's stdin and then serves
// the worker's service requests (sends, polls, temp files, callbacks) until
// the worker answers with a result line.
package procrt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"statsengine/pkg/logx"
	"statsengine/pkg/rt"
)

// envelope is one line of the worker protocol, in either direction. Exactly
// one of the type-specific field groups is populated.
type envelope struct {
	Type string `json:"type"`

	// engine -> worker requests
	Call   string          `json:"call,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// worker -> engine service requests and their replies
	Message  string `json:"message,omitempty"`
	Ext      string `json:"ext,omitempty"`
	Name     string `json:"name,omitempty"`
	Root     string `json:"root,omitempty"`
	Rel      string `json:"rel,omitempty"`
	Stop     bool   `json:"stop,omitempty"`
	Results  string `json:"results,omitempty"`
	Progress int    `json:"progress,omitempty"`

	// terminal worker reply
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Filter []bool `json:"filter,omitempty"`
}

// Process is a Runtime backed by one long-lived worker subprocess.
type Process struct {
	cmd   *exec.Cmd
	conv  *conversation
	hooks rt.Hooks
	log   *logx.Logger

	lastError string
}

var _ rt.Runtime = (*Process)(nil)

// Start launches the worker command. The returned Process is not usable until
// Init has run.
func Start(command string, args ...string) (*Process, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", command, err)
	}

	return &Process{
		cmd:  cmd,
		conv: newConversation(stdout, stdin),
		log:  logx.NewLogger("procrt"),
	}, nil
}

// Stop closes the worker's stdin and waits for it to exit.
func (p *Process) Stop() error {
	p.conv.close()
	if p.cmd == nil {
		return nil
	}
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("worker exited abnormally: %w", err)
	}
	return nil
}

func (p *Process) Init(hooks rt.Hooks) error {
	p.hooks = hooks
	_, err := p.call("init", nil, nil)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	return nil
}

func (p *Process) SetLanguage(code string) {
	p.mustCall("setLanguage", map[string]any{"code": code}, nil)
}

func (p *Process) RunAnalysis(job rt.Job, cb rt.Callback) string {
	return p.mustCall("runAnalysis", jobParams(job), cb)
}

func (p *Process) RunModuleCall(job rt.Job) string {
	return p.mustCall("runModuleCall", jobParams(job), nil)
}

func (p *Process) EvalRestricted(code string) string {
	return p.mustCall("evalRestricted", map[string]any{"code": code}, nil)
}

func (p *Process) EvalUnrestricted(code string) string {
	return p.mustCall("evalUnrestricted", map[string]any{"code": code}, nil)
}

func (p *Process) EvalConsole(code string) string {
	return p.mustCall("evalConsole", map[string]any{"code": code}, nil)
}

func (p *Process) RunScript(code string) error {
	if _, err := p.call("runScript", map[string]any{"code": code}, nil); err != nil {
		return err
	}
	if p.lastError != "" {
		return fmt.Errorf("script failed: %s", p.lastError)
	}
	return nil
}

func (p *Process) DetachEnv(name string) {
	p.mustCall("detachEnv", map[string]any{"name": name}, nil)
}

func (p *Process) ApplyFilter(filter, generated string) ([]bool, error) {
	reply, err := p.call("applyFilter", map[string]any{
		"filter":    filter,
		"generated": generated,
	}, nil)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &rt.FilterError{Message: reply.Error}
	}
	return reply.Filter, nil
}

func (p *Process) SaveImage(imageOptions string, ppi int, background string) string {
	return p.mustCall("saveImage", imageParams(imageOptions, ppi, background), nil)
}

func (p *Process) EditImage(imageOptions string, ppi int, background string) string {
	return p.mustCall("editImage", imageParams(imageOptions, ppi, background), nil)
}

func (p *Process) RewriteImages(ppi int, background string) {
	p.mustCall("rewriteImages", imageParams("", ppi, background), nil)
}

func (p *Process) LastError() string {
	return p.lastError
}

// call performs one synchronous worker call, serving service requests until
// the terminal reply arrives. cb is only consulted for callback requests.
func (p *Process) call(name string, params map[string]any, cb rt.Callback) (*envelope, error) {
	reply, err := p.conv.run(name, params, &serviceHandler{hooks: p.hooks, cb: cb})
	if err != nil {
		return nil, err
	}
	p.lastError = reply.Error
	return reply, nil
}

// mustCall is call for the Runtime methods whose interface has no error
// return: a dead worker degrades to the "null" sentinel, and the failure is
// retrievable via LastError.
func (p *Process) mustCall(name string, params map[string]any, cb rt.Callback) string {
	reply, err := p.call(name, params, cb)
	if err != nil {
		p.log.Error("worker call %s failed: %v", name, err)
		p.lastError = err.Error()
		return "null"
	}
	if reply.Value == "" {
		return "null"
	}
	return reply.Value
}

func jobParams(job rt.Job) map[string]any {
	return map[string]any{
		"id":              job.ID,
		"revision":        job.Revision,
		"name":            job.Name,
		"title":           job.Title,
		"rfile":           job.RFile,
		"moduleCall":      job.ModuleCall,
		"requiresInit":    job.RequiresInit,
		"selfReporting":   job.SelfReporting,
		"dataKey":         json.RawMessage(job.DataKey),
		"options":         json.RawMessage(job.Options),
		"resultsMeta":     json.RawMessage(job.ResultsMeta),
		"stateKey":        json.RawMessage(job.StateKey),
		"perform":         job.Perform,
		"ppi":             job.PPI,
		"imageBackground": job.ImageBackground,
		"developerMode":   job.DeveloperMode,
	}
}

func imageParams(imageOptions string, ppi int, background string) map[string]any {
	params := map[string]any{
		"ppi":             ppi,
		"imageBackground": background,
	}
	if imageOptions != "" {
		params["image"] = json.RawMessage(imageOptions)
	}
	return params
}

// serviceHandler answers the worker's mid-call service requests.
type serviceHandler struct {
	hooks rt.Hooks
	cb    rt.Callback
}

func (h *serviceHandler) handle(req *envelope) (*envelope, error) {
	switch req.Type {
	case "send":
		if h.hooks.Send != nil {
			h.hooks.Send(req.Message)
		}
		return nil, nil

	case "poll":
		stop := false
		if h.hooks.Poll != nil {
			stop = h.hooks.Poll()
		}
		return &envelope{Type: "poll", Stop: stop}, nil

	case "callback":
		if h.cb == nil {
			return &envelope{Type: "callback", Value: rt.OK().JSON()}, nil
		}
		d := h.cb(req.Results, req.Progress)
		return &envelope{Type: "callback", Value: d.JSON()}, nil

	case "tempFile":
		return fileReply(req.Type)(h.hooks.TempFile(req.Ext))

	case "specificFile":
		return fileReply(req.Type)(h.hooks.SpecificFile(req.Name))

	case "stateFile":
		return fileReply(req.Type)(h.hooks.StateFile())

	case "resultsFile":
		return fileReply(req.Type)(h.hooks.ResultsFile())

	default:
		return nil, fmt.Errorf("worker sent unknown service request %q", req.Type)
	}
}

func fileReply(typ string) func(root, rel string, err error) (*envelope, error) {
	return func(root, rel string, err error) (*envelope, error) {
		if err != nil {
			return &envelope{Type: typ, Error: err.Error()}, nil
		}
		return &envelope{Type: typ, Root: root, Rel: rel}, nil
	}
}

// conversation owns the worker's stdio and the line protocol over it.
type conversation struct {
	in  *bufio.Scanner
	out io.WriteCloser
}

func newConversation(in io.Reader, out io.WriteCloser) *conversation {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &conversation{in: sc, out: out}
}

func (c *conversation) close() {
	_ = c.out.Close()
}

// run writes one request line and pumps the reply stream: service requests go
// to the handler (whose non-nil replies are written back), and a result line
// terminates the call.
func (c *conversation) run(name string, params map[string]any, h *serviceHandler) (*envelope, error) {
	req := envelope{Type: "call", Call: name}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", name, err)
		}
		req.Params = data
	}
	if err := c.write(&req); err != nil {
		return nil, err
	}

	for c.in.Scan() {
		line := c.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg envelope
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("worker sent unparseable line: %w", err)
		}
		if msg.Type == "result" {
			return &msg, nil
		}

		reply, err := h.handle(&msg)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			if err := c.write(reply); err != nil {
				return nil, err
			}
		}
	}
	if err := c.in.Err(); err != nil {
		return nil, fmt.Errorf("worker stream failed during %s: %w", name, err)
	}
	return nil, fmt.Errorf("worker exited during %s", name)
}

func (c *conversation) write(msg *envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode worker message: %w", err)
	}
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to worker: %w", err)
	}
	return nil
}
