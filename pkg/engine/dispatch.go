package engine

import (
	"fmt"
	"strings"
	"time"

	"statsengine/pkg/columns"
	"statsengine/pkg/eventlog"
	"statsengine/pkg/logx"
	"statsengine/pkg/proto"
)

// Names bound in the runtime's global environment while a console evaluation
// runs against loaded data.
const (
	consoleDataName     = "data"
	consoleFilteredName = "filteredData"
)

// moduleSuccessSentinel is the exact eval result that marks a module request
// as having succeeded. Anything else is a failure report.
const moduleSuccessSentinel = "succes!"

// protocolViolation reports an unrecoverable disagreement with the controller
// and panics. Dying loudly is deliberate: a controller that sends impossible
// requests cannot be reasoned with, and the supervisor restarts the engine.
func (e *Engine) protocolViolation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Error("protocol violation: %s", msg)
	panic("protocol violation: " + msg)
}

// ReceiveMessages drains the inbound channel once, waiting up to timeout for
// a message, and dispatches whatever arrives. It returns true iff a request
// was classified and handed to a handler.
//
// This is re-entrant by design: handlers run synchronously, and the analysis
// callback calls back in here mid-run. Any unsent outbound message is dropped
// before dispatch, since a new request supersedes whatever response the engine
// had not managed to deliver yet.
func (e *Engine) ReceiveMessages(timeout time.Duration) bool {
	data, ok := e.ch.Receive(timeout)
	if !ok || len(data) == 0 {
		return false
	}

	msg, err := proto.ParseMessage(data)
	if err != nil {
		e.log.Warn("ignoring unparseable message: %v", err)
		return false
	}

	typeRequest := msg.TypeRequest()
	state, err := proto.ParseEngineState(typeRequest)
	if err != nil {
		e.log.Warn("ignoring message with unrecognized typeRequest %q", typeRequest)
		return false
	}

	e.trace(eventlog.DirIn, typeRequest, data)
	e.rec.MessageReceived(typeRequest)
	e.log.Debug("received %s request", typeRequest)

	// A paused engine only listens for the resume; a stopped engine for
	// nothing at all.
	switch e.state {
	case proto.StatePaused:
		if state != proto.StateResuming {
			e.log.Warn("dropping %s request received while paused", typeRequest)
			return false
		}
	case proto.StateStopped:
		e.log.Warn("dropping %s request received after stop", typeRequest)
		return false
	}

	// The new request supersedes any response still sitting in the slot.
	e.SendString("")

	switch state {
	case proto.StateAnalysis:
		e.receiveAnalysisMessage(msg)
	case proto.StateFilter:
		e.receiveFilterMessage(msg)
	case proto.StateRCode:
		e.receiveRCodeMessage(msg)
	case proto.StateComputeColumn:
		e.receiveComputeColumnMessage(msg)
	case proto.StateModuleRequest:
		e.receiveModuleRequestMessage(msg)
	case proto.StatePauseRequested:
		e.pauseEngine()
	case proto.StateResuming:
		e.resumeEngine(msg)
	case proto.StateStopRequested:
		e.stopEngine()
	case proto.StateLogCfg:
		e.receiveLogCfg(msg)
	case proto.StateSettings:
		e.receiveSettings(msg)
	case proto.StateIdle, proto.StateInitializing, proto.StatePaused, proto.StateStopped:
		// Never sent by the controller; receiving one means the two sides
		// disagree about the protocol itself.
		e.protocolViolation("%s is not a valid inbound request", typeRequest)
	default:
		e.protocolViolation("no handler for typeRequest %s, the dispatch table is incomplete", typeRequest)
	}

	return true
}

// ---------------------------------------------------------------------------
// filter

func (e *Engine) receiveFilterMessage(msg proto.Message) {
	if e.state != proto.StateIdle {
		e.log.Warn("filter request arrived while state is %s instead of idle", e.state)
	}
	e.transition(proto.StateFilter)

	e.runFilter(
		msg.String("filter", ""),
		msg.String("generatedFilter", ""),
		msg.Int("requestId", -1),
	)
}

func (e *Engine) runFilter(filter, generated string, requestID int) {
	start := time.Now()
	result, err := e.rt.ApplyFilter(stripCodeComments(filter), generated)
	e.rec.RuntimeCall("filter", time.Since(start))

	resp := proto.NewMessage(proto.StateFilter)
	resp["requestId"] = requestID
	if err != nil {
		errMsg := err.Error()
		if errMsg == "" {
			errMsg = "Something went wrong with the filter but it is unclear what."
		}
		resp["filterError"] = errMsg
	} else {
		resp["filterResult"] = result
		if lastErr := e.rt.LastError(); lastErr != "" {
			resp["filterError"] = lastErr
		}
	}
	e.SendString(string(resp.JSON()))

	e.transition(proto.StateIdle)
}

// stripCodeComments removes end-of-line comments from user-entered code,
// leaving quoted strings alone.
func stripCodeComments(code string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(code) {
				b.WriteByte(c)
				i++
				c = code[i]
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '#':
			for i < len(code) && code[i] != '\n' {
				i++
			}
			if i < len(code) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// rCode

func (e *Engine) receiveRCodeMessage(msg proto.Message) {
	if e.state != proto.StateIdle {
		e.log.Warn("rCode request arrived while state is %s instead of idle", e.state)
	}
	e.transition(proto.StateRCode)

	code := msg.String("rCode", "")
	if msg.Bool("returnLog", false) {
		e.runRCodeConsole(code)
	} else {
		e.runRCode(code, msg.Int("requestId", -1), msg.Bool("whiteListed", true))
	}
}

func (e *Engine) runRCode(code string, requestID int, whiteListed bool) {
	start := time.Now()
	var result string
	if whiteListed {
		result = e.rt.EvalRestricted(code)
	} else {
		result = e.rt.EvalUnrestricted(code)
	}
	e.rec.RuntimeCall("rCode", time.Since(start))

	if result == "null" {
		e.sendRCodeError(requestID)
	} else {
		e.sendRCodeResult(result, requestID)
	}
	e.transition(proto.StateIdle)
}

// runRCodeConsole evaluates code for the interactive console, capturing the
// full output log instead of just the value. With data loaded the dataset is
// bound into the evaluation environment under stable names, and column codes
// are translated on the way in and out.
func (e *Engine) runRCodeConsole(code string) {
	hasData := len(e.columnNames()) > 0

	if hasData {
		code = e.enc.EncodeAll(code)
		if err := e.rt.RunScript(consoleDataName + " <- .readFullDataset();"); err != nil {
			e.log.Warn("failed to bind dataset for console evaluation: %v", err)
		}
		if err := e.rt.RunScript(consoleFilteredName + " <- .readFilteredDataset();"); err != nil {
			e.log.Warn("failed to bind filtered dataset for console evaluation: %v", err)
		}
	}

	start := time.Now()
	result := e.rt.EvalConsole(code)
	e.rec.RuntimeCall("rCodeConsole", time.Since(start))

	if hasData {
		e.rt.DetachEnv(consoleFilteredName)
		e.rt.DetachEnv(consoleDataName)
		result = e.enc.DecodeAll(result)
	}

	e.sendRCodeResult(result, -1)
	e.transition(proto.StateIdle)
}

func (e *Engine) sendRCodeResult(result string, requestID int) {
	resp := proto.NewMessage(proto.StateRCode)
	resp["rCodeResult"] = result
	resp["requestId"] = requestID
	e.SendString(string(resp.JSON()))
}

func (e *Engine) sendRCodeError(requestID int) {
	resp := proto.NewMessage(proto.StateRCode)
	resp["rCodeError"] = e.rt.LastError()
	resp["requestId"] = requestID
	e.SendString(string(resp.JSON()))
}

// ---------------------------------------------------------------------------
// computeColumn

func (e *Engine) receiveComputeColumnMessage(msg proto.Message) {
	if e.state != proto.StateIdle {
		e.log.Warn("computeColumn request arrived while state is %s instead of idle", e.state)
	}
	e.transition(proto.StateComputeColumn)

	name := msg.String("columnName", "")
	colType, err := columns.ParseColumnType(msg.String("columnType", ""))
	if err != nil {
		// A bad column type is a data error, not a protocol error: report it
		// on the response instead of taking the process down.
		resp := proto.NewMessage(proto.StateComputeColumn)
		resp["columnName"] = e.enc.Encode(name)
		resp["result"] = "null"
		resp["error"] = err.Error()
		e.SendString(string(resp.JSON()))
		e.transition(proto.StateIdle)
		return
	}

	e.runComputeColumn(e.enc.Encode(name), msg.String("computeCode", ""), colType)
}

func (e *Engine) runComputeColumn(encodedName, code string, colType columns.ColumnType) {
	setter := map[columns.ColumnType]string{
		columns.TypeScale:       ".setColumnDataAsScale",
		columns.TypeOrdinal:     ".setColumnDataAsOrdinal",
		columns.TypeNominal:     ".setColumnDataAsNominal",
		columns.TypeNominalText: ".setColumnDataAsNominalText",
	}[colType]

	script := "local({;calcedVals <- {" + code + "};\nreturn(toString(" +
		setter + "('" + encodedName + "', calcedVals)));})"

	start := time.Now()
	result := e.rt.EvalRestricted(script)
	e.rec.RuntimeCall("computeColumn", time.Since(start))

	resp := proto.NewMessage(proto.StateComputeColumn)
	resp["columnName"] = encodedName
	resp["result"] = result
	resp["error"] = e.rt.LastError()
	e.SendString(string(resp.JSON()))

	e.transition(proto.StateIdle)
}

// ---------------------------------------------------------------------------
// moduleRequest

func (e *Engine) receiveModuleRequestMessage(msg proto.Message) {
	e.transition(proto.StateModuleRequest)

	request := msg.String("moduleRequest", "")
	name := msg.String("moduleName", "")
	e.log.Info("handling module request %q for module %q", request, name)

	start := time.Now()
	result := e.rt.EvalUnrestricted(msg.String("moduleCode", ""))
	e.rec.RuntimeCall("moduleRequest", time.Since(start))

	resp := proto.NewMessage(proto.StateModuleRequest)
	resp["moduleRequest"] = request
	resp["moduleName"] = name
	resp["succes"] = result == moduleSuccessSentinel
	resp["error"] = e.rt.LastError()
	if result != moduleSuccessSentinel {
		resp["result"] = result
	}
	e.SendString(string(resp.JSON()))

	e.transition(proto.StateIdle)
}

// ---------------------------------------------------------------------------
// pause / resume / stop

// pauseEngine aborts whatever analysis is in flight, releases the dataset so
// the controller may rewrite it, and acknowledges only after teardown is done.
func (e *Engine) pauseEngine() {
	switch e.state {
	case proto.StateAnalysis:
		e.status = proto.StatusAborted
	case proto.StateFilter, proto.StateComputeColumn, proto.StateRCode, proto.StateModuleRequest:
		e.protocolViolation("pause requested during %s, which cannot be interrupted", e.state)
	}

	e.transition(proto.StatePaused)
	e.releaseDataset()
	e.sendStateAck(proto.StatePaused)
	e.log.Info("engine paused")
}

// resumeEngine rescans the dataset (the controller may have changed it while
// the engine was paused), absorbs any piggy-backed settings, and acknowledges.
func (e *Engine) resumeEngine(msg proto.Message) {
	e.enc.SetColumnNames(e.columnNames())
	e.absorbSettings(msg)
	e.transition(proto.StateIdle)
	e.sendResumed()
	e.log.Info("engine resumed")
}

// stopEngine is pauseEngine plus finality: temp files go too, and the main
// loop exits once the ack is out.
func (e *Engine) stopEngine() {
	switch e.state {
	case proto.StateAnalysis:
		e.status = proto.StatusAborted
	case proto.StateFilter, proto.StateComputeColumn, proto.StateRCode, proto.StateModuleRequest:
		e.protocolViolation("stop requested during %s, which cannot be interrupted", e.state)
	}

	e.transition(proto.StateStopped)
	e.releaseDataset()
	if e.tmp != nil {
		e.tmp.DeleteAll()
	}
	e.sendStateAck(proto.StateStopped)
	e.log.Info("engine stopped")
}

func (e *Engine) sendResumed() {
	e.sendStateAck(proto.StateResuming)
}

func (e *Engine) sendStateAck(state proto.EngineState) {
	e.SendString(string(proto.NewMessage(state).JSON()))
}

// ---------------------------------------------------------------------------
// logCfg / settings

func (e *Engine) receiveLogCfg(msg proto.Message) {
	level := logx.ParseLevel(msg.String("logLevel", ""))
	logx.SetLevel(level)

	if msg.Bool("logToFile", false) {
		dir := e.cfg.Snapshot().LogDir
		if dir == "" {
			dir = "logs"
		}
		if err := logx.SetLogFile(dir); err != nil {
			e.log.Warn("failed to redirect log output to file: %v", err)
		}
	} else if msg.Has("logToFile") {
		if err := logx.CloseLogFile(); err != nil {
			e.log.Warn("failed to close log file: %v", err)
		}
	}

	e.sendStateAck(proto.StateLogCfg)
	e.transition(proto.StateIdle)
}

func (e *Engine) receiveSettings(msg proto.Message) {
	e.absorbSettings(msg)
	e.sendStateAck(proto.StateSettings)
	e.transition(proto.StateIdle)
}

func (e *Engine) absorbSettings(msg proto.Message) {
	s := e.cfg.Absorb(msg)
	e.rt.SetLanguage(s.Language)
	e.log.Debug("settings absorbed: ppi=%d background=%s language=%s developer=%t",
		s.PPI, s.ImageBackground, s.Language, s.DeveloperMode)
}
