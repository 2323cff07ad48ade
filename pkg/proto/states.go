// Package proto defines the wire protocol shared by the engine and its
// controller: the typeRequest discriminator enumeration, the analysis
// sub-state enumeration, and the structured message envelope.
package proto

import (
	"fmt"
)

// EngineState is the top-level process state. Exactly one is current at any
// time; the inbound typeRequest discriminator maps 1:1 onto it.
type EngineState string

const (
	StateIdle           EngineState = "idle"
	StateInitializing   EngineState = "initializing"
	StateAnalysis       EngineState = "analysis"
	StateFilter         EngineState = "filter"
	StateRCode          EngineState = "rCode"
	StateComputeColumn  EngineState = "computeColumn"
	StateModuleRequest  EngineState = "moduleRequest"
	StatePauseRequested EngineState = "pauseRequested"
	StatePaused         EngineState = "paused"
	StateResuming       EngineState = "resuming"
	StateStopRequested  EngineState = "stopRequested"
	StateStopped        EngineState = "stopped"
	StateLogCfg         EngineState = "logCfg"
	StateSettings       EngineState = "settings"
)

// String returns the wire representation of the state.
func (s EngineState) String() string {
	return string(s)
}

// ParseEngineState maps a typeRequest discriminator onto an EngineState.
// Unknown discriminators are an error; the dispatcher ignores such messages.
func ParseEngineState(s string) (EngineState, error) {
	switch EngineState(s) {
	case StateIdle, StateInitializing, StateAnalysis, StateFilter, StateRCode,
		StateComputeColumn, StateModuleRequest, StatePauseRequested, StatePaused,
		StateResuming, StateStopRequested, StateStopped, StateLogCfg, StateSettings:
		return EngineState(s), nil
	default:
		return "", fmt.Errorf("unknown engine state: %q", s)
	}
}

// AnalysisStatus is the sub-state of the one in-flight analysis. It is only
// meaningful while the engine state is analysis, but persists across the
// transition back to idle.
type AnalysisStatus string

const (
	StatusEmpty       AnalysisStatus = "empty"
	StatusToInit      AnalysisStatus = "toInit"
	StatusIniting     AnalysisStatus = "initing"
	StatusInited      AnalysisStatus = "inited"
	StatusToRun       AnalysisStatus = "toRun"
	StatusRunning     AnalysisStatus = "running"
	StatusChanged     AnalysisStatus = "changed"
	StatusComplete    AnalysisStatus = "complete"
	StatusAborted     AnalysisStatus = "aborted"
	StatusError       AnalysisStatus = "error"
	StatusException   AnalysisStatus = "exception"
	StatusSaveImg     AnalysisStatus = "saveImg"
	StatusEditImg     AnalysisStatus = "editImg"
	StatusRewriteImgs AnalysisStatus = "rewriteImgs"
)

// String returns the wire representation of the status.
func (s AnalysisStatus) String() string {
	return string(s)
}

// PerformType is the requested phase of an analysis message.
type PerformType string

const (
	PerformInit        PerformType = "init"
	PerformRun         PerformType = "run"
	PerformSaveImg     PerformType = "saveImg"
	PerformEditImg     PerformType = "editImg"
	PerformRewriteImgs PerformType = "rewriteImgs"
	PerformAbort       PerformType = "abort"
)

// ParsePerformType maps the perform field onto a PerformType. The controller
// omits the field for plain runs, so the empty string parses as run; anything
// unrecognized is returned as-is with an error so the caller can fail the
// analysis instead of the process.
func ParsePerformType(s string) (PerformType, error) {
	switch PerformType(s) {
	case PerformInit, PerformRun, PerformSaveImg, PerformEditImg, PerformRewriteImgs, PerformAbort:
		return PerformType(s), nil
	case "":
		return PerformRun, nil
	default:
		return PerformType(s), fmt.Errorf("unknown perform type: %q", s)
	}
}

// String returns the wire representation of the perform type.
func (p PerformType) String() string {
	return string(p)
}

// ResultStatus is the status field of an outbound analysis result message.
type ResultStatus string

const (
	ResultInited          ResultStatus = "inited"
	ResultRunning         ResultStatus = "running"
	ResultComplete        ResultStatus = "complete"
	ResultFatalError      ResultStatus = "fatalError"
	ResultImageSaved      ResultStatus = "imageSaved"
	ResultImageEdited     ResultStatus = "imageEdited"
	ResultImagesRewritten ResultStatus = "imagesRewritten"
	ResultValidOptions    ResultStatus = "validOptions"
)

// ParseResultStatus maps a status string reported by the computation runtime
// onto a ResultStatus. Anything unrecognized degrades to fatalError, matching
// how the controller treats statuses it cannot interpret.
func ParseResultStatus(s string) ResultStatus {
	switch ResultStatus(s) {
	case ResultInited, ResultRunning, ResultComplete, ResultFatalError,
		ResultImageSaved, ResultImageEdited, ResultImagesRewritten, ResultValidOptions:
		return ResultStatus(s)
	default:
		return ResultFatalError
	}
}

// String returns the wire representation of the result status.
func (s ResultStatus) String() string {
	return string(s)
}

// ResultStatusFor maps a terminal analysis status onto the status field sent
// to the controller when the runtime's result payload carries none itself.
func ResultStatusFor(status AnalysisStatus) ResultStatus {
	switch status {
	case StatusInited:
		return ResultInited
	case StatusRunning, StatusChanged:
		return ResultRunning
	case StatusComplete:
		return ResultComplete
	default:
		return ResultFatalError
	}
}
