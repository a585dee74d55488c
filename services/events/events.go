package events

import (
	"strconv"
)

const (
	// SubjectModuleStateChange carries MBS module build state transitions.
	SubjectModuleStateChange = "rebuildd.mbs.module.state.change"
	// SubjectModuleCommit carries commits pushed to module distgit repositories.
	SubjectModuleCommit = "rebuildd.distgit.module.commit"
)

// Subjects lists every subject the service consumes.
var Subjects = []string{SubjectModuleStateChange, SubjectModuleCommit}

// Event is one of the closed set of notifications defined in this package.
type Event interface {
	// ID is the unique message id the event arrived with.
	ID() string
	// SearchKey identifies the artifact the event is about.
	SearchKey() string
	// Kind names the variant, as stored alongside tracked builds.
	Kind() string

	isEvent()
}

// ModuleState is a module build state as reported by MBS.
type ModuleState string

const (
	ModuleStateInit   ModuleState = "init"
	ModuleStateWait   ModuleState = "wait"
	ModuleStateBuild  ModuleState = "build"
	ModuleStateDone   ModuleState = "done"
	ModuleStateFailed ModuleState = "failed"
	ModuleStateReady  ModuleState = "ready"
)

var moduleStatesByNumber = []ModuleState{
	ModuleStateInit,
	ModuleStateWait,
	ModuleStateBuild,
	ModuleStateDone,
	ModuleStateFailed,
	ModuleStateReady,
}

// ParseModuleState accepts either a state name or its MBS numeric code.
func ParseModuleState(s string) (state ModuleState, known bool) {
	for _, st := range moduleStatesByNumber {
		if string(st) == s {
			return st, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(moduleStatesByNumber) {
		return moduleStatesByNumber[n], true
	}
	return ModuleState(s), false
}

// ModuleStateChange reports that an MBS module build changed state.
type ModuleStateChange struct {
	MessageID string
	Module    string
	Stream    string
	BuildID   int64
	State     ModuleState
}

func (e *ModuleStateChange) ID() string        { return e.MessageID }
func (e *ModuleStateChange) SearchKey() string { return strconv.FormatInt(e.BuildID, 10) }
func (e *ModuleStateChange) Kind() string      { return "MBSModuleStateChangeEvent" }
func (*ModuleStateChange) isEvent()            {}

// GitModuleMetadataChange reports a commit to a module's distgit repository.
type GitModuleMetadataChange struct {
	MessageID string
	Module    string
	Branch    string
	Rev       string
}

func (e *GitModuleMetadataChange) ID() string        { return e.MessageID }
func (e *GitModuleMetadataChange) SearchKey() string { return e.Rev }
func (e *GitModuleMetadataChange) Kind() string      { return "GitModuleMetadataChangeEvent" }
func (*GitModuleMetadataChange) isEvent()            {}
