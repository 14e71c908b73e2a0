package service

import "fmt"

// TransferState 代码迁移阶段的状态
type TransferState int

const (
	TransferNotStarted TransferState = iota
	TransferDirectAttempted
	TransferMirrorAttempted
	TransferConverted
	TransferTransferred
	TransferFailed
)

var transferStateNames = map[TransferState]string{
	TransferNotStarted:      "not_started",
	TransferDirectAttempted: "direct_attempted",
	TransferMirrorAttempted: "mirror_attempted",
	TransferConverted:       "converted",
	TransferTransferred:     "transferred",
	TransferFailed:          "failed",
}

func (s TransferState) String() string {
	if n, ok := transferStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TransferState(%d)", int(s))
}

// Terminal 不会再有后续动作
func (s TransferState) Terminal() bool {
	return s == TransferConverted || s == TransferTransferred || s == TransferFailed
}

// Succeeded 代码已经在目标端
func (s TransferState) Succeeded() bool {
	return s == TransferConverted || s == TransferTransferred
}

// TransferEvent 驱动状态变化的观测结果
type TransferEvent int

const (
	// EventPresent 目标端已有同名仓库
	EventPresent TransferEvent = iota
	// EventAbsent 目标端没有该仓库
	EventAbsent
	// EventSucceeded 当前策略成功 (含 409)
	EventSucceeded
	// EventFailed 当前策略失败
	EventFailed
)

var transferEventNames = map[TransferEvent]string{
	EventPresent:   "present",
	EventAbsent:    "absent",
	EventSucceeded: "succeeded",
	EventFailed:    "failed",
}

func (e TransferEvent) String() string {
	if n, ok := transferEventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("TransferEvent(%d)", int(e))
}

type transition struct {
	from  TransferState
	event TransferEvent
}

var transitions = map[transition]TransferState{
	{TransferNotStarted, EventPresent}:        TransferTransferred,
	{TransferNotStarted, EventAbsent}:         TransferDirectAttempted,
	{TransferDirectAttempted, EventSucceeded}: TransferTransferred,
	{TransferDirectAttempted, EventFailed}:    TransferMirrorAttempted,
	{TransferMirrorAttempted, EventSucceeded}: TransferConverted,
	{TransferMirrorAttempted, EventFailed}:    TransferFailed,
}

// Advance 纯函数：给定当前状态和事件，返回下一个状态
func Advance(s TransferState, e TransferEvent) (TransferState, error) {
	next, ok := transitions[transition{s, e}]
	if !ok {
		return s, fmt.Errorf("invalid transfer transition: %s on %s", s, e)
	}
	return next, nil
}
