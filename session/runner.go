// Copyright 2021-2022 The mpvhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
)

// CommandRunner executes commands from every session one at a time, so the backend
// calls of one command never interleave with those of another.
type CommandRunner interface {
	// Run execute a command and wait for its result
	Run(ctxt context.Context, cmd Command) (interface{}, error)
	// Start start executing commands
	Start(wg *sync.WaitGroup) error
	// Stop stop executing commands
	Stop() error
}

type commandResult struct {
	reply interface{}
	err   error
}

type commandRequest struct {
	ctxt   context.Context
	cmd    Command
	result chan commandResult
}

// commandRunnerImpl implements CommandRunner
type commandRunnerImpl struct {
	common.Component
	player        backend.Player
	operationCtxt context.Context
	contextCancel context.CancelFunc
	tp            common.TaskProcessor
}

// GetCommandRunner define a new CommandRunner
func GetCommandRunner(
	ctxt context.Context, player backend.Player, queueLen int,
) (CommandRunner, error) {
	logTags := log.Fields{
		"module": "session", "component": "command-runner",
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance(optCtxt, "command-runner", queueLen)
	if err != nil {
		cancel()
		return nil, err
	}
	instance := &commandRunnerImpl{
		Component:     common.Component{LogTags: logTags},
		player:        player,
		operationCtxt: optCtxt,
		contextCancel: cancel,
		tp:            tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(commandRequest{}), instance.processRequest,
	); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

// Run execute a command and wait for its result
func (r *commandRunnerImpl) Run(ctxt context.Context, cmd Command) (interface{}, error) {
	request := commandRequest{ctxt: ctxt, cmd: cmd, result: make(chan commandResult, 1)}
	if err := r.tp.Submit(ctxt, request); err != nil {
		return nil, err
	}
	select {
	case result := <-request.result:
		return result.reply, result.err
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case <-r.operationCtxt.Done():
		return nil, fmt.Errorf("command runner stopped")
	}
}

func (r *commandRunnerImpl) processRequest(param interface{}) error {
	request, ok := param.(commandRequest)
	if !ok {
		return fmt.Errorf("processing unexpected call type %s", reflect.TypeOf(param))
	}
	// The requester gave up already
	if request.ctxt.Err() != nil {
		request.result <- commandResult{err: request.ctxt.Err()}
		return nil
	}
	log.WithFields(r.LogTags).Debugf("Executing %s", request.cmd.Name())
	reply, err := request.cmd.Execute(request.ctxt, r.player)
	request.result <- commandResult{reply: reply, err: err}
	return nil
}

// Start start executing commands
func (r *commandRunnerImpl) Start(wg *sync.WaitGroup) error {
	return r.tp.StartEventLoop(wg)
}

// Stop stop executing commands
func (r *commandRunnerImpl) Stop() error {
	r.contextCancel()
	return r.tp.StopEventLoop()
}
