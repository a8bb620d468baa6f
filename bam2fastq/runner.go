// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// Tool describes one invocation of an external program.
type Tool struct {
	// Name is the program name, resolved against PATH.
	Name string
	Args []string
	// Inputs are the files the invocation reads. They must exist before it
	// starts.
	Inputs []string
	// Outputs are the files or directories the invocation creates.
	Outputs []string
	// Stdout, if nonempty, is a file that receives the program's standard
	// output.
	Stdout string
}

func (t Tool) String() string {
	return strings.Join(append([]string{t.Name}, t.Args...), " ")
}

// ToolResult is the outcome of a Tool invocation.
type ToolResult struct {
	ExitCode int
	Stderr   []byte
}

// ToolRunner runs external programs. Stages receive a ToolRunner rather than
// starting processes themselves.
type ToolRunner interface {
	// Run runs the tool to completion. A nonzero exit yields an error of
	// kind errors.Unavailable that carries the captured standard error.
	Run(ctx context.Context, t Tool) (ToolResult, error)
}

// ExecRunner runs tools as local processes.
type ExecRunner struct {
	// Env is the environment of the processes. Nil means os.Environ().
	Env []string
}

// Run implements ToolRunner.
func (r ExecRunner) Run(ctx context.Context, t Tool) (ToolResult, error) {
	if err := requireInputs(ctx, t.Inputs...); err != nil {
		return ToolResult{}, err
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	path, err := lookpath.Look(envvar.SliceToMap(env), t.Name)
	if err != nil {
		return ToolResult{}, errors.E(errors.NotExist, err, "look up tool", t.Name)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, t.Args...)
	cmd.Env = env
	cmd.Stderr = &stderr
	var out file.File
	if t.Stdout != "" {
		if out, err = file.Create(ctx, t.Stdout); err != nil {
			return ToolResult{}, err
		}
		cmd.Stdout = out.Writer(ctx)
	}
	log.Debug.Printf("run: %v", t)
	runErr := cmd.Run()
	if out != nil {
		if err := out.Close(ctx); err != nil && runErr == nil {
			runErr = err
		}
	}
	result := ToolResult{Stderr: stderr.Bytes()}
	if runErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, errors.E(errors.Canceled, ctx.Err(), t.String())
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitCode(exitErr)
		return result, errors.E(errors.Unavailable,
			fmt.Sprintf("%v: exit status %d: %s", t, result.ExitCode, strings.TrimSpace(stderr.String())))
	}
	return result, errors.E(errors.Unavailable, runErr, t.String())
}

func exitCode(err *exec.ExitError) int {
	type exitCoder interface {
		ExitStatus() int
	}
	if status, ok := err.Sys().(exitCoder); ok {
		return status.ExitStatus()
	}
	return -1
}

// requireInputs verifies that every path exists. Local paths may name
// directories.
func requireInputs(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		var err error
		if scheme, _, perr := file.ParsePath(path); perr == nil && scheme == "" {
			_, err = os.Stat(path)
		} else {
			_, err = file.Stat(ctx, path)
		}
		if err != nil {
			return errors.E(errors.NotExist, err, "missing input", path)
		}
	}
	return nil
}
