// Mill is a minimal pipeline execution engine.
//
// Mill matches a workflow file against a trigger event and runs the
// selected jobs with bounded concurrency, locally or in docker containers.
package main

import (
	"github.com/cvhariharan/mill/cmd/mill"
)

func main() {
	mill.Execute()
}
