// mqd is the merge-queue coordinator daemon.
package main

import (
	"os"

	"github.com/coordinatr/mergequeue/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
