// Taskmirror keeps a local SQLite cache of task lists in sync with a remote:
// Home Assistant todo lists or a directory of iCalendar files. The remote
// wins every conflict.
//
// Usage:
//
//	taskmirror sync [--config <path>]      # single reconcile pass then exit
//	taskmirror daemon [--config <path>]    # scheduled passes + HA change events
//	taskmirror calendars [--config <path>] # show how calendars pair up
//	taskmirror status [--config <path>]    # show config, cache and checkpoint
//	taskmirror version                     # print version
package main

import "github.com/njoerd114/taskmirror/cmd/taskmirror/cmd"

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cmd.Execute(version)
}
