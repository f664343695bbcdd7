/*
Package main is the entry point for assistctl, the operator CLI for the AI
conversation engine.

Usage:

	assistctl [command]

Available Commands:

	chat      Talk to the AI assistant in an interactive session
	events    List or show AI lifecycle events
	handoff   Hand a conversation off to a human agent
	feedback  Rate an AI reply
	train     Train a knowledge base
	agent     Manage AI agent configuration
	kb        Manage knowledge bases
	webhook   Register webhook subscriptions
	migrate   Apply the database schema
*/
package main

import (
	"fmt"
	"os"

	"github.com/supportcrm/backend/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := cli.NewRootCmd(fmt.Sprintf("%s (commit: %s)", version, commit))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
