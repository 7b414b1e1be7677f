package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/workspace"
)

var initWorkspacePath string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace directory tree and a starter config file",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initWorkspacePath, "workspace", "", "workspace root (default ~/.sanduku/workspace)")
}

func runInit(_ *cobra.Command, _ []string) error {
	var ws *workspace.Workspace
	var err error
	if initWorkspacePath != "" {
		ws, err = workspace.New(initWorkspacePath)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return err
	}
	if err := ws.EnsureAll(); err != nil {
		return err
	}

	cfgPath := ws.ConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("workspace ready at %s (config already exists)\n", ws.Root)
		return nil
	}
	if err := os.WriteFile(cfgPath, []byte(config.DefaultYAML), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("workspace initialized at %s\n", ws.Root)
	fmt.Printf("edit %s and run `sanduku server`\n", cfgPath)
	return nil
}
