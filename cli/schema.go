package main

import (
	"fmt"
	"io"

	"crashmill/processor/schema"

	"github.com/spf13/cobra"
)

var schemaFlags struct {
	dir         string
	permissions []string
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the processed crash fields visible with a set of permissions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printSchemaKeys(cmd.OutOrStdout(), schemaFlags.dir, schemaFlags.permissions)
	},
}

func init() {
	f := schemaCmd.Flags()
	f.StringVar(&schemaFlags.dir, "schema-dir", "", "Directory with schema documents, the embedded ones when empty")
	f.StringSliceVar(&schemaFlags.permissions, "permission", []string{"public"}, "Permissions the reader has")
}

func printSchemaKeys(out io.Writer, dir string, permissions []string) error {
	registry := schema.Default()
	if len(dir) != 0 {
		registry = schema.Dir(dir)
	}
	processed, err := registry.LoadResolved(schema.ProcessedCrash)
	if err != nil {
		return err
	}

	visible, err := schema.Transform(processed, schema.PermissionsFilter(permissions...))
	if err != nil {
		return err
	}
	for _, key := range schema.FlattenKeys(visible) {
		fmt.Fprintln(out, key)
	}
	return nil
}
