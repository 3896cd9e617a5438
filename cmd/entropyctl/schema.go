package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entropynet/entropy-core/core"
)

// demoTransformSchema builds the canonical Transform component schema used
// by the demo commands (serve/dial/schema) as a stand-in for an
// application-supplied schema catalogue.
func demoTransformSchema(appID string) (core.ComponentSchema, error) {
	props := []core.PropertyDefinition{
		{Name: "position", Type: core.PropertyTypeVec3, ByteOffset: 0, ByteSize: 12},
		{Name: "rotation", Type: core.PropertyTypeQuat, ByteOffset: 12, ByteSize: 16},
		{Name: "scale", Type: core.PropertyTypeVec3, ByteOffset: 28, ByteSize: 12},
	}
	return core.NewComponentSchema(appID, "Transform", 1, props, 40, true)
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and publish component schemas",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "Register the built-in demo schema and print its identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		schema, err := demoTransformSchema(cliConfig.Schema.AppID)
		if err != nil {
			return err
		}
		typeHash, err := schemaRegistry.RegisterSchema(schema)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), schema.CanonicalString())
		fmt.Fprintf(cmd.OutOrStdout(), "typeHash=%s structuralHash=%s public=%t\n",
			typeHash, schema.StructuralHash, schemaRegistry.IsPublic(typeHash))
		return nil
	},
}

var schemaPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the built-in demo schema, making it publicly discoverable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		schema, err := demoTransformSchema(cliConfig.Schema.AppID)
		if err != nil {
			return err
		}
		typeHash, err := schemaRegistry.RegisterSchema(schema)
		if err != nil {
			return err
		}
		if err := schemaRegistry.PublishSchema(typeHash); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", typeHash)
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaListCmd, schemaPublishCmd)
}
