package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aescanero/agentflow/internal/application/graph"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/aescanero/agentflow/pkg/adapters/parser/bpmn"
	"github.com/aescanero/agentflow/pkg/adapters/parser/yaml"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a process definition",
		Long: `Parse a process definition file and run the structural checks applied on deploy.
The format is taken from --format or from the file extension
(.bpmn and .xml are BPMN, .json is JSON, anything else is YAML).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0], format)
			if err != nil {
				return err
			}
			if err := graph.NewValidator().Validate(def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d nodes)\n", def.Key, len(def.Nodes))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "definition format: bpmn, yaml or json")
	return cmd
}

func loadDefinition(path, format string) (*domain.ProcessDefinition, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	parser, err := parserFor(path, format)
	if err != nil {
		return nil, err
	}
	parsed, err := parser.Parse(source)
	if err != nil {
		return nil, err
	}

	key := parsed.Key
	if key == "" {
		key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &domain.ProcessDefinition{
		Key:   key,
		Name:  parsed.Name,
		Nodes: parsed.Nodes,
	}, nil
}

func parserFor(path, format string) (ports.GraphParser, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".bpmn", ".xml":
			format = bpmn.Format
		case ".json":
			format = yaml.FormatJSON
		default:
			format = yaml.FormatYAML
		}
	}

	switch strings.ToLower(format) {
	case bpmn.Format:
		return bpmn.NewParser(), nil
	case yaml.FormatJSON:
		return yaml.NewJSONParser(), nil
	case yaml.FormatYAML:
		return yaml.NewParser(), nil
	default:
		return nil, fmt.Errorf("unsupported definition format: %s", format)
	}
}
