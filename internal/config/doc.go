// Package config provides configuration management for the orchestrator.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use: every
// backend defaults to memory, so no external service is needed.
//
// Agents may be declared up front in a YAML file named by AGENTS_FILE:
//
//	agents:
//	  - id: summarizer
//	    kind: anthropic
//	    capabilities: [llm]
//	    max_concurrency: 4
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
