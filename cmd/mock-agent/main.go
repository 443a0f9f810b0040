// Package main is a mock coding agent speaking the ACP stdio protocol:
// NDJSON JSON-RPC 2.0 on stdin/stdout. It echoes prompts back as message
// chunks and supports scripted tool-call and permission scenarios, so the
// gateway's ACP adapter can be exercised without a real agent.
//
// Configure it as the ACP family's command:
//
//	adapters:
//	  acpCommand: ["mock-agent"]
package main

import (
	"bufio"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envOr("MOCK_AGENT_LOG_LEVEL", "info"),
		Format:     "text",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	agent := newAgent(os.Stdout, log)
	log.Info("mock agent started", zap.Int("pid", os.Getpid()))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		agent.HandleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn("stdin read failed", zap.Error(err))
	}
	log.Info("stdin closed, exiting")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
