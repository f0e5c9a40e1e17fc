package main

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/deps"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

const defaultToolFilename = "main.py"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP on stdio",
	Long: `Serve a Model Context Protocol server on stdin/stdout with one tool,
code_run, which submits Python code through the same pipeline as the HTTP API.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := server.NewMCPServer("runbox", "0.1.0")
	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Run Python code in a fresh workspace limited to %d seconds. "+
			"Dependencies listed in requirements are installed into a private virtualenv first.",
			cfg.Runner.MaxRunSeconds),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to execute",
				},
				"filename": map[string]any{
					"type":        "string",
					"description": "File name for the code (default main.py)",
				},
				"requirements": map[string]any{
					"type":        "string",
					"description": "Contents of the dependency manifest, in requirements.txt format (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, codeRunHandler(a.runner, a.artifacts, cfg.Runner.Manifest))

	return server.ServeStdio(s)
}

type executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

func codeRunHandler(exec executor, artifacts artifact.Store, manifest string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, _ := args["code"].(string)
		filename, _ := args["filename"].(string)
		requirements, _ := args["requirements"].(string)
		if code == "" {
			return errResult("error: 'code' is required"), nil
		}

		name, data, err := toolPayload(code, filename, requirements, manifest)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		res, err := exec.Run(ctx, runner.Request{Filename: name, Data: data, Entry: entryFor(filename)})
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		text, _, err := artifacts.Get(ctx, artifact.OutputKey(res.RunID))
		if err != nil {
			return errResult(fmt.Sprintf("error: fetching output: %v", err)), nil
		}

		var out strings.Builder
		out.Write(text)
		fmt.Fprintf(&out, "\n\nrun: %s\noutput: %s\nbundle: %s", res.RunID, res.OutputURL, res.BundleURL)

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: out.String()}},
			IsError: res.Outcome != sandbox.Success,
		}, nil
	}
}

// toolPayload turns tool arguments into an upload. Code with requirements is
// packed into a zip so the manifest, named as the runner expects, lands next
// to it.
func toolPayload(code, filename, requirements, manifest string) (string, []byte, error) {
	filename = entryFor(filename)
	if manifest == "" {
		manifest = deps.DefaultManifest
	}
	if strings.TrimSpace(requirements) == "" {
		return filename, []byte(code), nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct{ name, body string }{
		{filename, code},
		{manifest, requirements},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return "", nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return "", nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return "", nil, err
	}
	return "code.zip", buf.Bytes(), nil
}

func entryFor(filename string) string {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "." || filename == "/" || !strings.HasSuffix(filename, ".py") {
		return defaultToolFilename
	}
	return filename
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
