package main

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

type stubExecutor struct {
	got   runner.Request
	store *artifact.MemoryStore
	kind  sandbox.OutcomeKind
}

func (s *stubExecutor) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	s.got = req
	url, err := s.store.Put(ctx, artifact.OutputKey("r1"), []byte("42\n"), artifact.ContentTypeText)
	if err != nil {
		return nil, err
	}
	return &runner.Result{RunID: "r1", Status: "done", OutputURL: url, Outcome: s.kind}, nil
}

func callTool(t *testing.T, exec executor, store artifact.Store, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = "code_run"
	req.Params.Arguments = args
	res, err := codeRunHandler(exec, store, "")(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestCodeRunTool(t *testing.T) {
	store := artifact.NewMemoryStore("")
	exec := &stubExecutor{store: store, kind: sandbox.Success}

	res := callTool(t, exec, store, map[string]any{"code": "print(42)"})
	if res.IsError {
		t.Errorf("successful run reported as error")
	}
	text := resultText(t, res)
	if !strings.HasPrefix(text, "42\n") || !strings.Contains(text, "run: r1") {
		t.Errorf("text = %q", text)
	}
	if exec.got.Filename != "main.py" || string(exec.got.Data) != "print(42)" || exec.got.Entry != "main.py" {
		t.Errorf("request = %+v", exec.got)
	}
}

func TestCodeRunToolFailureIsError(t *testing.T) {
	store := artifact.NewMemoryStore("")
	exec := &stubExecutor{store: store, kind: sandbox.Failure}
	if res := callTool(t, exec, store, map[string]any{"code": "raise SystemExit(1)"}); !res.IsError {
		t.Error("failed program should be reported as a tool error")
	}
}

func TestCodeRunToolRequiresCode(t *testing.T) {
	store := artifact.NewMemoryStore("")
	exec := &stubExecutor{store: store}
	res := callTool(t, exec, store, map[string]any{"filename": "x.py"})
	if !res.IsError || !strings.Contains(resultText(t, res), "'code' is required") {
		t.Errorf("result = %+v", res)
	}
	if exec.got.Filename != "" {
		t.Error("pipeline should not run without code")
	}
}

func payloadFiles(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = string(b)
	}
	return files
}

func TestToolPayloadWithRequirements(t *testing.T) {
	name, data, err := toolPayload("import requests", "fetch.py", "requests\n", "")
	if err != nil {
		t.Fatal(err)
	}
	if name != "code.zip" {
		t.Errorf("name = %q", name)
	}
	files := payloadFiles(t, data)
	if files["fetch.py"] != "import requests" || files["requirements.txt"] != "requests\n" {
		t.Errorf("files = %v", files)
	}
}

func TestToolPayloadUsesConfiguredManifest(t *testing.T) {
	_, data, err := toolPayload("import requests", "", "requests\n", "deps.txt")
	if err != nil {
		t.Fatal(err)
	}
	files := payloadFiles(t, data)
	if files["deps.txt"] != "requests\n" || files["main.py"] != "import requests" {
		t.Errorf("files = %v", files)
	}
	if _, ok := files["requirements.txt"]; ok {
		t.Error("manifest written under the default name")
	}
}

func TestToolPayloadWithoutRequirements(t *testing.T) {
	name, data, err := toolPayload("print(1)", "tool.py", "  ", "deps.txt")
	if err != nil {
		t.Fatal(err)
	}
	if name != "tool.py" || string(data) != "print(1)" {
		t.Errorf("payload = %q %q", name, data)
	}
}

func TestEntryFor(t *testing.T) {
	tests := map[string]string{
		"":              "main.py",
		"tool.py":       "tool.py",
		"../../etc.py":  "etc.py",
		"notes.txt":     "main.py",
		"  spaced.py  ": "spaced.py",
	}
	for in, want := range tests {
		if got := entryFor(in); got != want {
			t.Errorf("entryFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSweepInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{30 * time.Second, time.Minute},
		{30 * time.Minute, 15 * time.Minute},
		{72 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		if got := sweepInterval(tt.retention); got != tt.want {
			t.Errorf("sweepInterval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}
