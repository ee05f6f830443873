package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

const (
	ToolReadFile       = "read_file"
	ToolWriteFile      = "write_file"
	ToolDeleteFile     = "delete_file"
	ToolListFiles      = "list_files"
	ToolExecuteCommand = "execute_command"
	ToolGetContext     = "get_context"
	ToolSaveContext    = "save_context"
	ToolTestBuild      = "test_build"
)

type ReadFileReq struct {
	Path string `json:"path" jsonschema:"description=file path relative to the project directory"`
}

type ReadFileResp struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileReq struct {
	Path    string `json:"path" jsonschema:"description=file path relative to the project directory"`
	Content string `json:"content" jsonschema:"description=complete new file content"`
}

type WriteFileResp struct {
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Created bool   `json:"created"`
}

type DeleteFileReq struct {
	Path string `json:"path" jsonschema:"description=file path relative to the project directory"`
}

type DeleteFileResp struct {
	Path string `json:"path"`
}

type ListFilesReq struct {
	Dir string `json:"dir,omitempty" jsonschema:"description=directory relative to the project directory; defaults to the project root"`
}

type ListFilesResp struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

type ExecuteCommandReq struct {
	Command string `json:"command" jsonschema:"description=shell command run in the project directory"`
}

type ExecuteCommandResp struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

type GetContextReq struct{}

type SaveContextReq struct {
	Semantic   string `json:"semantic,omitempty" jsonschema:"description=what the project is"`
	Procedural string `json:"procedural,omitempty" jsonschema:"description=how the project is built"`
	Episodic   string `json:"episodic,omitempty" jsonschema:"description=what happened in this session"`
}

type SaveContextResp struct {
	Saved bool `json:"saved"`
}

type TestBuildReq struct{}

type TestBuildResp struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

var reflector = &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

// schemaFor reflects the JSON schema of a request type
func schemaFor(v any) json.RawMessage {
	data, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("toolserver: schema for %T: %v", v, err))
	}
	return data
}

// newTool wraps a typed handler. Handler errors become tool errors the agent
// can read, not protocol errors.
func newTool[R any, T any](name, desc string, handler func(ctx context.Context, req R) (*T, error)) server.ServerTool {
	var zero R
	return server.ServerTool{
		Tool: mcp.NewToolWithRawSchema(name, desc, schemaFor(zero)),
		Handler: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var req R
			if err := request.BindArguments(&req); err != nil {
				return nil, err
			}
			var final string
			var isError bool
			if resp, err := handler(ctx, req); err != nil {
				isError = true
				final = err.Error()
			} else if js, err := json.Marshal(resp); err != nil {
				isError = true
				final = err.Error()
			} else {
				final = string(js)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(final)},
				IsError: isError,
			}, nil
		},
	}
}

// projectTools implements the tools for one project
type projectTools struct {
	srv       *Server
	projectID string
}

func (p *projectTools) tools() []server.ServerTool {
	return []server.ServerTool{
		newTool(ToolReadFile, "Read a file from the project sandbox.", p.readFile),
		newTool(ToolWriteFile, "Create or overwrite a file in the project sandbox. Parent directories are created.", p.writeFile),
		newTool(ToolDeleteFile, "Delete a file from the project sandbox.", p.deleteFile),
		newTool(ToolListFiles, "List files below a directory of the project sandbox.", p.listFiles),
		newTool(ToolExecuteCommand, "Run a shell command in the project directory, e.g. npm install.", p.executeCommand),
		newTool(ToolGetContext, "Read the notes and request history kept for this project.", p.getContext),
		newTool(ToolSaveContext, "Save notes about the project. Empty fields keep their previous value.", p.saveContext),
		newTool(ToolTestBuild, "Run the project build and report whether it succeeds.", p.testBuild),
	}
}

// resolve maps a tool path to an absolute sandbox path inside the work dir
func (p *projectTools) resolve(rel string) (string, error) {
	workDir := p.srv.opts.WorkDir
	rel = strings.TrimSpace(rel)
	var abs string
	if path.IsAbs(rel) {
		abs = path.Clean(rel)
	} else {
		abs = path.Join(workDir, rel)
	}
	if abs != workDir && !strings.HasPrefix(abs, workDir+"/") {
		return "", fmt.Errorf("path %q is outside the project directory", rel)
	}
	return abs, nil
}

func (p *projectTools) relative(abs string) string {
	return strings.TrimPrefix(strings.TrimPrefix(abs, p.srv.opts.WorkDir), "/")
}

func (p *projectTools) readFile(ctx context.Context, req ReadFileReq) (*ReadFileResp, error) {
	abs, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	data, err := h.ReadFile(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.Path, err)
	}
	return &ReadFileResp{Path: p.relative(abs), Content: string(data)}, nil
}

func (p *projectTools) writeFile(ctx context.Context, req WriteFileReq) (*WriteFileResp, error) {
	abs, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if abs == p.srv.opts.WorkDir {
		return nil, fmt.Errorf("path is required")
	}
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	kind, err := h.Stat(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", req.Path, err)
	}
	if kind == domain.KindDir {
		return nil, fmt.Errorf("%s is a directory", req.Path)
	}
	if err := h.WriteFile(ctx, abs, []byte(req.Content)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", req.Path, err)
	}

	rel := p.relative(abs)
	ev := events.New(events.FileCreated, fmt.Sprintf("wrote %s", rel))
	ev.Path = rel
	p.srv.emit(p.projectID, ev)
	return &WriteFileResp{Path: rel, Bytes: len(req.Content), Created: kind == domain.KindMissing}, nil
}

func (p *projectTools) deleteFile(ctx context.Context, req DeleteFileReq) (*DeleteFileResp, error) {
	abs, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if abs == p.srv.opts.WorkDir {
		return nil, fmt.Errorf("refusing to delete the project directory")
	}
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	if err := h.DeleteFile(ctx, abs); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", req.Path, err)
	}

	rel := p.relative(abs)
	ev := events.New(events.FileDeleted, fmt.Sprintf("deleted %s", rel))
	ev.Path = rel
	p.srv.emit(p.projectID, ev)
	return &DeleteFileResp{Path: rel}, nil
}

func (p *projectTools) listFiles(ctx context.Context, req ListFilesReq) (*ListFilesResp, error) {
	abs, err := p.resolve(req.Dir)
	if err != nil {
		return nil, err
	}
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	files, err := h.ListFiles(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", req.Dir, err)
	}
	kept := files[:0]
	for _, f := range files {
		if !p.srv.excluded(f) {
			kept = append(kept, f)
		}
	}
	return &ListFilesResp{Dir: p.relative(abs), Files: kept}, nil
}

func (p *projectTools) executeCommand(ctx context.Context, req ExecuteCommandReq) (*ExecuteCommandResp, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	res, err := h.RunCommand(ctx, req.Command, p.srv.opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	ev := events.New(events.CommandExecuted, req.Command)
	p.srv.emit(p.projectID, ev)
	return &ExecuteCommandResp{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

func (p *projectTools) getContext(ctx context.Context, req GetContextReq) (*domain.ProjectContext, error) {
	return p.srv.memory.Load(p.projectID), nil
}

func (p *projectTools) saveContext(ctx context.Context, req SaveContextReq) (*SaveContextResp, error) {
	if err := p.srv.memory.Save(p.projectID, req.Semantic, req.Procedural, req.Episodic); err != nil {
		return nil, err
	}
	return &SaveContextResp{Saved: true}, nil
}

func (p *projectTools) testBuild(ctx context.Context, req TestBuildReq) (*TestBuildResp, error) {
	h, err := p.srv.sessions.Acquire(ctx, p.projectID)
	if err != nil {
		return nil, err
	}
	res, err := h.RunCommand(ctx, p.srv.opts.BuildCommand+" 2>&1", p.srv.opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("running build: %w", err)
	}
	return &TestBuildResp{Success: res.ExitCode == 0, Output: lastLines(res.Combined(), 60)}, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
