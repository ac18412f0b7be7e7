// Workspace setup hooks for initializing and tearing down jj workspaces.
//
// A segment may carry a .toren.kdl file with two blocks, setup and destroy,
// each an ordered list of actions:
//   - template: render a file with the workspace context
//   - copy:     copy a file or directory into the workspace
//   - share:    symlink truly shared content (package caches, node_modules)
//   - run:      execute a shell command

package workspace

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// ConfigFileName is the per-segment hook configuration file.
const ConfigFileName = ".toren.kdl"

// Action is a single step in a setup or destroy pipeline.
type Action struct {
	Kind    ActionKind
	Src     string
	Dest    string
	From    string
	Command string
	Cwd     string
}

// ActionKind discriminates the action variants.
type ActionKind string

const (
	ActionTemplate ActionKind = "template"
	ActionCopy     ActionKind = "copy"
	ActionShare    ActionKind = "share"
	ActionRun      ActionKind = "run"
)

// HookConfig holds the parsed setup and destroy pipelines.
type HookConfig struct {
	Setup   []Action
	Destroy []Action
}

// ConfigExists reports whether a .toren.kdl exists at the segment root.
func ConfigExists(repoRoot string) bool {
	_, err := os.Stat(filepath.Join(repoRoot, ConfigFileName))
	return err == nil
}

// ParseConfig reads and parses the segment's .toren.kdl. A missing file
// yields an empty config.
func ParseConfig(repoRoot string) (*HookConfig, error) {
	configPath := filepath.Join(repoRoot, ConfigFileName)

	content, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &HookConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	cfg, err := ParseConfigKDL(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	return cfg, nil
}

// ParseConfigKDL parses hook configuration from KDL source.
func ParseConfigKDL(content string) (*HookConfig, error) {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}

	cfg := &HookConfig{}
	for _, node := range doc.Nodes {
		switch node.Name.String() {
		case "setup":
			cfg.Setup, err = parseBlock(node)
		case "destroy":
			cfg.Destroy, err = parseBlock(node)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseBlock(node *document.Node) ([]Action, error) {
	var actions []Action
	for _, child := range node.Children {
		action, err := parseAction(child)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func parseAction(node *document.Node) (Action, error) {
	switch node.Name.String() {
	case "template":
		src := nodeProp(node, "src")
		dest := nodeProp(node, "dest")
		if src == "" || dest == "" {
			return Action{}, fmt.Errorf("template requires src= and dest= attributes")
		}
		return Action{Kind: ActionTemplate, Src: src, Dest: dest}, nil

	case "copy":
		src := nodeProp(node, "src")
		if src == "" {
			return Action{}, fmt.Errorf("copy requires src= attribute")
		}
		dest := nodeProp(node, "dest")
		if dest == "" {
			dest = defaultDest(src)
		}
		return Action{Kind: ActionCopy, Src: src, Dest: dest, From: nodeProp(node, "from")}, nil

	case "share":
		src := nodeProp(node, "src")
		if src == "" {
			return Action{}, fmt.Errorf("share requires src= attribute")
		}
		return Action{Kind: ActionShare, Src: src, From: nodeProp(node, "from")}, nil

	case "run":
		if len(node.Arguments) == 0 {
			return Action{}, fmt.Errorf("run requires a command argument")
		}
		command := node.Arguments[0].ValueString()
		return Action{Kind: ActionRun, Command: command, Cwd: nodeProp(node, "cwd")}, nil

	default:
		return Action{}, fmt.Errorf("unknown action type: %s", node.Name.String())
	}
}

func nodeProp(node *document.Node, name string) string {
	if v, ok := node.Properties.Get(name); ok {
		return v.ValueString()
	}
	return ""
}

// defaultDest derives a copy destination from src: relative paths are
// used as-is, absolute paths reduce to their basename.
func defaultDest(src string) string {
	if filepath.IsAbs(src) {
		return filepath.Base(src)
	}
	return src
}

// Context is the data available to template actions.
type Context struct {
	Ws   WorkspaceInfo
	Repo RepoInfo
}

// WorkspaceInfo describes the workspace being set up.
type WorkspaceInfo struct {
	Name string
	Num  int
	Path string
}

// RepoInfo describes the segment repository.
type RepoInfo struct {
	Root string
	Name string
}

func (c *Context) templateData() map[string]any {
	return map[string]any{
		"ws": map[string]any{
			"name": c.Ws.Name,
			"num":  c.Ws.Num,
			"path": c.Ws.Path,
		},
		"repo": map[string]any{
			"root": c.Repo.Root,
			"name": c.Repo.Name,
		},
	}
}

// renderString renders a template string against the workspace context.
func renderString(tmpl string, ctx *Context) (string, error) {
	t, err := template.New("inline").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, ctx.templateData()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Setup executes hook pipelines for one workspace.
type Setup struct {
	repoRoot      string
	workspacePath string
	workspaceName string
	ancillaryNum  int
	logger        *logger.Logger
}

// NewSetup creates a hook pipeline executor for a workspace.
func NewSetup(repoRoot, workspacePath, workspaceName string, ancillaryNum int, log *logger.Logger) *Setup {
	if log == nil {
		log = logger.Default()
	}
	return &Setup{
		repoRoot:      repoRoot,
		workspacePath: workspacePath,
		workspaceName: workspaceName,
		ancillaryNum:  ancillaryNum,
		logger:        log.WithFields(zap.String("component", "workspace-setup")),
	}
}

func (s *Setup) buildContext() *Context {
	return &Context{
		Ws: WorkspaceInfo{
			Name: s.workspaceName,
			Num:  s.ancillaryNum,
			Path: s.workspacePath,
		},
		Repo: RepoInfo{
			Root: s.repoRoot,
			Name: filepath.Base(s.repoRoot),
		},
	}
}

// RunSetup executes the setup block. Any failing action aborts the pipeline.
func (s *Setup) RunSetup() error {
	cfg, err := ParseConfig(s.repoRoot)
	if err != nil {
		return err
	}
	if len(cfg.Setup) == 0 {
		s.logger.Debug("no setup actions defined")
		return nil
	}

	s.logger.Info("running workspace setup",
		zap.String("workspace", s.workspaceName),
		zap.String("path", s.workspacePath))
	return s.executeActions(cfg.Setup)
}

// RunDestroy executes the destroy block.
func (s *Setup) RunDestroy() error {
	cfg, err := ParseConfig(s.repoRoot)
	if err != nil {
		return err
	}
	if len(cfg.Destroy) == 0 {
		s.logger.Debug("no destroy actions defined")
		return nil
	}

	s.logger.Info("running workspace destroy",
		zap.String("workspace", s.workspaceName),
		zap.String("path", s.workspacePath))
	return s.executeActions(cfg.Destroy)
}

func (s *Setup) executeActions(actions []Action) error {
	ctx := s.buildContext()
	for i, action := range actions {
		if err := s.executeAction(action, ctx); err != nil {
			return fmt.Errorf("action %d (%s) failed: %w", i+1, action.Kind, err)
		}
	}
	return nil
}

func (s *Setup) executeAction(action Action, ctx *Context) error {
	switch action.Kind {
	case ActionTemplate:
		return s.executeTemplate(action, ctx)
	case ActionCopy:
		return s.executeCopy(action, ctx)
	case ActionShare:
		return s.executeShare(action, ctx)
	case ActionRun:
		return s.executeRun(action)
	default:
		return fmt.Errorf("unknown action kind: %s", action.Kind)
	}
}

func (s *Setup) executeTemplate(action Action, ctx *Context) error {
	srcPath := filepath.Join(s.repoRoot, action.Src)
	destPath := filepath.Join(s.workspacePath, action.Dest)

	content, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", srcPath, err)
	}

	rendered, err := renderString(string(content), ctx)
	if err != nil {
		return fmt.Errorf("failed to render template %s: %w", action.Src, err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(destPath, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}

	s.logger.Info("template applied", zap.String("src", action.Src), zap.String("dest", action.Dest))
	return nil
}

func (s *Setup) executeCopy(action Action, ctx *Context) error {
	srcPath, err := s.resolveSource(action.Src, action.From, ctx)
	if err != nil {
		return err
	}
	destPath := filepath.Join(s.workspacePath, action.Dest)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	if err := copyTree(srcPath, destPath); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", srcPath, destPath, err)
	}

	s.logger.Info("copied", zap.String("src", srcPath), zap.String("dest", action.Dest))
	return nil
}

func (s *Setup) executeShare(action Action, ctx *Context) error {
	srcPath, err := s.resolveSource(action.Src, action.From, ctx)
	if err != nil {
		return err
	}
	destPath := filepath.Join(s.workspacePath, action.Src)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	if err := os.Symlink(srcPath, destPath); err != nil {
		return fmt.Errorf("failed to symlink %s -> %s: %w", destPath, srcPath, err)
	}

	s.logger.Info("shared", zap.String("link", destPath), zap.String("target", srcPath))
	return nil
}

// resolveSource resolves an action source path: when from= is given it is
// rendered as a template and joined with src, otherwise src is taken
// relative to the repo root.
func (s *Setup) resolveSource(src, from string, ctx *Context) (string, error) {
	if from == "" {
		return filepath.Join(s.repoRoot, src), nil
	}
	rendered, err := renderString(from, ctx)
	if err != nil {
		return "", fmt.Errorf("failed to render from attribute: %w", err)
	}
	return filepath.Join(rendered, src), nil
}

func (s *Setup) executeRun(action Action) error {
	workDir := s.workspacePath
	if action.Cwd != "" {
		workDir = filepath.Join(s.workspacePath, action.Cwd)
	}

	s.logger.Info("running command", zap.String("command", action.Command), zap.String("cwd", workDir))

	cmd := exec.Command("sh", "-c", action.Command)
	cmd.Dir = workDir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %s\nstdout: %s\nstderr: %s",
			action.Command, stdout.String(), stderr.String())
	}

	for _, line := range strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n") {
		if line != "" {
			s.logger.Debug("command output", zap.String("line", line))
		}
	}
	return nil
}

// copyTree recursively copies a file or directory, preserving symlinks
// and file modes.
func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)

	case info.IsDir():
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil

	default:
		return copyFile(src, dest, info.Mode().Perm())
	}
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
