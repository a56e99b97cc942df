package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps what read_file returns to the model.
const maxReadBytes = 50 * 1024

// FileTools provides file access confined to a workspace directory.
type FileTools struct {
	root string
}

// NewFileTools creates file tools rooted at workspacePath.
// If workspacePath is empty, the file effectors are not registered.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{root: workspacePath}
}

// Enabled returns true if a workspace is configured.
func (ft *FileTools) Enabled() bool {
	return ft.root != ""
}

// Root returns the configured workspace path.
func (ft *FileTools) Root() string {
	return ft.root
}

// resolvePath maps path into the workspace. Relative paths are joined
// to the root; absolute paths must already lie inside it. Anything that
// escapes the root, including a sibling directory sharing its prefix,
// is rejected.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.root == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	if strings.TrimSpace(path) == "" {
		path = "."
	}

	root, err := filepath.Abs(ft.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Read returns a file's contents, truncated for the model.
func (ft *FileTools) Read(_ context.Context, path string) (string, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated ...]"
	}
	return content, nil
}

// Write writes content to a file, creating parent directories as needed.
func (ft *FileTools) Write(_ context.Context, path, content string) error {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if abs == ft.mustRoot() {
		return fmt.Errorf("file_path is required")
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List lists a directory. Subdirectories carry a trailing slash.
func (ft *FileTools) List(_ context.Context, path string) ([]string, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

func (ft *FileTools) mustRoot() string {
	root, _ := filepath.Abs(ft.root)
	return root
}

// RegisterFiles adds read_file, write_file and list_files.
func (r *Registry) RegisterFiles(ft *FileTools) {
	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Properties: map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path relative to the workspace root",
			},
		},
		Required: []string{"file_path"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			if path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			return ft.Read(ctx, path)
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write a text file in the workspace, replacing any existing content. Parent directories are created.",
		Properties: map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path relative to the workspace root",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The full file content",
			},
		},
		Required: []string{"file_path", "content"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			if err := ft.Write(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_files",
		Description: "List the files in a workspace directory. Directories end with a slash.",
		Properties: map[string]any{
			"dir_path": map[string]any{
				"type":        "string",
				"description": "Directory relative to the workspace root; empty for the root",
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["dir_path"].(string)
			names, err := ft.List(ctx, path)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	})
}
