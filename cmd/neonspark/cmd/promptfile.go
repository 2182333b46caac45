package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// readPromptFile 读取提示词文件，去掉首尾空白
func readPromptFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return prompt, nil
}

// promptWatcher 监听提示词文件，文件被写入时回调新内容
type promptWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// newPromptWatcher 创建监听器。
// 监听的是文件所在目录，编辑器"写临时文件再重命名"的保存方式也能被捕获。
func newPromptWatcher(path string) (*promptWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	return &promptWatcher{path: path, watcher: watcher}, nil
}

// Run 阻塞直到 ctx 结束。onChange 返回错误时停止监听并返回该错误。
func (p *promptWatcher) Run(ctx context.Context, onChange func(prompt string) error, onError func(err error)) error {
	defer p.watcher.Close()

	target := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-p.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			prompt, err := readPromptFile(p.path)
			if err != nil {
				// 保存过程中可能读到空文件，等下一次写入
				onError(err)
				continue
			}
			if err := onChange(prompt); err != nil {
				return err
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil
			}
			onError(err)
		}
	}
}
