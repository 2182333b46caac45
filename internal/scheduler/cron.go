// Package scheduler 管理网关的周期性维护任务（记录保留清理、限流键清扫）。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job 是一个维护任务
type Job func(ctx context.Context) error

// CronManager 管理命名的定时任务
type CronManager struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID // 任务名 -> cron 条目
	jobs    map[string]Job
}

// NewCronManager 创建一个新的 CronManager，表达式支持秒级字段
func NewCronManager(logger *logrus.Logger) *CronManager {
	return &CronManager{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]Job),
	}
}

// Start 启动调度器
func (cm *CronManager) Start() {
	cm.cron.Start()
	cm.logger.WithField("jobs", len(cm.Jobs())).Info("Cron manager started")
}

// AddJob 添加或替换一个命名任务。
//
// 参数:
//   - name: 任务名，同名任务会被替换
//   - spec: cron 表达式（6 段，含秒）或 @every 描述符
//   - job: 任务函数，返回的错误只记录日志
//
// 返回:
//   - error: 表达式无法解析
func (cm *CronManager) AddJob(name, spec string, job Job) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
		delete(cm.jobs, name)
	}

	entryID, err := cm.cron.AddFunc(spec, func() {
		cm.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	cm.entries[name] = entryID
	cm.jobs[name] = job
	cm.logger.WithFields(logrus.Fields{"job": name, "cron": spec}).Debug("Cron job registered")
	return nil
}

// RemoveJob 移除命名任务
func (cm *CronManager) RemoveJob(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
		delete(cm.jobs, name)
	}
}

// RunNow 立即同步执行一次命名任务
func (cm *CronManager) RunNow(name string) error {
	cm.mu.Lock()
	job, ok := cm.jobs[name]
	cm.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %s not found", name)
	}
	return job(context.Background())
}

// Jobs 返回已注册的任务名（已排序）
func (cm *CronManager) Jobs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	names := make([]string, 0, len(cm.jobs))
	for name := range cm.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cm *CronManager) run(name string, job Job) {
	defer func() {
		if p := recover(); p != nil {
			cm.logger.WithField("job", name).Errorf("Cron job panicked: %v", p)
		}
	}()
	if err := job(context.Background()); err != nil {
		cm.logger.WithError(err).WithField("job", name).Error("Cron job failed")
	}
}

// Stop 停止调度器并等待正在执行的任务结束，ctx 到期时提前返回
func (cm *CronManager) Stop(ctx context.Context) {
	done := cm.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	cm.logger.Info("Cron manager stopped")
}
