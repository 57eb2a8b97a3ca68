package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job периодическая задача
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Periodic запускает задачи по тикеру. Каждый запуск идет в своей горутине,
// запуск пропускается, если предыдущий еще не завершен.
type Periodic struct {
	logger *slog.Logger
	jobs   []Job

	stop   chan struct{} // Канал для остановки задач
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPeriodic создает набор периодических задач
func NewPeriodic(logger *slog.Logger, jobs ...Job) *Periodic {
	return &Periodic{
		logger: logger,
		jobs:   jobs,
		stop:   make(chan struct{}),
	}
}

// Start запускает фоновые задачи
func (p *Periodic) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, job := range p.jobs {
		p.logger.Info("Запуск фоновой задачи", "job", job.Name, "interval", job.Interval)
		p.wg.Add(1)
		go p.loop(ctx, job)
	}
}

func (p *Periodic) loop(ctx context.Context, job Job) {
	defer p.wg.Done()

	var running atomic.Bool
	var runs sync.WaitGroup
	defer runs.Wait()

	tick := func() {
		if !running.CompareAndSwap(false, true) {
			p.logger.Warn("Предыдущий запуск еще не завершен, пропуск", "job", job.Name)
			return
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			defer running.Store(false)
			if err := job.Run(ctx); err != nil {
				p.logger.Error("Ошибка фоновой задачи", "job", job.Name, "error", err)
			}
		}()
	}

	// Сразу запускаем первую проверку
	if job.RunAtStart {
		tick()
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop останавливает задачи и ждет завершения текущих запусков
func (p *Periodic) Stop() {
	p.once.Do(func() {
		p.logger.Info("Остановка фоновых задач")
		close(p.stop)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}
