package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию задачи планировщика.
type JobFunc func(ctx context.Context) error

// JobID представляет идентификатор задачи.
type JobID = cron.EntryID

// OverlapPolicy определяет, что делать, если предыдущий запуск ещё идёт.
type OverlapPolicy int

const (
	// SkipIfRunning пропускает запуск, если задача уже выполняется (по умолчанию).
	SkipIfRunning OverlapPolicy = iota
	// DelayIfRunning ждёт завершения предыдущего запуска.
	DelayIfRunning
	// AllowOverlap разрешает параллельные запуски.
	AllowOverlap
)

// JobOptions содержит опции задачи.
type JobOptions struct {
	// Name - имя задачи для логов и RunNow.
	Name string
	// Timeout ограничивает один запуск.
	Timeout time.Duration
	// OverlapPolicy - политика перекрытий.
	OverlapPolicy OverlapPolicy
}

// JobHooks содержит необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
}

type job struct {
	fn      JobFunc
	options JobOptions
	running sync.Mutex
}

// parser принимает расписания из пяти или шести полей и дескрипторы вроде @every 10m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger передаёт сообщения cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func attrs(keysAndValues []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, slog.Any(key, keysAndValues[i+1]))
	}
	return out
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	a := append([]slog.Attr{slog.Any("error", err)}, attrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, a...)
}

// Scheduler запускает фоновые задачи по cron-расписанию.
type Scheduler struct {
	cron   *cron.Cron
	clog   cronLogger
	logger *slog.Logger
	hooks  JobHooks
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создаёт планировщик, который живёт до отмены parent или вызова Stop.
func New(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	clog := cronLogger{logger: logger}

	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(clog)),
		clog:   clog,
		logger: logger,
		hooks:  cfg.JobHooks,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// ValidateSchedule проверяет расписание без добавления задачи.
func ValidateSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

// Add добавляет задачу по расписанию. Примеры расписаний:
//   - "@every 10m" - каждые 10 минут
//   - "0 3 * * *" - каждый день в 03:00
//   - "*/30 * * * * *" - каждые 30 секунд
func (s *Scheduler) Add(schedule string, fn JobFunc, opts JobOptions) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	j := &job{fn: fn, options: opts}

	var chain cron.Chain
	switch opts.OverlapPolicy {
	case DelayIfRunning:
		chain = cron.NewChain(cron.DelayIfStillRunning(s.clog))
	case AllowOverlap:
		chain = cron.NewChain()
	default:
		chain = cron.NewChain(cron.SkipIfStillRunning(s.clog))
	}

	id, err := s.cron.AddJob(schedule, chain.Then(cron.FuncJob(func() { s.run(j) })))
	if err != nil {
		return 0, fmt.Errorf("add job %s (%q): %w", opts.Name, schedule, err)
	}

	s.mu.Lock()
	s.jobs[opts.Name] = j
	s.mu.Unlock()

	s.logger.Info("job added", slog.String("name", opts.Name), slog.String("schedule", schedule), slog.Int("id", int(id)))
	return id, nil
}

// Remove удаляет задачу по идентификатору.
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
}

// RunNow синхронно выполняет задачу по имени вне расписания.
// Политика перекрытий SkipIfRunning соблюдается: занятая задача не запускается.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.run(j)
}

// Start запускает планировщик. Повторный вызов ничего не делает.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждёт текущие запуски.
func (s *Scheduler) Stop() {
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext останавливает планировщик, ожидая не дольше дедлайна ctx.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning возвращает true, пока планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

// run выполняет один запуск задачи с таймаутом, хуками и восстановлением после паники.
func (s *Scheduler) run(j *job) (err error) {
	if !s.IsRunning() {
		return context.Canceled
	}
	switch j.options.OverlapPolicy {
	case SkipIfRunning:
		if !j.running.TryLock() {
			s.logger.Debug("skipping job, already running", slog.String("name", j.options.Name))
			return nil
		}
		defer j.running.Unlock()
	case DelayIfRunning:
		j.running.Lock()
		defer j.running.Unlock()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	name := j.options.Name
	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	ctx := s.ctx
	if j.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.options.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		duration := time.Since(start)
		if s.hooks.OnJobFinish != nil {
			s.hooks.OnJobFinish(name, duration, err)
		}
		if err != nil {
			s.logger.Error("job failed", slog.String("name", name), slog.Any("error", err), slog.Duration("duration", duration))
			return
		}
		s.logger.Debug("job completed", slog.String("name", name), slog.Duration("duration", duration))
	}()

	return j.fn(ctx)
}
