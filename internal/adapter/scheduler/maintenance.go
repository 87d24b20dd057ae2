package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"txqueue/internal/txqueue"
)

// DefaultMaintenanceSchedule - расписание обслуживания по умолчанию.
const DefaultMaintenanceSchedule = "@every 10m"

// MaintenanceJobName - имя задачи обслуживания в планировщике.
const MaintenanceJobName = "maintenance"

// Выражения обслуживания для каждого движка.
var (
	SQLiteMaintenance   = []string{"PRAGMA optimize"}
	PostgresMaintenance = []string{"ANALYZE"}
)

// Database - одна база, на которой выполняются служебные выражения.
// Exec возвращает false без ошибки, если база пропущена из-за открытой транзакции.
type Database interface {
	Name() string
	Exec(ctx context.Context, sql string) (bool, error)
}

// Target перечисляет базы для очередного прохода обслуживания.
type Target interface {
	Databases(ctx context.Context) ([]Database, error)
}

// Queue - часть txqueue.Manager, нужная для обслуживания.
type Queue interface {
	OpenDatabases(ctx context.Context) ([]*txqueue.Database, error)
}

// QueueTarget обслуживает базы, открытые через очередь. Выражения встают
// в обычную очередь, поэтому никогда не вклиниваются в выполняющуюся транзакцию.
func QueueTarget(q Queue) Target { return queueTarget{q: q} }

type queueTarget struct{ q Queue }

func (t queueTarget) Databases(ctx context.Context) ([]Database, error) {
	dbs, err := t.q.OpenDatabases(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Database, len(dbs))
	for i, db := range dbs {
		out[i] = queueDatabase{db: db}
	}
	return out, nil
}

type queueDatabase struct{ db *txqueue.Database }

func (d queueDatabase) Name() string { return d.db.Name() }

func (d queueDatabase) Exec(ctx context.Context, sql string) (bool, error) {
	_, err := d.db.ExecuteSQLContext(ctx, sql)
	return err == nil, err
}

// Engine - движок, который удалённые клиенты ведут напрямую через HTTP.
type Engine interface {
	Names() []string
	ExecIdle(ctx context.Context, name, sql string) (bool, error)
}

// EngineTarget обслуживает базы, открытые на движке. Движок исполняет
// выражение под замком базы и пропускает базу с открытой транзакцией,
// поэтому выражение не попадает между BEGIN и COMMIT удалённого клиента.
func EngineTarget(e Engine) Target { return engineTarget{e: e} }

type engineTarget struct{ e Engine }

func (t engineTarget) Databases(context.Context) ([]Database, error) {
	names := t.e.Names()
	out := make([]Database, len(names))
	for i, name := range names {
		out[i] = engineDatabase{e: t.e, name: name}
	}
	return out, nil
}

type engineDatabase struct {
	e    Engine
	name string
}

func (d engineDatabase) Name() string { return d.name }

func (d engineDatabase) Exec(ctx context.Context, sql string) (bool, error) {
	return d.e.ExecIdle(ctx, d.name, sql)
}

// Maintenance выполняет служебные выражения на каждой базе цели.
type Maintenance struct {
	target     Target
	statements []string
	logger     *slog.Logger

	executed atomic.Int64
	skipped  atomic.Int64

	// StatementTimeout ограничивает ожидание одного выражения. База, закрытая
	// между получением списка и выполнением, держит выражение в очереди до
	// следующего открытия, поэтому ожидание нужно ограничить.
	StatementTimeout time.Duration
}

// NewMaintenance создаёт задачу обслуживания.
func NewMaintenance(target Target, statements []string, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		target:           target,
		statements:       statements,
		logger:           logger.With(slog.String("job", MaintenanceJobName)),
		StatementTimeout: 30 * time.Second,
	}
}

// Executed - сколько выражений выполнено за всё время.
func (m *Maintenance) Executed() int64 { return m.executed.Load() }

// Skipped - сколько раз база пропущена из-за открытой транзакции.
func (m *Maintenance) Skipped() int64 { return m.skipped.Load() }

// Run обходит базы цели. Ошибка одной базы не останавливает обход;
// все ошибки возвращаются вместе.
func (m *Maintenance) Run(ctx context.Context) error {
	dbs, err := m.target.Databases(ctx)
	if err != nil {
		return fmt.Errorf("list open databases: %w", err)
	}

	var errs []error
	for _, db := range dbs {
		if err := m.runOne(ctx, db); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	m.logger.Debug("maintenance finished", slog.Int("databases", len(dbs)), slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (m *Maintenance) runOne(ctx context.Context, db Database) error {
	for _, sql := range m.statements {
		sctx, cancel := context.WithTimeout(ctx, m.StatementTimeout)
		ran, err := db.Exec(sctx, sql)
		cancel()
		switch {
		case err == nil && !ran:
			m.skipped.Add(1)
			m.logger.Debug("database busy, maintenance skipped", slog.String("db", db.Name()))
			return nil
		case err == nil:
			m.executed.Add(1)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			m.logger.Warn("maintenance statement timed out", slog.String("db", db.Name()), slog.String("sql", sql))
			return nil
		default:
			return fmt.Errorf("%s: %s: %w", db.Name(), sql, err)
		}
	}
	return nil
}

// Register добавляет задачу обслуживания в планировщик.
func (m *Maintenance) Register(s *Scheduler, schedule string, timeout time.Duration) (JobID, error) {
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}
	return s.Add(schedule, m.Run, JobOptions{
		Name:          MaintenanceJobName,
		Timeout:       timeout,
		OverlapPolicy: SkipIfRunning,
	})
}
