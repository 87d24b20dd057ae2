package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
	"txqueue/pkg/retry"
)

// savepointName - точка сохранения вокруг выражения внутри транзакции.
// Ошибка выражения в PostgreSQL переводит транзакцию в состояние aborted,
// откат к точке сохранения возвращает её в рабочее состояние.
const savepointName = "txqueue_stmt"

// maxIdentifierLen - предел длины идентификатора PostgreSQL (NAMEDATALEN-1)
const maxIdentifierLen = 63

// Config содержит настройки движка PostgreSQL.
type Config struct {
	// DSN - строка подключения к сервисной базе, от неё строятся строки подключения баз
	DSN string
	// Pool - настройки пула одной базы
	Pool PoolOptions
	// MigrationsPath - источник миграций golang-migrate, пусто - без миграций
	MigrationsPath string
	// CreateMissing - создавать базу при открытии, если её нет
	CreateMissing bool
	// Retry - повторы выражения вне транзакции при 40001/40P01
	Retry retry.Config
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:           dsn,
		Pool:          DefaultPoolOptions(),
		CreateMissing: true,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Engine исполняет пакеты выражений в базах PostgreSQL. Имя базы txqueue -
// имя базы на сервере; location проверяется, но на размещение не влияет.
type Engine struct {
	cfg    Config
	admin  *pgxpool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*handle
}

var _ bridge.Bridge = (*Engine)(nil)

// NewEngine подключается к сервисной базе.
func NewEngine(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsnCfg, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("pg dsn: %w", err), shared.KindValidation)
	}
	if err := ValidateConfig(dsnCfg); err != nil {
		return nil, shared.MarkKind(fmt.Errorf("pg dsn: %w", err), shared.KindValidation)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultConfig(cfg.DSN).Retry
	}
	if cfg.Pool.MaxConns == 0 {
		cfg.Pool = DefaultPoolOptions()
	}

	admin, err := NewPool(ctx, cfg.DSN, AdminPoolOptions())
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("connect admin database: %w", err), shared.KindDependencyFailure)
	}

	return &Engine{
		cfg:    cfg,
		admin:  admin,
		logger: logger.With(slog.String("component", "pg")),
		open:   make(map[string]*handle),
	}, nil
}

func validateName(name string, loc bridge.Location) error {
	if name == "" || len(name) > maxIdentifierLen || strings.ContainsRune(name, 0) {
		return shared.Markf(shared.KindValidation, "invalid database name %q", name)
	}
	_, err := bridge.ParseLocation(string(loc))
	return err
}

func (e *Engine) exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := e.admin.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&ok)
	if err != nil {
		return false, shared.MarkKind(fmt.Errorf("check database %s: %w", name, err), shared.KindDependencyFailure)
	}
	return ok, nil
}

// Open подключается к базе, при необходимости создаёт её и применяет миграции.
func (e *Engine) Open(ctx context.Context, name string, loc bridge.Location) error {
	if err := validateName(name, loc); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.open[name]; ok {
		return shared.Markf(shared.KindConflict, "database %s is already open", name)
	}

	ok, err := e.exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		if !e.cfg.CreateMissing {
			return shared.Markf(shared.KindNotFound, "database %s does not exist", name)
		}
		_, err := e.admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
		if err != nil && !hasSQLState(err, codeDuplicateDatabase) {
			return shared.MarkKind(fmt.Errorf("create database %s: %w", name, err), shared.KindDependencyFailure)
		}
		e.logger.Info("database created", slog.String("db", name))
	}

	dsn, err := WithDatabase(e.cfg.DSN, name)
	if err != nil {
		return shared.MarkKind(err, shared.KindValidation)
	}

	if e.cfg.MigrationsPath != "" {
		info, err := ApplyMigrations(dsn, e.cfg.MigrationsPath)
		if err != nil {
			return shared.MarkKind(fmt.Errorf("open %s: %w", name, err), shared.KindDependencyFailure)
		}
		if info.Applied {
			e.logger.Info("migrations applied", slog.String("db", name), slog.Uint64("version", uint64(info.FinalVersion)))
		}
	}

	h, err := openHandle(ctx, name, dsn, e.cfg.Pool)
	if err != nil {
		if hasSQLState(err, codeInvalidCatalogName) {
			return shared.MarkKind(fmt.Errorf("unable to open database %s: %w", name, err), shared.KindNotFound)
		}
		return shared.MarkKind(fmt.Errorf("unable to open database %s: %w", name, err), shared.KindDependencyFailure)
	}

	e.open[name] = h
	e.logger.Info("database opened", slog.String("db", name))
	return nil
}

// Close отключается от базы.
func (e *Engine) Close(_ context.Context, name string) error {
	e.mu.Lock()
	h, ok := e.open[name]
	delete(e.open, name)
	e.mu.Unlock()

	if !ok {
		return shared.Markf(shared.KindNotFound, "database %s was not open", name)
	}
	h.close()
	e.logger.Info("database closed", slog.String("db", name))
	return nil
}

// Delete удаляет базу с сервера, предварительно отключившись от неё.
func (e *Engine) Delete(ctx context.Context, name string, loc bridge.Location) error {
	if err := validateName(name, loc); err != nil {
		return err
	}

	e.mu.Lock()
	h, ok := e.open[name]
	delete(e.open, name)
	e.mu.Unlock()
	if ok {
		h.close()
	}

	exists, err := e.exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return shared.Markf(shared.KindNotFound, "database %s does not exist", name)
	}

	if _, err := e.admin.Exec(ctx, "DROP DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return shared.MarkKind(fmt.Errorf("unable to delete database %s: %w", name, err), shared.KindDependencyFailure)
	}
	e.logger.Info("database deleted", slog.String("db", name))
	return nil
}

// IsOpen сообщает, открыта ли база.
func (e *Engine) IsOpen(_ context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[name]
	return ok, nil
}

// Names возвращает имена открытых баз.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.open))
	for name := range e.open {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteBatch исполняет выражения по порядку на закреплённом соединении базы.
func (e *Engine) ExecuteBatch(ctx context.Context, name string, batch []bridge.Request) ([]bridge.Outcome, error) {
	e.mu.Lock()
	h, ok := e.open[name]
	e.mu.Unlock()
	if !ok {
		return nil, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	outcomes := make([]bridge.Outcome, 0, len(batch))
	for _, req := range batch {
		outcomes = append(outcomes, h.execute(ctx, req, e.cfg.Retry))
	}
	return outcomes, nil
}

// ExecIdle исполняет служебное выражение, если на соединении базы нет открытой
// транзакции. false без ошибки - база пропущена.
func (e *Engine) ExecIdle(ctx context.Context, name, sql string) (bool, error) {
	e.mu.Lock()
	h, ok := e.open[name]
	e.mu.Unlock()
	if !ok {
		return false, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return false, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}
	if h.inTx() {
		return false, nil
	}

	o := h.execute(ctx, bridge.Request{SQL: sql}, e.cfg.Retry)
	if o.Tag == bridge.TagError {
		return true, o.Err
	}
	return true, nil
}

// CloseAll отключается от всех баз и сервисной базы.
func (e *Engine) CloseAll() error {
	e.mu.Lock()
	handles := e.open
	e.open = make(map[string]*handle)
	e.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
	e.admin.Close()
	return nil
}

// Ping проверяет сервисное соединение.
func (e *Engine) Ping(ctx context.Context) error {
	return HealthCheckPool(ctx, e.admin)
}

type handle struct {
	name string
	pool *pgxpool.Pool

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func openHandle(ctx context.Context, name, dsn string, opts PoolOptions) (*handle, error) {
	pool, err := NewPool(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("database probe failed: %w", err)
	}

	return &handle{name: name, pool: pool, conn: conn}, nil
}

func (h *handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return
	}
	h.conn.Release()
	h.conn = nil
	h.pool.Close()
}

// inTx сообщает, что на соединении открыта транзакция.
func (h *handle) inTx() bool {
	status := h.conn.Conn().PgConn().TxStatus()
	return status == 'T' || status == 'E'
}

// execute исполняет одно выражение. Вызывается под h.mu.
func (h *handle) execute(ctx context.Context, req bridge.Request, policy retry.Config) bridge.Outcome {
	if h.inTx() && !isTxControl(req.SQL) {
		return h.executeInSavepoint(ctx, req)
	}

	var result *bridge.Result
	err := retry.DoWithRetryable(ctx, policy, func(ctx context.Context) error {
		r, err := h.run(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, isSerialization)
	if err != nil {
		return bridge.Outcome{Tag: bridge.TagError, Err: errorPayload(err)}
	}
	return bridge.Success(result)
}

func (h *handle) executeInSavepoint(ctx context.Context, req bridge.Request) bridge.Outcome {
	if _, err := h.conn.Exec(ctx, "SAVEPOINT "+savepointName); err != nil {
		return bridge.Outcome{Tag: bridge.TagError, Err: errorPayload(err)}
	}

	result, err := h.run(ctx, req)
	if err != nil {
		if _, rbErr := h.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return bridge.Outcome{Tag: bridge.TagError, Err: errorPayload(err)}
	}

	if _, err := h.conn.Exec(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return bridge.Outcome{Tag: bridge.TagError, Err: errorPayload(err)}
	}
	return bridge.Success(result)
}

func (h *handle) run(ctx context.Context, req bridge.Request) (*bridge.Result, error) {
	rows, err := h.conn.Query(ctx, req.SQL, req.Params...)
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	for _, row := range out {
		for k, v := range row {
			row[k] = columnValue(v)
		}
	}
	if out == nil {
		out = make([]map[string]any, 0)
	}

	tag := rows.CommandTag()
	// COMMIT прерванной транзакции сервер завершает как ROLLBACK без ошибки
	if isCommit(req.SQL) && tag.String() == "ROLLBACK" {
		return nil, shared.Markf(shared.KindConflict, "transaction was rolled back by the server")
	}

	res := &bridge.Result{Rows: out}
	if tag.Insert() || tag.Update() || tag.Delete() {
		res.RowsAffected = tag.RowsAffected()
	}
	return res, nil
}

func isTxControl(sql string) bool {
	switch word := firstWord(sql); word {
	case "BEGIN", "START", "COMMIT", "END", "ROLLBACK", "ABORT", "SAVEPOINT", "RELEASE":
		return true
	}
	return false
}

func isCommit(sql string) bool {
	w := firstWord(sql)
	return w == "COMMIT" || w == "END"
}

func firstWord(sql string) string {
	fields := strings.FieldsFunc(sql, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';'
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// columnValue приводит значение колонки к виду, пригодному для JSON.
func columnValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(x).String()
	case string, bool, int64, int32, int16, float64, float32:
		return x
	case driver.Valuer:
		// pgtype.Numeric, pgtype.Interval и т.п.
		if dv, err := x.Value(); err == nil {
			return columnValue(dv)
		}
		return fmt.Sprint(x)
	default:
		return x
	}
}
