package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
	"txqueue/pkg/retry"
)

// nosyncDir - каталог внутри libs, исключённый из резервного копирования
const nosyncDir = "LocalDatabase.nosync"

// defaultStmtCacheSize - сколько подготовленных выражений держать на одну базу
const defaultStmtCacheSize = 64

// Config содержит настройки движка.
type Config struct {
	// DataDir - корень, под которым лежат каталоги docs, libs и nosync
	DataDir string
	// DB - настройки подключения к каждому файлу
	DB DBOptions
	// MigrationsPath - источник миграций golang-migrate (например, "file://migrations"), пусто - без миграций
	MigrationsPath string
	// Retry - политика повторов выражения при SQLITE_BUSY
	Retry retry.Config
	// StmtCacheSize - размер кэша подготовленных выражений
	StmtCacheSize int
}

// DefaultConfig возвращает настройки движка по умолчанию.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		DB:      DefaultDBOptions(),
		Retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
		},
		StmtCacheSize: defaultStmtCacheSize,
	}
}

// Engine исполняет пакеты выражений над локальными файлами SQLite.
// Реализует bridge.Bridge; безопасен для одновременного использования.
type Engine struct {
	cfg    Config
	dirs   map[bridge.Location]string
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*handle
}

var _ bridge.Bridge = (*Engine)(nil)

// NewEngine создаёт каталоги хранения и возвращает движок.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StmtCacheSize <= 0 {
		cfg.StmtCacheSize = defaultStmtCacheSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultConfig(cfg.DataDir).Retry
	}

	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir %s: %w", cfg.DataDir, err)
	}

	dirs := map[bridge.Location]string{
		bridge.LocationDocs:   filepath.Join(root, "docs"),
		bridge.LocationLibs:   filepath.Join(root, "libs"),
		bridge.LocationNoSync: filepath.Join(root, "libs", nosyncDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Engine{
		cfg:    cfg,
		dirs:   dirs,
		logger: logger.With(slog.String("component", "sqlite")),
		open:   make(map[string]*handle),
	}, nil
}

// Path возвращает путь к файлу базы name в каталоге loc.
func (e *Engine) Path(name string, loc bridge.Location) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", shared.Markf(shared.KindValidation, "invalid database name %q", name)
	}
	loc, err := bridge.ParseLocation(string(loc))
	if err != nil {
		return "", err
	}
	return filepath.Join(e.dirs[loc], name), nil
}

// Open открывает базу и проверяет, что она читается.
func (e *Engine) Open(ctx context.Context, name string, loc bridge.Location) error {
	path, err := e.Path(name, loc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.open[name]; ok {
		return shared.Markf(shared.KindConflict, "database %s is already open", name)
	}

	if e.cfg.MigrationsPath != "" {
		if err := ApplyMigrations(path, e.cfg.MigrationsPath); err != nil {
			return shared.MarkKind(fmt.Errorf("open %s: %w", name, err), shared.KindDependencyFailure)
		}
	}

	h, err := openHandle(ctx, name, path, e.cfg)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("unable to open database %s: %w", name, err), shared.KindDependencyFailure)
	}

	e.open[name] = h
	e.logger.Info("database opened", slog.String("db", name), slog.String("path", path))
	return nil
}

// Close закрывает открытую базу.
func (e *Engine) Close(_ context.Context, name string) error {
	e.mu.Lock()
	h, ok := e.open[name]
	delete(e.open, name)
	e.mu.Unlock()

	if !ok {
		return shared.Markf(shared.KindNotFound, "database %s was not open", name)
	}

	if err := h.close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	e.logger.Info("database closed", slog.String("db", name))
	return nil
}

// Delete закрывает базу, если она открыта, и удаляет файл вместе с -wal и -shm.
func (e *Engine) Delete(_ context.Context, name string, loc bridge.Location) error {
	path, err := e.Path(name, loc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	h, ok := e.open[name]
	if ok && h.path == path {
		delete(e.open, name)
	}
	e.mu.Unlock()

	if ok && h.path == path {
		if err := h.close(); err != nil {
			e.logger.Warn("close before delete failed", slog.String("db", name), slog.Any("error", err))
		}
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return shared.Markf(shared.KindNotFound, "database %s does not exist at %s", name, path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unable to delete database %s: %w", name, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("failed to remove sidecar file", slog.String("path", path+suffix), slog.Any("error", err))
		}
	}

	e.logger.Info("database deleted", slog.String("db", name), slog.String("path", path))
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
// Ошибка выражения не прерывает пакет: каждое получает свой результат.
func (e *Engine) ExecuteBatch(ctx context.Context, name string, batch []bridge.Request) ([]bridge.Outcome, error) {
	e.mu.Lock()
	h, ok := e.open[name]
	e.mu.Unlock()
	if !ok {
		return nil, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	outcomes := make([]bridge.Outcome, 0, len(batch))
	for _, req := range batch {
		o := h.execute(ctx, req, e.cfg.Retry)
		h.trackTx(req.SQL, o.Tag == bridge.TagSuccess)
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// ExecIdle исполняет служебное выражение, если на базе нет открытой транзакции.
// Выражение идёт под тем же h.mu, что и пакеты, поэтому не попадает внутрь
// BEGIN/COMMIT удалённого клиента. false без ошибки - база пропущена.
func (e *Engine) ExecIdle(ctx context.Context, name, sql string) (bool, error) {
	e.mu.Lock()
	h, ok := e.open[name]
	e.mu.Unlock()
	if !ok {
		return false, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, shared.Markf(shared.KindNotFound, "database %s is not open", name)
	}
	if h.inTx {
		return false, nil
	}

	o := h.execute(ctx, bridge.Request{SQL: sql}, e.cfg.Retry)
	if o.Tag == bridge.TagError {
		return true, o.Err
	}
	return true, nil
}

// CloseAll закрывает все открытые базы.
func (e *Engine) CloseAll() error {
	e.mu.Lock()
	handles := e.open
	e.open = make(map[string]*handle)
	e.mu.Unlock()

	var errs []error
	for name, h := range handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// handle - открытая база: пул из одного соединения и закреплённое соединение.
// BEGIN и COMMIT приходят разными пакетами, поэтому соединение не меняется.
type handle struct {
	name string
	path string
	db   *sqlx.DB

	mu     sync.Mutex
	conn   *sqlx.Conn
	stmts  *stmtCache
	closed bool
	// inTx - удалённый клиент выполнил BEGIN и ещё не завершил транзакцию
	inTx bool
}

func openHandle(ctx context.Context, name, path string, cfg Config) (*handle, error) {
	db, err := OpenDB(ctx, path, cfg.DB)
	if err != nil {
		return nil, err
	}

	conn, err := db.Connx(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	// Проверочное чтение: файл действительно является базой
	var count int
	if err := conn.GetContext(ctx, &count, "SELECT count(*) FROM sqlite_master"); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("database probe failed: %w", err)
	}

	return &handle{
		name:  name,
		path:  path,
		db:    db,
		conn:  conn,
		stmts: newStmtCache(cfg.StmtCacheSize),
	}, nil
}

// trackTx обновляет inTx по успешно выполненному управляющему выражению.
// Вызывается под h.mu. ROLLBACK TO откатывает к точке сохранения и транзакцию не завершает.
func (h *handle) trackTx(sql string, ok bool) {
	if !ok {
		return
	}
	words := strings.Fields(strings.ToUpper(strings.TrimSpace(sql)))
	if len(words) == 0 {
		return
	}
	switch strings.TrimSuffix(words[0], ";") {
	case "BEGIN":
		h.inTx = true
	case "COMMIT", "END":
		h.inTx = false
	case "ROLLBACK":
		if !slices.Contains(words, "TO") {
			h.inTx = false
		}
	}
}

func (h *handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.stmts.clear()
	return errors.Join(h.conn.Close(), h.db.Close())
}
