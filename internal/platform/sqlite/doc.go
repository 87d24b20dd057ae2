// Package sqlite исполняет пакеты выражений над локальными файлами SQLite.
//
// Engine реализует bridge.Bridge: каждая открытая база держит пул из одного
// соединения (modernc.org/sqlite через sqlx) и закреплённое соединение, на котором
// по порядку исполняются все пакеты. Транзакция, начатая BEGIN в одном пакете,
// продолжается в следующих, пока не придёт COMMIT или ROLLBACK.
//
// # Каталоги
//
// Базы лежат под DataDir:
//
//	docs/                         - location "docs" (по умолчанию)
//	libs/                         - location "libs"
//	libs/LocalDatabase.nosync/    - location "nosync"
//
// # Исполнение
//
// Ошибка выражения не прерывает пакет. SQLITE_BUSY и SQLITE_LOCKED повторяются
// через pkg/retry. Число изменённых строк берётся из разницы total_changes(),
// insert id - из last_insert_rowid(), если выражение что-то изменило.
// Подготовленные выражения кэшируются по xxhash текста.
//
// # Миграции
//
// Если задан Config.MigrationsPath, перед открытием к файлу применяются миграции
// golang-migrate:
//
//	cfg := sqlite.DefaultConfig("/var/lib/txqueue")
//	cfg.MigrationsPath = "file://migrations"
//	engine, err := sqlite.NewEngine(cfg, logger)
package sqlite
