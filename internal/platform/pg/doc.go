// Package pg исполняет пакеты выражений в базах PostgreSQL.
//
// Engine реализует bridge.Bridge поверх pgx. Каждая открытая база держит пул
// pgxpool из одного соединения и закреплённое соединение, поэтому BEGIN и COMMIT
// из разных пакетов попадают в одну сессию. Сервисное соединение (Config.DSN)
// используется для CREATE DATABASE и DROP DATABASE.
//
// Внутри транзакции каждое выражение оборачивается в SAVEPOINT: ошибка одного
// выражения не переводит транзакцию в состояние aborted, как и в SQLite.
//
// Коды SQLSTATE переводятся в коды на проводе: класс 23 - 6, класс 42 - 5,
// 53100 и 53200 - 10, класс 25 - 11.
package pg
