// Package scheduler запускает фоновые задачи по cron-расписанию.
//
// Расписания разбираются github.com/robfig/cron/v3 и принимают пять или шесть
// полей, а также дескрипторы:
//   - "@every 10m" - каждые 10 минут
//   - "@hourly" - каждый час
//   - "0 3 * * *" - каждый день в 03:00
//
// Каждая задача имеет имя, необязательный таймаут и политику перекрытий
// (SkipIfRunning по умолчанию, DelayIfRunning, AllowOverlap). Ошибки и паники
// задач логируются и не останавливают планировщик. RunNow выполняет задачу
// синхронно вне расписания.
//
// Maintenance - задача обслуживания: на каждой открытой базе txqueue.Manager
// выполняет служебные выражения (PRAGMA optimize для SQLite, ANALYZE для
// PostgreSQL) через обычную очередь базы.
//
//	s := scheduler.New(ctx, scheduler.Config{Logger: logger})
//	job := scheduler.NewMaintenance(manager, scheduler.SQLiteMaintenance, logger)
//	if _, err := job.Register(s, "@every 10m", time.Minute); err != nil {
//		return err
//	}
//	s.Start()
//	defer s.Stop()
package scheduler
