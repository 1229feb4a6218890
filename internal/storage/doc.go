// Package storage persists alert state in a single SQLite file.
//
// Tables:
//   - alert_items: dedup records keyed by (tenant, item) with the bound message
//   - alert_views: serialized alert payloads keyed by message id
//   - modlog_entries / modlog_watermarks: the moderation-log cache
package storage
