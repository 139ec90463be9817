package storage

// Package storage persists gateway state in a single SQLite file:
//   - Sensor reading history (composite gas/temperature/humidity samples)
//   - Alarm transitions (triggered/resolved, with the notification text)
//   - Channel recipients learned from follow/unfollow webhook events
//   - Per-target dispatch outcomes for operator audit
