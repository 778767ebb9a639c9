// Package sqlstore 提供基于 database/sql 的 MySQL 与 SQLite 存储：
// 连接管理、内嵌迁移以及评测结果仓库。
package sqlstore
