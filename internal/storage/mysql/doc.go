// Package mysql 提供执行历史的持久化仓库：本地 JSONL 文件实现用于
// 开发与测试，MySQL 实现用于生产部署。
package mysql
