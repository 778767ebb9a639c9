// Package config 负责加载 LedgerFlow 启动配置：可选的 YAML/JSON 文件、
// LEDGERFLOW_ 前缀的环境变量覆盖以及每个字段的默认值。
package config
