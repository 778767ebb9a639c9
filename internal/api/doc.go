// Package api 暴露 LedgerFlow 的 HTTP 接口：提交评测运行、查询运行状态、
// 恢复挂起的运行以及读取最近的评测结果。
package api
