// Package api 通过 HTTP 暴露编排核心：提交研究任务、查询与取消任务、
// 查看系统状态以及 Prometheus 指标。
package api
