// Package api 暴露代理的 REST 接口：动作推荐、同步与异步执行、
// 执行日志查询以及 Prometheus 指标端点。
package api
