// Package api 基于 chi 暴露任务注册、查询、执行与触发的 REST 接口。
package api
