// Package config 提供 inferbatchd 的配置管理功能。
//
// 支持从 YAML 文件与环境变量加载配置，环境变量优先级高于文件。核心
// 字段是 Scheduler（默认调度器配置）与 Models（按模型名称覆盖），
// 二者都直接复用 llm/batch.SchedulerConfig，没有引入平行的配置结构。
package config
