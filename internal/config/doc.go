// Package config 负责加载守护进程配置：支持 YAML、TOML 与 JSON 文件，
// 环境变量覆盖敏感字段，最后补齐默认值并做一致性校验。
package config
